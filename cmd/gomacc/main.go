// Command gomacc is the thin client wrapper installed in place of a real
// compiler (gcc/clang/cl.exe/javac): it forwards its own argv and working
// directory to a running gomaccd daemon over the local IPC endpoint, using
// JSON-over-HTTP/1.1 to match the daemon's ipc.Server, and relays the
// daemon's reply back to the invoking build tool.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type request struct {
	Cwd  string   `json:"cwd"`
	Argv []string `json:"argv"`
}

type response struct {
	ExitCode    int      `json:"exit_code"`
	Stdout      []byte   `json:"stdout,omitempty"`
	Stderr      []byte   `json:"stderr,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

func fail(err error) {
	_, _ = fmt.Fprintln(os.Stderr, "gomacc:", err)
	os.Exit(1)
}

func main() {
	cwd, err := os.Getwd()
	if err != nil {
		fail(err)
	}

	resp, err := sendRequest(request{Cwd: cwd, Argv: os.Args[1:]})
	if err != nil {
		fail(err)
	}

	_, _ = os.Stdout.Write(resp.Stdout)
	_, _ = os.Stderr.Write(resp.Stderr)
	os.Exit(resp.ExitCode)
}

func sendRequest(req request) (response, error) {
	conn, err := dial()
	if err != nil {
		return response{}, err
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		return response{}, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, "http://gomaccd/compile", bytes.NewReader(body))
	if err != nil {
		return response{}, err
	}
	httpReq.ContentLength = int64(len(body))
	httpReq.Close = true

	if err := httpReq.Write(conn); err != nil {
		return response{}, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(20 * time.Minute))
	httpResp, err := http.ReadResponse(bufio.NewReader(conn), httpReq)
	if err != nil {
		return response{}, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return response{}, err
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return response{}, err
	}
	return resp, nil
}
