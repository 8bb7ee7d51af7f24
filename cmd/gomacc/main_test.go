package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

// serveOnce accepts exactly one connection on sockPath, decodes the request
// this package's sendRequest wrote, and replies with resp.
func serveOnce(t *testing.T, sockPath string, gotReq chan<- request, resp response) {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		httpReq, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		defer httpReq.Body.Close()

		var req request
		_ = json.NewDecoder(httpReq.Body).Decode(&req)
		gotReq <- req

		body, _ := json.Marshal(resp)
		httpResp := &http.Response{
			StatusCode:    200,
			ProtoMajor:    1,
			ProtoMinor:    1,
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: int64(len(body)),
			Header:        http.Header{},
		}
		_ = httpResp.Write(conn)
	}()
}

func TestSendRequestRoundTripsArgvAndCwdThroughTheDaemon(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "gomaccd.sock")
	t.Setenv("GOMACC_DAEMON_SOCK", sockPath)

	gotReq := make(chan request, 1)
	serveOnce(t, sockPath, gotReq, response{
		ExitCode: 0,
		Stdout:   []byte("built\n"),
	})

	resp, err := sendRequest(request{Cwd: "/work", Argv: []string{"cc", "-c", "a.c"}})
	require.NoError(t, err)

	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, "built\n", string(resp.Stdout))

	req := <-gotReq
	assert.Equal(t, "/work", req.Cwd)
	assert.Equal(t, []string{"cc", "-c", "a.c"}, req.Argv)
}

func TestSendRequestSurfacesNonZeroExitAndStderr(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "gomaccd.sock")
	t.Setenv("GOMACC_DAEMON_SOCK", sockPath)

	gotReq := make(chan request, 1)
	serveOnce(t, sockPath, gotReq, response{
		ExitCode: 1,
		Stderr:   []byte("error: a.c: no such file\n"),
	})

	resp, err := sendRequest(request{Cwd: "/work", Argv: []string{"cc", "-c", "a.c"}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ExitCode)
	assert.Contains(t, string(resp.Stderr), "no such file")
}

func TestSendRequestFailsWhenNoDaemonIsListening(t *testing.T) {
	t.Setenv("GOMACC_DAEMON_SOCK", filepath.Join(t.TempDir(), "nothing-here.sock"))

	_, err := sendRequest(request{Cwd: "/work", Argv: []string{"cc"}})
	assert.Error(t, err)
}
