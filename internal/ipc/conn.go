package ipc

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gomacc-proxy/gomaccd/internal/engine"
)

// replyConn adapts one accepted connection to engine.ReplySink, plus
// peer-close notification: a background reader detects the peer going away
// before Reply and signals Closed().
type replyConn struct {
	conn    net.Conn
	once    sync.Once
	replied chan struct{}
	closed  chan struct{}
}

func newReplyConn(conn net.Conn) *replyConn {
	rc := &replyConn{
		conn:    conn,
		replied: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go rc.watchForPeerClose()
	return rc
}

// watchForPeerClose blocks on a read the client is never expected to
// satisfy; any read
// result — EOF, reset, or stray bytes — means the peer is gone or
// misbehaving, either way canceling the task.
func (rc *replyConn) watchForPeerClose() {
	buf := make([]byte, 1)
	_, _ = rc.conn.Read(buf)
	rc.once.Do(func() { close(rc.closed) })
}

func (rc *replyConn) Closed() <-chan struct{} { return rc.closed }

// SendReply writes the single permitted HTTP/1.1 response for this
// connection.
func (rc *replyConn) SendReply(r engine.Reply) error {
	defer close(rc.replied)

	body, err := json.Marshal(wireResponse{
		ExitCode:    r.ExitCode,
		Stdout:      r.Stdout,
		Stderr:      r.Stderr,
		Diagnostics: r.Diagnostics,
	})
	if err != nil {
		return err
	}

	resp := &http.Response{
		StatusCode:    http.StatusOK,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Length": {strconv.Itoa(len(body))}},
	}
	return resp.Write(rc.conn)
}
