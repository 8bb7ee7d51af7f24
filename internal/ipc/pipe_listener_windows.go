//go:build windows

package ipc

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
	"github.com/pkg/errors"
)

// namedPipeListener implements LocalTransport over a Windows named pipe
//. No peer-credential
// syscall exists for named pipes, so every connection is trusted per
// stated platform rule ("on platforms without
// peer-credentials, only a named-pipe connection is trusted").
type namedPipeListener struct {
	ln   net.Listener
	name string
}

// NewNamedPipeListener opens pipeName, retrying while it's held busy by a
// still-shutting-down prior daemon instance up to busyRetryWait.
func NewNamedPipeListener(pipeName string, busyRetryWait time.Duration) (LocalTransport, error) {
	cfg := &winio.PipeConfig{
		InputBufferSize:  64 * 1024,
		OutputBufferSize: 64 * 1024,
	}

	deadline := time.Now().Add(busyRetryWait)
	var lastErr error
	for {
		ln, err := winio.ListenPipe(pipeName, cfg)
		if err == nil {
			return &namedPipeListener{ln: ln, name: pipeName}, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(lastErr, "listen named pipe %s", pipeName)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func (l *namedPipeListener) Accept() (net.Conn, error) { return l.ln.Accept() }
func (l *namedPipeListener) Close() error              { return l.ln.Close() }
func (l *namedPipeListener) Addr() string              { return l.name }
