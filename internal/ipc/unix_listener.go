//go:build !windows

package ipc

import (
	"net"
	"os"

	"github.com/pkg/errors"
)

// unixListener implements LocalTransport over a filesystem-visible unix
// domain socket, with peer-credential verification on accept so a
// connection from a different user is silently refused.
type unixListener struct {
	ln   net.Listener
	path string
}

// NewUnixListener binds path, replacing any stale socket file left behind
// by a prior daemon instance.
func NewUnixListener(path string) (LocalTransport, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "listen unix %s", path)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = ln.Close()
		return nil, errors.Wrapf(err, "chmod unix socket %s", path)
	}
	return &unixListener{ln: ln, path: path}, nil
}

// Accept blocks until a connection from a peer whose effective uid matches
// this process's arrives; connections from any other uid are silently
// dropped and accepting continues.
func (l *unixListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}
		if err := verifyPeerCredential(conn); err != nil {
			_ = conn.Close()
			continue
		}
		return conn, nil
	}
}

func (l *unixListener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}

func (l *unixListener) Addr() string { return l.path }
