//go:build linux

package ipc

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// verifyPeerCredential implements Linux peer-credential
// check via SO_PEERCRED, honoring the kernel's reported uid even under
// chrooted/fakeroot tests.
func verifyPeerCredential(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return errors.New("ipc: not a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}

	var cred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if sockErr != nil {
		return sockErr
	}

	euid := uint32(os.Geteuid())
	if cred.Uid != euid {
		return errors.Errorf("ipc: peer uid %d does not match daemon uid %d", cred.Uid, euid)
	}
	return nil
}
