//go:build darwin || freebsd || netbsd || openbsd

package ipc

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// verifyPeerCredential implements BSD/Darwin peer-credential
// check, the getpeereid equivalent named there: LOCAL_PEERCRED via
// getsockopt, returning an Xucred whose Uid is compared against this
// process's effective uid.
func verifyPeerCredential(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return errors.New("ipc: not a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}

	var cred *unix.Xucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
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
