//go:build !windows

package main

import "github.com/gomacc-proxy/gomaccd/internal/ipc"

func newLocalTransport(sockPath, _ string) (ipc.LocalTransport, error) {
	return ipc.NewUnixListener(sockPath)
}
