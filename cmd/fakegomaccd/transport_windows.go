//go:build windows

package main

import (
	"time"

	"github.com/gomacc-proxy/gomaccd/internal/ipc"
)

func newLocalTransport(_, pipeName string) (ipc.LocalTransport, error) {
	return ipc.NewNamedPipeListener(pipeName, 13*time.Second)
}
