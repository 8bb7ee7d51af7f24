//go:build windows

package main

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/Microsoft/go-winio"
)

func endpoint() string {
	if e := os.Getenv("GOMACC_DAEMON_PIPE"); e != "" {
		return e
	}
	return `\\.\pipe\gomaccd`
}

func dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return winio.DialPipeContext(ctx, endpoint())
}
