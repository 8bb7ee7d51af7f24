//go:build !windows

package main

import (
	"net"
	"os"
)

func endpoint() string {
	if e := os.Getenv("GOMACC_DAEMON_SOCK"); e != "" {
		return e
	}
	return "/tmp/gomaccd.sock"
}

func dial() (net.Conn, error) {
	return net.Dial("unix", endpoint())
}
