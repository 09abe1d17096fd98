//go:build !linux && !windows

package network

import (
	"net"
	"time"
)

func listenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{KeepAlive: keepAlive}
}
