//go:build linux

package network

import (
	"net"
	"syscall"
	"time"
)

// listenConfig returns a net.ListenConfig that sets SO_REUSEADDR before
// binding, so a restarted balancer can reclaim a port left in TIME_WAIT.
func listenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{
		KeepAlive: keepAlive,
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return opErr
		},
	}
}
