//go:build linux

package network

import (
	"net"
	"strings"
	"syscall"
)

// udpReceiveBuffer sizes the kernel queue of the shared UDP socket. Every
// endpoint of a registry receives through it, so the default is too small
// under load.
const udpReceiveBuffer = 1 << 20

// ReuseAddrListenConfig returns a net.ListenConfig for registry sockets.
// SO_REUSEADDR lets a restarted node reclaim its port while old TCP sockets
// sit in TIME_WAIT. UDP sockets also get a larger receive buffer.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, _ string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if opErr == nil && strings.HasPrefix(network, "udp") {
					// Best effort: the kernel clamps to rmem_max.
					_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, udpReceiveBuffer)
				}
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
