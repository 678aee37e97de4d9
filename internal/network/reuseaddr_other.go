//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns the default listen config on platforms
// without a tuned socket option.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
