//go:build !unix

package sockopt

import (
	"net"
	"syscall"
)

// ControlListener is a no-op outside unix builds; the gateway still
// functions with the platform's default socket options.
func ControlListener(network, address string, c syscall.RawConn) error {
	return nil
}

// TuneAccepted is a no-op outside unix builds.
func TuneAccepted(nc net.Conn) error {
	return nil
}
