//go:build unix

// Package sockopt applies the listener and per-connection socket tuning
// spec.md's Server module assumes an OS TCP stack provides: SO_REUSEADDR on
// the listening socket so a restarted gateway can rebind its port
// immediately, and TCP_NODELAY/SO_LINGER on each accepted socket so small
// frames are not Nagle-delayed and a closed connection doesn't linger with
// unsent data past shutdown's grace period. Grounded on the teacher's
// internal/transport/transport_linux.go (golang.org/x/sys/unix.
// SetsockoptInt for TCP_NODELAY on freshly created sockets).
package sockopt

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ControlListener is a net.ListenConfig.Control func that sets SO_REUSEADDR
// on the listening socket before bind.
func ControlListener(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// TuneAccepted sets TCP_NODELAY and a zero-second SO_LINGER (RST-close
// instead of a lingering FIN) on an accepted connection. nc that is not a
// *net.TCPConn (never the case for the gateway's TCP listener) is a no-op.
func TuneAccepted(nc net.Conn) error {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	})
	if err != nil {
		return err
	}
	return sockErr
}
