//go:build unix

package server

import "syscall"

// reuseAddrControl sets SO_REUSEADDR so a restarted server can bind its
// port while old connections sit in TIME_WAIT
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
