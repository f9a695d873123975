//go:build !unix

package server

import "syscall"

// SO_REUSEADDR on Windows allows port hijacking, so it is left unset there.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
