//go:build !unix

package proxy

import "syscall"

// The Go runtime already sets the platform equivalent where one exists.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
