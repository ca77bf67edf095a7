//go:build !unix

package client

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error { return nil }
