//go:build !unix

package transport

import "syscall"

func listenControl(string, string, syscall.RawConn) error { return nil }

func dialControl(string, string, syscall.RawConn) error { return nil }
