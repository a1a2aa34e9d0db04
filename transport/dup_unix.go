//go:build unix
// +build unix

// File: transport/dup_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"io"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DupConn duplicates the descriptor behind c into a non-blocking,
// close-on-exec descriptor owned by the caller, then closes c.
func DupConn(c syscall.Conn) (uintptr, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, errors.Wrap(err, "syscall conn")
	}
	fd := -1
	var dupErr error
	if err := raw.Control(func(h uintptr) {
		fd, dupErr = unix.Dup(int(h))
	}); err != nil {
		return 0, errors.Wrap(err, "control")
	}
	if dupErr != nil {
		return 0, errors.Wrap(dupErr, "dup")
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return 0, errors.Wrap(err, "set non-blocking")
	}
	if cl, ok := c.(io.Closer); ok {
		_ = cl.Close()
	}
	return uintptr(fd), nil
}
