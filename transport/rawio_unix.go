//go:build unix
// +build unix

// File: transport/rawio_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var errWouldBlock = errors.New("operation would block")

func rawRead(fd uintptr, p []byte) (int, error) {
	for {
		n, err := unix.Read(int(fd), p)
		switch err {
		case nil:
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errWouldBlock
		}
		return 0, errors.Wrap(err, "read")
	}
}

func rawWrite(fd uintptr, p []byte) (int, error) {
	for {
		n, err := unix.Write(int(fd), p)
		switch err {
		case nil:
			if n == 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errWouldBlock
		}
		return 0, errors.Wrap(err, "write")
	}
}

func closeHandle(fd uintptr) error {
	return unix.Close(int(fd))
}
