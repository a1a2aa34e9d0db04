//go:build windows
// +build windows

// File: transport/rawio_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The completion engine performs all socket I/O on Windows.

package transport

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/momentics/hioload-netcore/api"
)

var errWouldBlock = errors.New("operation would block")

func rawRead(uintptr, []byte) (int, error) {
	return 0, errors.Wrap(api.ErrNotSupported, "readiness read on windows")
}

func rawWrite(uintptr, []byte) (int, error) {
	return 0, errors.Wrap(api.ErrNotSupported, "readiness write on windows")
}

func closeHandle(fd uintptr) error {
	return windows.Closesocket(windows.Handle(fd))
}
