//go:build !unix && !windows
// +build !unix,!windows

package transport

import (
	"github.com/pkg/errors"

	"github.com/momentics/hioload-netcore/api"
)

var errWouldBlock = errors.New("operation would block")

func rawRead(uintptr, []byte) (int, error) {
	return 0, errors.Wrap(api.ErrNotSupported, "raw read")
}

func rawWrite(uintptr, []byte) (int, error) {
	return 0, errors.Wrap(api.ErrNotSupported, "raw write")
}

func closeHandle(uintptr) error { return nil }
