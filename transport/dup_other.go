//go:build !unix
// +build !unix

// File: transport/dup_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sockets owned by the Go runtime are already bound to its own completion
// port on Windows and cannot be associated with another one.

package transport

import (
	"syscall"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-netcore/api"
)

// DupConn is not available on this platform.
func DupConn(syscall.Conn) (uintptr, error) {
	return 0, errors.Wrap(api.ErrNotSupported, "dup of runtime-owned socket")
}
