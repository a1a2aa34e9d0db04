//go:build !linux && !windows && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd
// +build !linux,!windows,!darwin,!dragonfly,!freebsd,!netbsd,!openbsd

// File: reactor/platform_other.go
// Author: momentics <momentics@gmail.com>
//
// Platforms without a native primitive only get the in-process port.

package reactor

import (
	"github.com/pkg/errors"

	"github.com/momentics/hioload-netcore/api"
)

const defaultKind = KindCompletion

func newMultiplexer() (Multiplexer, error) {
	return nil, errors.Wrap(api.ErrNotSupported, "readiness multiplexer on this platform")
}

func newCompletionPort(int) (CompletionPort, error) {
	return NewMemPort(0), nil
}
