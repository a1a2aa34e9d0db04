//go:build !linux && !windows
// +build !linux,!windows

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>

package affinity

import (
	"github.com/pkg/errors"

	"github.com/momentics/hioload-netcore/api"
)

func setAffinityPlatform(int) error {
	return errors.Wrap(api.ErrNotSupported, "cpu affinity")
}
