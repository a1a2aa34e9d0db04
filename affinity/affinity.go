// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files guarded by build tags.

package affinity

import (
	"github.com/pkg/errors"

	"github.com/momentics/hioload-netcore/api"
)

// SetAffinity pins the current OS thread to the given logical CPU. The
// caller must have locked its goroutine to the thread.
func SetAffinity(cpuID int) error {
	if cpuID < 0 {
		return errors.Wrapf(api.ErrInvalidArgument, "cpu %d", cpuID)
	}
	return setAffinityPlatform(cpuID)
}
