//go:build linux
// +build linux

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific implementation for setting thread CPU affinity.

package affinity

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// setAffinityPlatform sets the calling thread's mask; pid 0 is the thread
// itself for sched_setaffinity.
func setAffinityPlatform(cpuID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	return errors.Wrap(unix.SchedSetaffinity(0, &set), "sched_setaffinity")
}
