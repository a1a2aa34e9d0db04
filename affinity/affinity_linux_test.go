//go:build linux
// +build linux

package affinity_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-netcore/affinity"
)

func TestSetAffinityCurrentThread(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var orig unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &orig))
	defer unix.SchedSetaffinity(0, &orig)

	cpu := -1
	for i := 0; i < 1024 && cpu < 0; i++ {
		if orig.IsSet(i) {
			cpu = i
		}
	}
	require.GreaterOrEqual(t, cpu, 0)
	require.NoError(t, affinity.SetAffinity(cpu))

	var got unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &got))
	assert.Equal(t, 1, got.Count())
	assert.True(t, got.IsSet(cpu))
}
