// control/platform.go
// Author: momentics <momentics@gmail.com>
//
// Runtime and host probes.

package control

import "runtime"

// RegisterPlatformProbes adds host and Go runtime probes.
func RegisterPlatformProbes(p *Probes) {
	p.Register("platform.cpus", func() any { return runtime.NumCPU() })
	p.Register("platform.os", func() any { return runtime.GOOS + "/" + runtime.GOARCH })
	p.Register("platform.goroutines", func() any { return runtime.NumGoroutine() })
}
