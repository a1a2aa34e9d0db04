//go:build !windows
// +build !windows

package reactor

type opSys struct{}
