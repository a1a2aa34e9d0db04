//go:build windows
// +build windows

package reactor

import "golang.org/x/sys/windows"

// opSys starts with the OVERLAPPED the kernel reports back.
type opSys struct {
	ov  windows.Overlapped
	buf windows.WSABuf
}
