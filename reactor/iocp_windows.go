//go:build windows
// +build windows

// File: reactor/iocp_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows I/O completion port. Operations are recovered from the
// OVERLAPPED pointer, which is the first field of Operation.

package reactor

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/core/socket"
)

// IOCP implements CompletionPort.
type IOCP struct {
	port   windows.Handle
	closed atomic.Bool
}

// NewIOCP creates a port allowing threads concurrent workers.
func NewIOCP(threads int) (*IOCP, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, uint32(threads))
	if err != nil {
		return nil, errors.Wrap(err, "create io completion port")
	}
	return &IOCP{port: port}, nil
}

// Associate binds the socket handle to the port.
func (p *IOCP) Associate(s *socket.Socket) error {
	_, err := windows.CreateIoCompletionPort(windows.Handle(s.Handle()), p.port, 0, 0)
	return errors.Wrap(err, "associate")
}

// Issue starts WSARecv or WSASend, or posts a notification for a nil Buf.
func (p *IOCP) Issue(op *Operation) error {
	if len(op.Buf) == 0 {
		return p.Post(op)
	}
	op.sys.ov = windows.Overlapped{}
	op.sys.buf = windows.WSABuf{Len: uint32(len(op.Buf)), Buf: &op.Buf[0]}
	h := windows.Handle(op.Guard.Socket().Handle())

	var (
		n   uint32
		err error
	)
	switch op.Kind {
	case OpRecv:
		var flags uint32
		err = windows.WSARecv(h, &op.sys.buf, 1, &n, &flags, &op.sys.ov, nil)
	case OpSend:
		err = windows.WSASend(h, &op.sys.buf, 1, &n, 0, &op.sys.ov, nil)
	default:
		return errors.Wrapf(api.ErrInvalidArgument, "issue op kind %d", op.Kind)
	}
	if err != nil && err != windows.ERROR_IO_PENDING {
		return err
	}
	return nil
}

// Post queues a zero-byte completion for op.
func (p *IOCP) Post(op *Operation) error {
	op.sys.ov = windows.Overlapped{}
	return windows.PostQueuedCompletionStatus(p.port, 0, 0, &op.sys.ov)
}

// Cancel aborts pending I/O on the socket handle.
func (p *IOCP) Cancel(s *socket.Socket) error {
	err := windows.CancelIoEx(windows.Handle(s.Handle()), nil)
	if err != nil && err != windows.ERROR_NOT_FOUND {
		return errors.Wrap(err, "cancel io")
	}
	return nil
}

// Dequeue waits for the next completion. Failed I/O returns its op with
// the error.
func (p *IOCP) Dequeue() (*Operation, int, error) {
	var (
		qty uint32
		key uintptr
		ov  *windows.Overlapped
	)
	err := windows.GetQueuedCompletionStatus(p.port, &qty, &key, &ov, windows.INFINITE)
	if ov == nil {
		if p.closed.Load() {
			return nil, 0, api.ErrReactorClosed
		}
		return nil, 0, errors.Wrap(err, "get queued completion status")
	}
	return (*Operation)(unsafe.Pointer(ov)), int(qty), err
}

// Close releases the port handle.
func (p *IOCP) Close() error {
	p.closed.Store(true)
	return windows.CloseHandle(p.port)
}
