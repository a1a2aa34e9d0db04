// File: core/buffer/netbuf.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-socket, per-direction byte pipeline. The io list holds bytes as
// they cross the wire, the logic list holds bytes as the application sees
// them. Compression moves data between the two; encryption transforms
// bytes in place on whichever list touches the wire.

package buffer

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/pool"
)

// CompressMode selects the compression role of a buffer.
type CompressMode uint8

const (
	CompressNone CompressMode = iota
	Compress                  // send side: logic -> io
	Uncompress                // receive side: io -> logic
)

// CryptMode selects the encryption role of a buffer.
type CryptMode uint8

const (
	CryptNone CryptMode = iota
	Encrypt             // applied to bytes about to be written
	Decrypt             // applied to bytes just read
)

// NetBuffer is owned by one direction of one socket. Modes are fixed
// before the first I/O call; calls must be serialised by the caller.
type NetBuffer struct {
	mgr   *Manager
	class pool.SizeClass

	compressMode CompressMode
	compressor   api.Compressor
	cryptMode    CryptMode
	crypter      api.Crypter

	rawForCompress int
	rawForEncrypt  int

	useTGW  bool
	tgwDone atomic.Bool

	limit    int
	used     bool
	released bool

	io    *BlockList
	logic *BlockList
}

func (b *NetBuffer) setup() error {
	if b.used {
		return api.ErrBufferInUse
	}
	return nil
}

// SetCompressMode installs c for mode. Mode CompressNone clears it.
func (b *NetBuffer) SetCompressMode(mode CompressMode, c api.Compressor) error {
	if err := b.setup(); err != nil {
		return err
	}
	if mode != CompressNone && c == nil {
		return errors.Wrap(api.ErrInvalidArgument, "compress mode without compressor")
	}
	b.compressMode, b.compressor = mode, c
	return nil
}

// SetCryptMode installs c for mode. If c implements io.Closer it is
// closed when the buffer is released.
func (b *NetBuffer) SetCryptMode(mode CryptMode, c api.Crypter) error {
	if err := b.setup(); err != nil {
		return err
	}
	if mode != CryptNone && c == nil {
		return errors.Wrap(api.ErrInvalidArgument, "crypt mode without crypter")
	}
	b.cryptMode, b.crypter = mode, c
	return nil
}

// SetRawDataSize exempts the first n bytes sent from compression and
// encryption.
func (b *NetBuffer) SetRawDataSize(n int) error {
	if err := b.setup(); err != nil {
		return err
	}
	b.rawForCompress, b.rawForEncrypt = n, n
	return nil
}

// UseTGW makes the buffer discard everything up to the first CRLFCRLF
// received.
func (b *NetBuffer) UseTGW() error {
	if err := b.setup(); err != nil {
		return err
	}
	b.useTGW = true
	return nil
}

// SetLimit sets the backpressure threshold in bytes; 0 disables it.
func (b *NetBuffer) SetLimit(n int) error {
	if err := b.setup(); err != nil {
		return err
	}
	if n < 0 {
		n = 0
	}
	b.limit = n
	return nil
}

// Class reports the block size class the buffer draws from.
func (b *NetBuffer) Class() pool.SizeClass { return b.class }

// MessageMaxLen is the smallest destination GetMessage accepts.
func (b *NetBuffer) MessageMaxLen() int { return b.logic.MessageMaxLen() }

func (b *NetBuffer) recvList() *BlockList {
	if b.compressMode == Uncompress {
		return b.io
	}
	return b.logic
}

func (b *NetBuffer) sendList() *BlockList {
	if b.compressMode == Compress {
		return b.io
	}
	return b.logic
}

func (b *NetBuffer) tgwPending() bool {
	return b.useTGW && !b.tgwDone.Load()
}

// WriteBufInfo returns a contiguous region for the next OS read, or nil
// when the buffer is over its limit or the pool is exhausted.
func (b *NetBuffer) WriteBufInfo() []byte {
	b.used = true
	if b.CanNotRecv() {
		return nil
	}
	return b.recvList().WriteBufInfo()
}

// AddWrite commits n bytes read into the WriteBufInfo region. A pending
// TGW header is stripped first; the surviving new bytes are then
// decrypted in place.
func (b *NetBuffer) AddWrite(n int) {
	if n <= 0 {
		return
	}
	l := b.recvList()
	l.AddWrite(n)
	if b.tgwPending() && !b.stripTGW(l) {
		return
	}
	if b.cryptMode != Decrypt {
		return
	}
	t := l.tail()
	if t == nil {
		return
	}
	seg := t.Readable()
	if n > len(seg) {
		n = len(seg)
	}
	b.crypter.Crypt(seg[len(seg)-n:])
}

// RecvEndDo decompresses every complete io frame onto the logic list.
// An error means the connection must be closed.
func (b *NetBuffer) RecvEndDo() error {
	if b.compressMode != Uncompress || b.tgwPending() {
		return nil
	}
	frame := scratch(b.io.MessageMaxLen())
	defer freeScratch(frame)
	out := scratch(b.logic.MessageMaxLen())
	defer freeScratch(out)

	for {
		n := b.io.GetMessage(frame)
		if n == 0 {
			return nil
		}
		if n < 0 {
			b.logFraming(b.io)
			return errors.Wrapf(api.ErrFraming, "compressed frame length %d", b.io.MessageLen())
		}
		plain, err := b.compressor.Uncompress(out[:0], frame[:n])
		if err != nil {
			return errors.Wrapf(api.ErrTransform, "uncompress %d bytes: %v", n, err)
		}
		if !b.logic.PutData(plain) {
			return errors.Wrap(api.ErrResourceExhausted, "uncompressed data")
		}
	}
}

// SendBeforeDo compresses everything pending on the logic list into io
// frames, at most MessageMaxLen source bytes per frame. Raw prefix bytes
// are moved across untouched and unframed.
func (b *NetBuffer) SendBeforeDo() error {
	b.used = true
	if b.compressMode != Compress {
		return nil
	}
	dst := scratch(b.io.MessageMaxLen())
	defer freeScratch(dst)

	for b.logic.Len() > 0 {
		seg := b.logic.ReadBufInfo()
		if b.rawForCompress > 0 {
			if len(seg) > b.rawForCompress {
				seg = seg[:b.rawForCompress]
			}
			if !b.io.PutData(seg) {
				return errors.Wrap(api.ErrResourceExhausted, "raw prefix")
			}
			b.rawForCompress -= len(seg)
			b.logic.AddRead(len(seg))
			continue
		}
		if chunk := b.logic.MessageMaxLen(); len(seg) > chunk {
			seg = seg[:chunk]
		}
		packed, err := b.compressor.Compress(dst[:0], seg)
		if err != nil {
			return errors.Wrapf(api.ErrTransform, "compress %d bytes: %v", len(seg), err)
		}
		if len(packed) > b.io.MessageMaxLen() {
			return errors.Wrapf(api.ErrTransform, "compressed chunk of %d bytes exceeds frame limit", len(packed))
		}
		if !b.io.PutMessage(packed) {
			return errors.Wrap(api.ErrResourceExhausted, "compressed frame")
		}
		b.logic.AddRead(len(seg))
	}
	return nil
}

// ReadBufInfo returns the next contiguous region to hand to the OS.
// Bytes exposed for the first time are encrypted in place, except for the
// raw prefix.
func (b *NetBuffer) ReadBufInfo() []byte {
	b.used = true
	l := b.sendList()
	seg := l.ReadBufInfo()
	if seg == nil || b.cryptMode != Encrypt {
		return seg
	}
	h := l.head()
	fresh := h.Unprocessed()
	if b.rawForEncrypt > 0 {
		skip := b.rawForEncrypt
		if skip > len(fresh) {
			skip = len(fresh)
		}
		b.rawForEncrypt -= skip
		fresh = fresh[skip:]
	}
	if len(fresh) > 0 {
		b.crypter.Crypt(fresh)
	}
	h.MarkProcessed()
	return seg
}

// AddRead consumes n bytes the OS accepted from the ReadBufInfo region.
func (b *NetBuffer) AddRead(n int) {
	if n > 0 {
		b.sendList().AddRead(n)
	}
}

// PushMessage frames p onto the logic list.
func (b *NetBuffer) PushMessage(p []byte) error {
	if b.tgwPending() {
		return api.ErrNotReady
	}
	b.used = true
	if len(p) == 0 || len(p) > b.logic.MessageMaxLen() {
		return errors.Wrapf(api.ErrInvalidArgument, "message of %d bytes", len(p))
	}
	if !b.logic.PutMessage(p) {
		return errors.Wrap(api.ErrResourceExhausted, "push message")
	}
	return nil
}

// GetMessage copies the next complete message into dst, which must hold
// MessageMaxLen bytes. It returns nil, nil when no message is ready.
func (b *NetBuffer) GetMessage(dst []byte) ([]byte, error) {
	if b.tgwPending() {
		return nil, nil
	}
	if len(dst) < b.logic.MessageMaxLen() {
		return nil, errors.Wrapf(api.ErrShortBuffer, "need %d bytes", b.logic.MessageMaxLen())
	}
	n := b.logic.GetMessage(dst)
	switch {
	case n == 0:
		return nil, nil
	case n < 0:
		b.logFraming(b.logic)
		return nil, errors.Wrapf(api.ErrFraming, "message length %d", b.logic.MessageLen())
	}
	return dst[:n], nil
}

// GetData moves up to len(dst) unframed logic bytes into dst.
func (b *NetBuffer) GetData(dst []byte) (int, error) {
	if b.tgwPending() || len(dst) == 0 {
		return 0, nil
	}
	return b.logic.GetData(dst), nil
}

func (b *NetBuffer) logFraming(l *BlockList) {
	if b.mgr.errorLog.Load() {
		logrus.Errorf("msg length error. max message len:%d, message len:%d", l.MessageMaxLen(), l.MessageLen())
	}
}

// CanNotRecv reports that either list reached the limit.
func (b *NetBuffer) CanNotRecv() bool {
	return b.limit > 0 && (b.logic.Len() >= b.limit || b.io.Len() >= b.limit)
}

// CanNotSend reports that nothing is left to flush.
func (b *NetBuffer) CanNotSend() bool {
	return b.io.Len() == 0 && b.logic.Len() == 0
}

// AddIsLimit reports whether accepting n more logic bytes would reach the
// limit.
func (b *NetBuffer) AddIsLimit(n int) bool {
	return b.limit > 0 && (b.io.Len() >= b.limit || b.logic.Len()+n >= b.limit)
}

// DataSize is the number of bytes buffered across both lists.
func (b *NetBuffer) DataSize() int {
	return b.io.Len() + b.logic.Len()
}

// TGWStripped reports whether the proxy header has been removed.
func (b *NetBuffer) TGWStripped() bool { return b.tgwDone.Load() }

// Release returns all blocks and closes the installed transforms. It is
// idempotent.
func (b *NetBuffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.io.Release()
	b.logic.Release()
	for _, t := range []any{b.crypter, b.compressor} {
		if c, ok := t.(io.Closer); ok {
			_ = c.Close()
		}
	}
	b.mgr.bufferReleased()
}
