// File: core/buffer/blocklist.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FIFO chain of pool blocks presenting one logical byte stream with
// length-prefixed message framing.

package buffer

import (
	"encoding/binary"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-netcore/pool"
)

// HeaderSize is the width of the little-endian payload length that
// precedes every framed message.
const HeaderSize = 4

// Allocator hands out and takes back blocks of one size class.
type Allocator interface {
	Acquire() *pool.Block
	Release(b *pool.Block)
}

// BlockList is not safe for concurrent use; each list belongs to one
// direction of one socket.
type BlockList struct {
	alloc         Allocator
	blocks        *queue.Queue // of *pool.Block, head first
	datasize      int
	messageLen    int
	messageMaxLen int
	broken        bool
}

// NewBlockList creates an empty list drawing blocks from alloc.
func NewBlockList(alloc Allocator, messageMaxLen int) *BlockList {
	return &BlockList{
		alloc:         alloc,
		blocks:        queue.New(),
		messageMaxLen: messageMaxLen,
	}
}

// Len is the number of committed, unread bytes.
func (l *BlockList) Len() int { return l.datasize }

// MessageMaxLen is the largest payload accepted by the framing.
func (l *BlockList) MessageMaxLen() int { return l.messageMaxLen }

// MessageLen is the declared length of a frame whose header was consumed
// but whose payload has not fully arrived, or the offending length after a
// framing error. It is 0 between frames.
func (l *BlockList) MessageLen() int { return l.messageLen }

func (l *BlockList) head() *pool.Block {
	if l.blocks.Length() == 0 {
		return nil
	}
	return l.blocks.Peek().(*pool.Block)
}

func (l *BlockList) tail() *pool.Block {
	if l.blocks.Length() == 0 {
		return nil
	}
	return l.blocks.Get(-1).(*pool.Block)
}

// WriteBufInfo returns the free region of the tail block, appending a
// fresh block when the tail is full. The region never spans blocks.
// Nil means the pool is exhausted.
func (l *BlockList) WriteBufInfo() []byte {
	t := l.tail()
	if t == nil || t.WritableBytes() == 0 {
		if t = l.alloc.Acquire(); t == nil {
			return nil
		}
		l.blocks.Add(t)
	}
	return t.Writable()
}

// AddWrite commits n bytes written into the region from WriteBufInfo.
func (l *BlockList) AddWrite(n int) {
	if n <= 0 {
		return
	}
	l.tail().AdvanceWrite(n)
	l.datasize += n
}

// ReadBufInfo returns the readable region of the head block, or nil when
// the list is empty.
func (l *BlockList) ReadBufInfo() []byte {
	for {
		h := l.head()
		if h == nil {
			return nil
		}
		if h.ReadableBytes() > 0 {
			return h.Readable()
		}
		if l.blocks.Length() == 1 && h.WritableBytes() > 0 {
			return nil
		}
		l.popHead()
	}
}

// AddRead consumes n bytes from the head. Fully read blocks go back to
// the pool.
func (l *BlockList) AddRead(n int) {
	if n > l.datasize {
		panic("buffer: read past end of block list")
	}
	l.datasize -= n
	for n > 0 {
		h := l.head()
		step := h.ReadableBytes()
		if step > n {
			step = n
		}
		h.AdvanceRead(step)
		n -= step
		if h.ReadableBytes() == 0 {
			l.popHead()
		}
	}
}

func (l *BlockList) popHead() {
	l.alloc.Release(l.blocks.Remove().(*pool.Block))
}

// Segments calls fn with each readable region from head to tail until fn
// returns false.
func (l *BlockList) Segments(fn func(seg []byte) bool) {
	for i := 0; i < l.blocks.Length(); i++ {
		b := l.blocks.Get(i).(*pool.Block)
		if b.ReadableBytes() == 0 {
			continue
		}
		if !fn(b.Readable()) {
			return
		}
	}
}

// PutData appends p. False means the pool ran out part way; the stream is
// unusable afterwards.
func (l *BlockList) PutData(p []byte) bool {
	for len(p) > 0 {
		w := l.WriteBufInfo()
		if w == nil {
			return false
		}
		n := copy(w, p)
		l.AddWrite(n)
		p = p[n:]
	}
	return true
}

// peek copies up to len(dst) bytes from the head without consuming them.
func (l *BlockList) peek(dst []byte) int {
	n := 0
	l.Segments(func(seg []byte) bool {
		n += copy(dst[n:], seg)
		return n < len(dst)
	})
	return n
}

// GetData moves up to len(dst) bytes out of the list.
func (l *BlockList) GetData(dst []byte) int {
	n := l.peek(dst)
	l.AddRead(n)
	return n
}

// PutMessage appends p as one framed message. Empty or oversized payloads
// are refused without touching the list.
func (l *BlockList) PutMessage(p []byte) bool {
	if len(p) == 0 || len(p) > l.messageMaxLen {
		return false
	}
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(p)))
	return l.PutData(hdr[:]) && l.PutData(p)
}

// GetMessage extracts the next framed payload into dst. It returns 0 when
// the frame is incomplete, the payload length on success, and -1 on a
// framing error: a declared length of zero, above MessageMaxLen, or larger
// than dst. After an error the stream cannot be resynchronised.
func (l *BlockList) GetMessage(dst []byte) int {
	if l.broken {
		return -1
	}
	if l.messageLen == 0 {
		if l.datasize < HeaderSize {
			return 0
		}
		var hdr [HeaderSize]byte
		l.GetData(hdr[:])
		l.messageLen = int(binary.LittleEndian.Uint32(hdr[:]))
		if l.messageLen <= 0 || l.messageLen > l.messageMaxLen {
			l.broken = true
			return -1
		}
	}
	if l.datasize < l.messageLen {
		return 0
	}
	if len(dst) < l.messageLen {
		return -1
	}
	n := l.GetData(dst[:l.messageLen])
	l.messageLen = 0
	return n
}

// Release returns every block to the pool and empties the list.
func (l *BlockList) Release() {
	for l.blocks.Length() > 0 {
		l.popHead()
	}
	l.datasize = 0
	l.messageLen = 0
	l.broken = false
}
