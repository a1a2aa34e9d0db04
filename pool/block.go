// File: pool/block.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed-capacity byte block with read, processed and write cursors.

package pool

// SizeClass selects one of the two block capacities of a pool.
type SizeClass uint8

const (
	SmallBlock SizeClass = iota
	BigBlock
)

func (c SizeClass) String() string {
	if c == BigBlock {
		return "big"
	}
	return "small"
}

// Block is a slot of a class arena. Cursors satisfy
// read <= processed <= write <= cap once a send path has exposed the data;
// receive paths never look at processed.
type Block struct {
	handle    uint32
	class     SizeClass
	inUse     bool
	buf       []byte
	read      int
	processed int
	write     int
}

// Handle is the slot index of the block inside its class arena.
func (b *Block) Handle() uint32 { return b.handle }

// Class reports the size class the block was carved from.
func (b *Block) Class() SizeClass { return b.class }

// Cap is the fixed capacity of the block.
func (b *Block) Cap() int { return len(b.buf) }

// ReadableBytes is write - read.
func (b *Block) ReadableBytes() int { return b.write - b.read }

// WritableBytes is cap - write.
func (b *Block) WritableBytes() int { return len(b.buf) - b.write }

// Readable returns the committed, unread region.
func (b *Block) Readable() []byte { return b.buf[b.read:b.write] }

// Writable returns the free region after the write cursor.
func (b *Block) Writable() []byte { return b.buf[b.write:] }

// Unprocessed returns committed bytes not yet passed through a send
// transform.
func (b *Block) Unprocessed() []byte {
	if b.processed < b.read {
		b.processed = b.read
	}
	return b.buf[b.processed:b.write]
}

// MarkProcessed moves the processed cursor up to the write cursor.
func (b *Block) MarkProcessed() { b.processed = b.write }

// AdvanceWrite commits n bytes written into Writable.
func (b *Block) AdvanceWrite(n int) {
	if n < 0 || n > b.WritableBytes() {
		panic("pool: write cursor out of range")
	}
	b.write += n
}

// AdvanceRead consumes n readable bytes.
func (b *Block) AdvanceRead(n int) {
	if n < 0 || n > b.ReadableBytes() {
		panic("pool: read cursor out of range")
	}
	b.read += n
}

func (b *Block) reset() {
	b.read, b.processed, b.write = 0, 0, 0
}
