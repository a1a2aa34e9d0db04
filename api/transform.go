// File: api/transform.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pluggable byte transforms applied by net buffers: in-place encryption
// and framed compression. Algorithms live outside the I/O core.

package api

// Crypter transforms a byte range in place. The same instance is used for
// every call on one buffer and one direction, so stream ciphers may keep
// state between calls.
type Crypter interface {
	Crypt(buf []byte)
}

// Compressor converts between a logical chunk and its compressed form.
// Compress appends the compressed form of src, including whatever header
// the algorithm needs, to dst[:0] and returns it. Uncompress reverses it,
// stripping that header; it fails with ErrShortBuffer when the result would
// not fit in cap(dst).
type Compressor interface {
	Compress(dst, src []byte) ([]byte, error)
	Uncompress(dst, src []byte) ([]byte, error)
}

// CrypterFunc adapts a plain function to Crypter.
type CrypterFunc func(buf []byte)

// Crypt calls f(buf).
func (f CrypterFunc) Crypt(buf []byte) { f(buf) }

// contextCrypter binds an owned context value to a transform and its
// destructor.
type contextCrypter[C any] struct {
	ctx     C
	fn      func(ctx C, buf []byte)
	release func(ctx C)
}

func (c *contextCrypter[C]) Crypt(buf []byte) { c.fn(c.ctx, buf) }

func (c *contextCrypter[C]) Close() error {
	if c.release != nil {
		c.release(c.ctx)
		c.release = nil
	}
	return nil
}

// NewCrypter binds ctx to fn. The returned Crypter implements io.Closer;
// the owning buffer calls it exactly once on release, which invokes
// release(ctx) when non-nil.
func NewCrypter[C any](ctx C, fn func(ctx C, buf []byte), release func(ctx C)) Crypter {
	return &contextCrypter[C]{ctx: ctx, fn: fn, release: release}
}
