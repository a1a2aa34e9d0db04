// File: codec/flate.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// DEFLATE compressor for net buffers. Each chunk is a 4-byte little-endian
// uncompressed length followed by a self-contained deflate stream.

package codec

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-netcore/api"
)

const flateHeader = 4

// DefaultLevel is used by the zero Flate.
const DefaultLevel = flate.BestSpeed

// Flate implements api.Compressor. The zero value uses DefaultLevel; it
// is safe for concurrent use.
type Flate struct {
	level    int
	levelSet bool

	once    sync.Once
	writers sync.Pool
	readers sync.Pool
}

// NewFlate returns a compressor at the given flate level, including
// flate.NoCompression.
func NewFlate(level int) *Flate {
	return &Flate{level: level, levelSet: true}
}

// Level is the flate level in use.
func (f *Flate) Level() int {
	f.init()
	return f.level
}

type appendWriter struct{ b []byte }

func (w *appendWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (f *Flate) init() {
	f.once.Do(func() {
		if !f.levelSet {
			f.level = DefaultLevel
		}
	})
}

// Compress appends the framed deflate form of src to dst[:0].
func (f *Flate) Compress(dst, src []byte) ([]byte, error) {
	f.init()
	out := &appendWriter{b: dst[:0]}
	var hdr [flateHeader]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(src)))
	out.b = append(out.b, hdr[:]...)

	zw, _ := f.writers.Get().(*flate.Writer)
	if zw == nil {
		var err error
		if zw, err = flate.NewWriter(out, f.level); err != nil {
			return nil, errors.Wrap(err, "flate writer")
		}
	} else {
		zw.Reset(out)
	}
	defer f.writers.Put(zw)

	if _, err := zw.Write(src); err != nil {
		return nil, errors.Wrap(err, "deflate")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "deflate close")
	}
	return out.b, nil
}

// Uncompress inflates src into dst[:0]. The declared size must fit in
// cap(dst).
func (f *Flate) Uncompress(dst, src []byte) ([]byte, error) {
	if len(src) < flateHeader {
		return nil, errors.Wrap(api.ErrFraming, "flate chunk shorter than header")
	}
	size := int(binary.LittleEndian.Uint32(src))
	if size < 0 || size > cap(dst) {
		return nil, errors.Wrapf(api.ErrShortBuffer, "flate chunk of %d bytes", size)
	}
	body := bytes.NewReader(src[flateHeader:])
	zr, _ := f.readers.Get().(io.ReadCloser)
	if zr == nil {
		zr = flate.NewReader(body)
	} else if err := zr.(flate.Resetter).Reset(body, nil); err != nil {
		return nil, errors.Wrap(err, "flate reset")
	}
	defer f.readers.Put(zr)

	out := dst[:size]
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, errors.Wrap(err, "inflate")
	}
	return out, nil
}
