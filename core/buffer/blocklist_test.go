package buffer_test

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-netcore/core/buffer"
	"github.com/momentics/hioload-netcore/pool"
)

func newClass(t testing.TB, size, count int) *pool.ClassPool {
	p, err := pool.New(pool.Config{BigCount: count, BigSize: size, SmallCount: count, SmallSize: size})
	require.NoError(t, err)
	return p.Class(pool.SmallBlock)
}

func frame(p []byte) []byte {
	out := make([]byte, buffer.HeaderSize, buffer.HeaderSize+len(p))
	binary.LittleEndian.PutUint32(out, uint32(len(p)))
	return append(out, p...)
}

func TestBlockListDatasizeAccounting(t *testing.T) {
	l := buffer.NewBlockList(newClass(t, 16, 1024), 1024)
	rnd := rand.New(rand.NewSource(7))
	var model []byte
	for i := 0; i < 2000; i++ {
		if rnd.Intn(2) == 0 {
			p := make([]byte, rnd.Intn(40))
			rnd.Read(p)
			require.True(t, l.PutData(p))
			model = append(model, p...)
		} else {
			dst := make([]byte, rnd.Intn(40))
			n := l.GetData(dst)
			want := len(dst)
			if want > len(model) {
				want = len(model)
			}
			require.Equal(t, want, n)
			require.Equal(t, model[:n], dst[:n])
			model = model[n:]
		}
		require.Equal(t, len(model), l.Len())
	}
}

func TestBlockListRegionsNeverSpanBlocks(t *testing.T) {
	l := buffer.NewBlockList(newClass(t, 16, 8), 64)
	w := l.WriteBufInfo()
	require.Len(t, w, 16)
	copy(w, "0123456789")
	l.AddWrite(10)

	w = l.WriteBufInfo()
	require.Len(t, w, 6)
	copy(w, "abcdef")
	l.AddWrite(6)

	w = l.WriteBufInfo()
	require.Len(t, w, 16)
	copy(w, "XYZ")
	l.AddWrite(3)
	assert.Equal(t, 19, l.Len())

	r := l.ReadBufInfo()
	assert.Equal(t, "0123456789abcdef", string(r))
	l.AddRead(len(r))
	assert.Equal(t, "XYZ", string(l.ReadBufInfo()))
	l.AddRead(3)
	assert.Nil(t, l.ReadBufInfo())
	assert.Equal(t, 0, l.Len())
}

func TestBlockListMessageRoundTrip(t *testing.T) {
	const maxLen = 200
	l := buffer.NewBlockList(newClass(t, 16, 256), maxLen)
	sizes := []int{1, 11, 12, 13, 16, 17, 100, maxLen}
	for i, n := range sizes {
		require.True(t, l.PutMessage(bytes.Repeat([]byte{byte('a' + i)}, n)))
	}
	dst := make([]byte, maxLen)
	for i, n := range sizes {
		got := l.GetMessage(dst)
		require.Equal(t, n, got)
		assert.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, n), dst[:got])
	}
	assert.Equal(t, 0, l.GetMessage(dst))
	assert.Equal(t, 0, l.Len())
}

func TestBlockListGetMessageEmpty(t *testing.T) {
	l := buffer.NewBlockList(newClass(t, 16, 4), 32)
	assert.Equal(t, 0, l.GetMessage(make([]byte, 32)))
}

func TestBlockListPartialFrame(t *testing.T) {
	l := buffer.NewBlockList(newClass(t, 8, 16), 64)
	f := frame([]byte("partial payload"))
	dst := make([]byte, 64)

	require.True(t, l.PutData(f[:2]))
	assert.Equal(t, 0, l.GetMessage(dst))
	require.True(t, l.PutData(f[2:10]))
	assert.Equal(t, 0, l.GetMessage(dst))
	assert.Equal(t, 15, l.MessageLen())
	require.True(t, l.PutData(f[10:]))
	n := l.GetMessage(dst)
	assert.Equal(t, "partial payload", string(dst[:n]))
	assert.Equal(t, 0, l.MessageLen())
}

func TestBlockListOversizedFrame(t *testing.T) {
	l := buffer.NewBlockList(newClass(t, 16, 4), 32)
	var hdr [buffer.HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], 33)
	require.True(t, l.PutData(hdr[:]))
	dst := make([]byte, 64)
	assert.Less(t, l.GetMessage(dst), 0)
	assert.Equal(t, 33, l.MessageLen())
	assert.Less(t, l.GetMessage(dst), 0)
}

func TestBlockListZeroLengthFrame(t *testing.T) {
	l := buffer.NewBlockList(newClass(t, 16, 4), 32)
	require.True(t, l.PutData(make([]byte, buffer.HeaderSize)))
	assert.Less(t, l.GetMessage(make([]byte, 32)), 0)
}

func TestBlockListShortDestination(t *testing.T) {
	l := buffer.NewBlockList(newClass(t, 16, 4), 32)
	require.True(t, l.PutMessage([]byte("0123456789")))
	assert.Less(t, l.GetMessage(make([]byte, 4)), 0)
	n := l.GetMessage(make([]byte, 32))
	assert.Equal(t, 10, n)
}

func TestBlockListPutMessageRejects(t *testing.T) {
	l := buffer.NewBlockList(newClass(t, 16, 4), 8)
	assert.False(t, l.PutMessage(nil))
	assert.False(t, l.PutMessage(make([]byte, 9)))
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.PutMessage(make([]byte, 8)))
	assert.Equal(t, 12, l.Len())
}

func TestBlockListExhaustion(t *testing.T) {
	cp := newClass(t, 16, 2)
	l := buffer.NewBlockList(cp, 64)
	assert.False(t, l.PutData(make([]byte, 40)))
	assert.Nil(t, l.WriteBufInfo())
	assert.EqualValues(t, 2, cp.Stats().Exhausted)

	l.Release()
	assert.EqualValues(t, 0, cp.Stats().InUse)
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.PutData(make([]byte, 32)))
}

func TestBlockListReturnsConsumedBlocks(t *testing.T) {
	cp := newClass(t, 16, 8)
	l := buffer.NewBlockList(cp, 64)
	require.True(t, l.PutData(make([]byte, 48)))
	assert.EqualValues(t, 3, cp.Stats().InUse)
	l.AddRead(20)
	assert.EqualValues(t, 2, cp.Stats().InUse)
	l.AddRead(28)
	assert.EqualValues(t, 0, cp.Stats().InUse)
}
