// File: transport/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn moves framed messages between the application and one socket.
// Receive-side buffer work happens only under the socket's recv lock.
// The send buffer is shared with application goroutines and is guarded
// by sendLock.

package transport

import (
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/core/buffer"
	"github.com/momentics/hioload-netcore/core/socket"
	"github.com/momentics/hioload-netcore/internal/concurrency"
	"github.com/momentics/hioload-netcore/pool"
)

// Handler receives connection events on reactor workers.
type Handler interface {
	// OnMessage is called once per complete message, in arrival order.
	// msg is only valid for the duration of the call.
	OnMessage(c *Conn, msg []byte)
	// OnClose is called once when the connection closes.
	OnClose(c *Conn)
}

// Options configure a connection's buffers. They cannot change after
// the connection starts.
type Options struct {
	Class      pool.SizeClass
	Compressor api.Compressor // nil disables compression
	Encrypt    api.Crypter    // applied to outgoing bytes
	Decrypt    api.Crypter    // applied to incoming bytes
	RawPrefix  int            // outgoing bytes exempt from compression and encryption
	TGW        bool           // strip a proxy header from the first incoming bytes
	Limit      int            // per-buffer backpressure threshold, 0 for none
}

func (o Options) apply(recv, send *buffer.NetBuffer) error {
	if o.Compressor != nil {
		if err := recv.SetCompressMode(buffer.Uncompress, o.Compressor); err != nil {
			return err
		}
		if err := send.SetCompressMode(buffer.Compress, o.Compressor); err != nil {
			return err
		}
	}
	if o.Decrypt != nil {
		if err := recv.SetCryptMode(buffer.Decrypt, o.Decrypt); err != nil {
			return err
		}
	}
	if o.Encrypt != nil {
		if err := send.SetCryptMode(buffer.Encrypt, o.Encrypt); err != nil {
			return err
		}
	}
	if o.RawPrefix > 0 {
		if err := send.SetRawDataSize(o.RawPrefix); err != nil {
			return err
		}
	}
	if o.TGW {
		if err := recv.UseTGW(); err != nil {
			return err
		}
	}
	if o.Limit > 0 {
		if err := recv.SetLimit(o.Limit); err != nil {
			return err
		}
		if err := send.SetLimit(o.Limit); err != nil {
			return err
		}
	}
	return nil
}

// Conn is a framed message connection.
type Conn struct {
	d    *Dispatcher
	s    *socket.Socket
	h    Handler
	recv *buffer.NetBuffer
	send *buffer.NetBuffer

	sendLock concurrency.SpinLock
	released bool
}

// ID is the socket id.
func (c *Conn) ID() uint64 { return c.s.ID() }

// Socket exposes the underlying socket.
func (c *Conn) Socket() *socket.Socket { return c.s }

// Pending is the number of outgoing bytes not yet accepted by the OS.
func (c *Conn) Pending() int {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if c.released {
		return 0
	}
	return c.send.DataSize()
}

// Send frames msg for delivery and starts flushing. It fails with
// api.ErrResourceExhausted when the send buffer is over its limit.
func (c *Conn) Send(msg []byte) error {
	if !c.s.IsConnected() {
		return api.ErrClosed
	}
	c.sendLock.Lock()
	var err error
	switch {
	case c.released:
		err = api.ErrClosed
	case c.send.AddIsLimit(len(msg) + buffer.HeaderSize):
		err = errors.Wrapf(api.ErrResourceExhausted, "send buffer holds %d bytes", c.send.DataSize())
	default:
		err = c.send.PushMessage(msg)
	}
	c.sendLock.Unlock()
	if err != nil {
		return err
	}
	c.d.stats.msgOut.Add(1)
	c.Flush()
	return nil
}

// Flush starts writing buffered data unless a send is already in flight;
// that send picks the data up before it finishes.
func (c *Conn) Flush() {
	g, ok := c.s.TryAcquire(socket.Send)
	if !ok {
		return
	}
	c.onSend(g, 0, nil)
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() {
	c.s.Close()
}

func (c *Conn) armRecv(g socket.Guard) error {
	if !c.d.completion {
		return c.d.r.ArmRecv(g, nil)
	}
	buf := c.recv.WriteBufInfo()
	if buf == nil {
		err := c.stalled()
		c.fail(g, err)
		return err
	}
	return c.d.r.ArmRecv(g, buf)
}

// stalled explains why the receive buffer cannot take more bytes.
func (c *Conn) stalled() error {
	if c.recv.CanNotRecv() {
		return errors.Wrapf(api.ErrResourceExhausted, "receive buffer holds %d bytes without a complete message", c.recv.DataSize())
	}
	return errors.Wrap(api.ErrResourceExhausted, "no block for receive")
}

func (c *Conn) onRecv(g socket.Guard, transferred int, err error) {
	if err != nil {
		c.fail(g, err)
		return
	}
	if c.d.completion {
		if transferred == 0 {
			c.fail(g, io.EOF)
			return
		}
		c.recv.AddWrite(transferred)
		c.d.stats.bytesIn.Add(uint64(transferred))
	} else if err := c.readAvailable(); err != nil {
		if err == io.EOF {
			// hand over whatever arrived before the peer closed
			if derr := c.deliver(); derr != nil {
				err = derr
			}
		}
		c.fail(g, err)
		return
	}
	if err := c.deliver(); err != nil {
		c.fail(g, err)
		return
	}
	if !c.d.completion && c.recv.CanNotRecv() {
		c.fail(g, c.stalled())
		return
	}
	_ = c.armRecv(g)
}

// readAvailable drains the descriptor until it would block or the
// receive buffer refuses more bytes.
func (c *Conn) readAvailable() error {
	fd := c.s.Handle()
	for {
		buf := c.recv.WriteBufInfo()
		if buf == nil {
			if c.recv.CanNotRecv() {
				return nil
			}
			return c.stalled()
		}
		n, err := rawRead(fd, buf)
		if err == errWouldBlock {
			return nil
		}
		if err != nil {
			return err
		}
		c.recv.AddWrite(n)
		c.d.stats.bytesIn.Add(uint64(n))
		if n < len(buf) {
			return nil
		}
	}
}

func (c *Conn) deliver() error {
	if err := c.recv.RecvEndDo(); err != nil {
		return err
	}
	dst := mcache.Malloc(c.recv.MessageMaxLen())
	defer mcache.Free(dst)
	for c.s.IsConnected() {
		msg, err := c.recv.GetMessage(dst)
		if err != nil || msg == nil {
			return err
		}
		c.d.stats.msgIn.Add(1)
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}
	return api.ErrClosed
}

func (c *Conn) dispatch(msg []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("message handler panic: %v", p)
		}
	}()
	c.h.OnMessage(c, msg)
	return nil
}

// nextSend prepares the next region to hand to the OS, nil when nothing
// is left.
func (c *Conn) nextSend(accepted int) ([]byte, error) {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if c.released {
		return nil, api.ErrClosed
	}
	if accepted > 0 {
		c.send.AddRead(accepted)
	}
	if err := c.send.SendBeforeDo(); err != nil {
		return nil, err
	}
	return c.send.ReadBufInfo(), nil
}

func (c *Conn) onSend(g socket.Guard, transferred int, err error) {
	if err != nil {
		c.fail(g, err)
		return
	}
	c.d.stats.bytesOut.Add(uint64(transferred))
	if c.d.completion {
		c.sendCompletion(g, transferred)
		return
	}
	c.sendReadiness(g)
}

func (c *Conn) sendCompletion(g socket.Guard, accepted int) {
	seg, err := c.nextSend(accepted)
	if err != nil {
		c.fail(g, err)
		return
	}
	if seg == nil {
		c.idle(g)
		return
	}
	_ = c.d.r.ArmSend(g, seg)
}

func (c *Conn) sendReadiness(g socket.Guard) {
	fd := c.s.Handle()
	accepted := 0
	for {
		seg, err := c.nextSend(accepted)
		if err != nil {
			c.fail(g, err)
			return
		}
		if seg == nil {
			_ = c.d.r.DisarmSend(c.s)
			c.idle(g)
			return
		}
		n, err := rawWrite(fd, seg)
		if err == errWouldBlock {
			_ = c.d.r.ArmSend(g, nil)
			return
		}
		if err != nil {
			c.fail(g, err)
			return
		}
		c.d.stats.bytesOut.Add(uint64(n))
		accepted = n
		if n < len(seg) {
			c.sendLock.Lock()
			if !c.released {
				c.send.AddRead(n)
			}
			c.sendLock.Unlock()
			_ = c.d.r.ArmSend(g, nil)
			return
		}
	}
}

// idle drops the send lock, then flushes again if a message was pushed
// while the lock was held.
func (c *Conn) idle(g socket.Guard) {
	g.Release()
	c.sendLock.Lock()
	more := !c.released && !c.send.CanNotSend()
	c.sendLock.Unlock()
	if more {
		c.Flush()
	}
}

func (c *Conn) fail(g socket.Guard, err error) {
	if err != io.EOF && c.s.IsConnected() {
		c.d.stats.failures.Add(1)
		logrus.WithFields(c.s.Fields()).Debugf("closing connection: %v", err)
	}
	c.s.Close()
	g.Release()
}

// closed runs as the socket's close hook, after the reactor dropped it.
func (c *Conn) closed(s *socket.Socket) {
	c.d.reg.Remove(s)
	c.d.stats.closed.Add(1)
	c.h.OnClose(c)
}

// release runs once nothing references the socket any more.
func (c *Conn) release(s *socket.Socket) {
	if err := c.d.closeHandle(s.Handle()); err != nil {
		logrus.WithFields(s.Fields()).Debugf("close handle: %v", err)
	}
	c.recv.Release()
	c.sendLock.Lock()
	c.released = true
	c.send.Release()
	c.sendLock.Unlock()
}
