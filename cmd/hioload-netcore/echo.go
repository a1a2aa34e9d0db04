package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/codec"
	"github.com/momentics/hioload-netcore/control"
	"github.com/momentics/hioload-netcore/facade"
	"github.com/momentics/hioload-netcore/pool"
	"github.com/momentics/hioload-netcore/transport"
)

func init() {
	echoCmd.Flags().BoolVar(&echoCompress, "compress", false, "Deflate frames in both directions")
	echoCmd.Flags().BoolVar(&echoTGW, "tgw", false, "Strip a gateway header from each connection")
	echoCmd.Flags().StringVar(&echoKey, "key", "", "Rolling XOR key applied to both directions")
	echoCmd.Flags().BoolVar(&echoSmall, "small", false, "Use small blocks for connection buffers")
	echoCmd.Flags().DurationVar(&echoStats, "stats", 0, "Log counters at this interval")
	rootCmd.AddCommand(echoCmd)
}

var echoCmd = &cobra.Command{
	Use:   "echo <listenAddress>",
	Short: "Start a framed echo server",
	Args:  cobra.ExactArgs(1),
	Run:   echoServer,
}

var echoCompress bool
var echoTGW bool
var echoKey string
var echoSmall bool
var echoStats time.Duration

type echoHandler struct{}

func (echoHandler) OnMessage(c *transport.Conn, msg []byte) {
	if err := c.Send(msg); err != nil {
		logrus.WithFields(c.Socket().Fields()).Warnf("echo failed (%v)", err)
		c.Close()
	}
}

func (echoHandler) OnClose(c *transport.Conn) {
	logrus.WithFields(c.Socket().Fields()).Debug("closed")
}

// xorStream keys each byte by its position in the stream.
type xorStream struct {
	key []byte
	pos int
}

func newXorCrypter(key string) api.Crypter {
	return api.NewCrypter(&xorStream{key: []byte(key)}, func(x *xorStream, buf []byte) {
		for i := range buf {
			buf[i] ^= x.key[x.pos%len(x.key)]
			x.pos++
		}
	}, nil)
}

// echoOptions is evaluated per connection so stream crypters are not
// shared.
func echoOptions() transport.Options {
	opts := transport.Options{Class: pool.BigBlock, TGW: echoTGW}
	if echoSmall {
		opts.Class = pool.SmallBlock
	}
	if echoCompress {
		opts.Compressor = codec.NewFlate(codec.DefaultLevel)
	}
	if echoKey != "" {
		opts.Encrypt = newXorCrypter(echoKey)
		opts.Decrypt = newXorCrypter(echoKey)
	}
	return opts
}

func echoServer(_ *cobra.Command, args []string) {
	cfg, err := control.LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("error loading config (%v)", err)
	}
	ctx, err := facade.Init(cfg, facade.WithConfigPath(configPath))
	if err != nil {
		logrus.Fatalf("error initializing (%v)", err)
	}

	ln, err := net.Listen("tcp", args[0])
	if err != nil {
		logrus.Fatalf("error listening (%v)", err)
	}
	logrus.Infof("echo listening on %s", ln.Addr())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigs {
			if sig == syscall.SIGHUP {
				_ = ctx.Store().Reload()
				continue
			}
			logrus.Infof("received %v, shutting down", sig)
			_ = ln.Close()
			return
		}
	}()
	if echoStats > 0 {
		go logStats(ctx, echoStats)
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			logrus.Debugf("accept stopped (%v)", err)
			break
		}
		fd, err := transport.DupConn(nc.(*net.TCPConn))
		if err != nil {
			logrus.Errorf("error adopting %s (%v)", nc.RemoteAddr(), err)
			_ = nc.Close()
			continue
		}
		if _, err := ctx.NewConn(fd, echoHandler{}, echoOptions()); err != nil {
			logrus.Errorf("error creating connection (%v)", err)
			if errors.Is(err, api.ErrReactorClosed) {
				break
			}
		}
	}
	if err := ctx.Release(); err != nil {
		logrus.Errorf("error releasing (%v)", err)
	}
}

func logStats(ctx *facade.Context, every time.Duration) {
	for range time.Tick(every) {
		fields := logrus.Fields{}
		for k, v := range ctx.Metrics().Snapshot() {
			fields[k] = v
		}
		logrus.WithFields(fields).Info("stats")
	}
}
