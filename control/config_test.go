package control_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/control"
	"github.com/momentics/hioload-netcore/reactor"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := control.DefaultConfig()
	require.NoError(t, cfg.Validate())

	rc, err := cfg.ReactorSettings()
	require.NoError(t, err)
	assert.Equal(t, reactor.KindAuto, rc.Kind)
	assert.Equal(t, 50*time.Millisecond, rc.WaitTimeout)
	assert.Equal(t, cfg.Pool.BigSize, cfg.PoolSettings().BigSize)
	assert.Equal(t, cfg.Buffer.Count, cfg.ManagerSettings(nil).BufferCount)
}

func TestParseConfigOverlaysDefaults(t *testing.T) {
	cfg, err := control.ParseConfig([]byte(`
pool:
  small_size: 256
buffer:
  error_log: true
reactor:
  kind: completion
  wait_timeout: 10ms
`))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Pool.SmallSize)
	assert.Equal(t, control.DefaultConfig().Pool.BigSize, cfg.Pool.BigSize)
	assert.True(t, cfg.Buffer.ErrorLog)
	assert.Equal(t, 10*time.Millisecond, cfg.Reactor.WaitTimeout)

	rc, err := cfg.ReactorSettings()
	require.NoError(t, err)
	assert.Equal(t, reactor.KindCompletion, rc.Kind)
}

func TestValidateFailsFast(t *testing.T) {
	cases := map[string]func(c *control.Config){
		"zero big count":  func(c *control.Config) { c.Pool.BigCount = 0 },
		"zero small size": func(c *control.Config) { c.Pool.SmallSize = 0 },
		"zero buffers":    func(c *control.Config) { c.Buffer.Count = 0 },
		"zero message":    func(c *control.Config) { c.Buffer.MaxMessageLen = 0 },
		"limit too small": func(c *control.Config) { c.Buffer.Limit = c.Buffer.MaxMessageLen },
		"unknown engine":  func(c *control.Config) { c.Reactor.Kind = "select" },
		"negative thread": func(c *control.Config) { c.Reactor.Threads = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := control.DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, api.ErrInvalidArgument))
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := control.DefaultConfig()
	cfg.Reactor.PinWorkers = true
	out, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), "wait_timeout: 50ms")

	back, err := control.ParseConfig(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("buffer:\n  error_log: false\n"), 0o600))
	cfg, err := control.LoadConfig(path)
	require.NoError(t, err)

	s := control.NewStore(cfg, path)
	var seen []bool
	s.OnReload(func(c control.Config) { seen = append(seen, c.Buffer.ErrorLog) })

	require.NoError(t, os.WriteFile(path, []byte("buffer:\n  error_log: true\n"), 0o600))
	require.NoError(t, s.Reload())
	assert.True(t, s.Current().Buffer.ErrorLog)

	require.NoError(t, os.WriteFile(path, []byte("pool:\n  big_count: 0\n"), 0o600))
	assert.Error(t, s.Reload())
	assert.True(t, s.Current().Buffer.ErrorLog)
	assert.Equal(t, []bool{true}, seen)
}

func TestStoreReloadWithoutFileKeepsConfig(t *testing.T) {
	cfg := control.DefaultConfig()
	cfg.Pool.BigCount = 64
	cfg.Buffer.Count = 8
	cfg.Buffer.ErrorLog = true

	s := control.NewStore(cfg, "")
	var seen []control.Config
	s.OnReload(func(c control.Config) { seen = append(seen, c) })

	require.NoError(t, s.Reload())
	assert.Equal(t, cfg, s.Current())
	assert.Equal(t, []control.Config{cfg}, seen)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := control.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	cfg, err := control.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, control.DefaultConfig(), cfg)
}
