package control_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-echo/control"
)

func TestMetricsCounters(t *testing.T) {
	mr := control.NewMetricsRegistry()
	assert.True(t, mr.Updated().IsZero())
	assert.Equal(t, int64(0), mr.Get("missing"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mr.Add("conn_accepted", 1)
			}
		}()
	}
	wg.Wait()

	c := mr.Counter("bytes_in")
	c.Add(10)
	mr.Set("loops", 4)

	snap := mr.GetSnapshot()
	assert.Equal(t, int64(8000), snap["conn_accepted"])
	assert.Equal(t, int64(10), snap["bytes_in"])
	assert.Equal(t, int64(4), snap["loops"])
	assert.Same(t, c, mr.Counter("bytes_in"))
	assert.WithinDuration(t, time.Now(), mr.Updated(), time.Minute)
}

type sample struct {
	Listen  string        `toml:"listen"`
	Threads int           `toml:"threads"`
	Idle    time.Duration `toml:"idle-timeout"`
	Log     struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = "127.0.0.1:2200"
idle-timeout = "15s"

[log]
level = "debug"
`), 0o600))

	cfg := sample{Threads: 4}
	require.NoError(t, control.LoadTOML(path, &cfg))
	assert.Equal(t, "127.0.0.1:2200", cfg.Listen)
	assert.Equal(t, 4, cfg.Threads)
	assert.Equal(t, 15*time.Second, cfg.Idle)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadTOMLRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.toml")
	require.NoError(t, os.WriteFile(path, []byte("listn = \"x\"\n"), 0o600))
	var cfg sample
	err := control.LoadTOML(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listn")

	assert.Error(t, control.LoadTOML(filepath.Join(t.TempDir(), "missing.toml"), &cfg))
}

func TestDebugProbes(t *testing.T) {
	dp := control.NewDebugProbes()
	dp.RegisterProbe("b", func() any { return 2 })
	dp.RegisterProbe("a", func() any { return "one" })
	assert.Equal(t, []string{"a", "b"}, dp.Names())
	assert.Equal(t, map[string]any{"a": "one", "b": 2}, dp.DumpState())
}
