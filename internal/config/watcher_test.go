package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watcherConfig(renderMax int64) string {
	return fmt.Sprintf(`
discord:
  token: "t"
  guild_id: "g"
admission:
  render:
    max: %d
`, renderMax)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherConfig(5)), 0o644))

	var last atomic.Int64
	w := NewWatcher(path, func(c *Config) { last.Store(c.Admission.Render.Max) }, slog.Default())
	w.debounce = 50 * time.Millisecond
	w.pollInterval = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(watcherConfig(7)), 0o644))

	assert.Eventually(t, func() bool { return last.Load() == 7 }, 3*time.Second, 20*time.Millisecond)

	w.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_KeepsOldConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherConfig(5)), 0o644))

	var calls atomic.Int32
	w := NewWatcher(path, func(*Config) { calls.Add(1) }, slog.Default())
	w.debounce = 20 * time.Millisecond
	w.pollInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("admission: {render: {max: 0}}\n"), 0o644))
	time.Sleep(300 * time.Millisecond)

	assert.Zero(t, calls.Load(), "invalid config must not be published")
}

func TestWatcher_StopBeforeStart(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "c.yaml"), func(*Config) {}, slog.Default())
	w.Stop()
	w.Stop()
	assert.NoError(t, w.Start(context.Background()))
}
