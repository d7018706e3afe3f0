package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskq/pkg/logx"
)

func TestManagerLoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	m.SetLogger(logx.Nop())

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers())
	assert.Same(t, cfg, m.Get())
}

func TestManagerReloadPublishes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  workers: 2\n"), 0o644))

	m := NewManager(path)
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  workers: 9\n"), 0o644))
	m.reload()

	select {
	case cfg := <-sub:
		assert.Equal(t, 9, cfg.Workers())
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
	assert.Equal(t, 9, m.Get().Workers())
}

func TestManagerReloadKeepsLastGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  workers: 2\n"), 0o644))

	m := NewManager(path)
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  workers: [broken\n"), 0o644))
	m.reload()

	select {
	case <-sub:
		t.Fatal("invalid config must not be published")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 2, m.Get().Workers())
}

func TestManagerReloadSkipsUnchangedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  workers: 2\n"), 0o644))

	m := NewManager(path)
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Same bytes on disk: the reload is a no-op.
	m.reload()
	select {
	case <-sub:
		t.Fatal("unchanged content must not be republished")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManagerWatchPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  workers: 2\n"), 0o644))

	m := NewManager(path)
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- m.Watch(ctx) }()

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Give the watcher a moment to register before editing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  workers: 7\n"), 0o644))

	select {
	case cfg := <-sub:
		assert.Equal(t, 7, cfg.Workers())
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not pick up the edit")
	}

	cancel()
	select {
	case err := <-watchDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit")
	}
}

func TestManagerUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	sub := m.Subscribe(1)
	m.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
}
