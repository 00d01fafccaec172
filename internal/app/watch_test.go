package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/objclass/internal/adapters/logging"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes map[string]int
}

func (r *changeRecorder) record(_ context.Context, class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.changes == nil {
		r.changes = make(map[string]int)
	}
	r.changes[class]++
}

func (r *changeRecorder) count(class string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[class]
}

func startWatch(t *testing.T, dir string, rec *changeRecorder) *WatchMode {
	t.Helper()
	w, err := NewWatchMode(WatchOptions{
		ClassDir: dir,
		Debounce: 50 * time.Millisecond,
		Logger:   logging.NewNopLogger(),
	}, rec.record)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func TestNewWatchMode_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewWatchMode(WatchOptions{ClassDir: t.TempDir()}, func(context.Context, string) {})
	assert.Error(t, err)

	_, err = NewWatchMode(WatchOptions{
		ClassDir: filepath.Join(t.TempDir(), "missing"),
		Logger:   logging.NewNopLogger(),
	}, func(context.Context, string) {})
	assert.Error(t, err)
}

func TestWatchMode_className(t *testing.T) {
	t.Parallel()

	w := &WatchMode{classDir: "/classes"}
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/classes/lock/module.wasm", "lock", true},
		{"/classes/lock", "lock", true},
		{"/classes/lock/nested/file", "lock", true},
		{"/classes", "", false},
		{"/elsewhere/lock", "", false},
		{"/classes/.hidden/x", "", false},
	}
	for _, tt := range tests {
		got, ok := w.className(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestWatchMode_DebouncesPerClass(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"lock", "counter"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	}
	rec := &changeRecorder{}
	startWatch(t, dir, rec)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "lock", "module.wasm"), []byte{byte(i)}, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "counter", "class.yaml"), []byte("name: counter"), 0o644))

	require.Eventually(t, func() bool {
		return rec.count("lock") >= 1 && rec.count("counter") >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// Five writes in quick succession collapse into far fewer callbacks.
	time.Sleep(200 * time.Millisecond)
	assert.Less(t, rec.count("lock"), 5)
}

func TestWatchMode_NewClassDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec := &changeRecorder{}
	startWatch(t, dir, rec)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "fresh"), 0o755))
	require.Eventually(t, func() bool { return rec.count("fresh") >= 1 }, 5*time.Second, 10*time.Millisecond)

	before := rec.count("fresh")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "fresh", "module.wasm"), []byte("x"), 0o644)
		return rec.count("fresh") > before
	}, 5*time.Second, 100*time.Millisecond)
}

func TestWatchMode_Stop(t *testing.T) {
	t.Parallel()

	w, err := NewWatchMode(WatchOptions{ClassDir: t.TempDir(), Logger: logging.NewNopLogger()}, func(context.Context, string) {})
	require.NoError(t, err)
	assert.Equal(t, DefaultWatchDebounce, w.debounce)

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()
	w.Stop()
	w.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
