package objclass

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClass describes one class the fake loader can produce.
type fakeClass struct {
	version  string
	requires []Dependency
	methods  map[string]MethodFunc
	filters  map[string]FilterFactory
	initErr  error
	loadErr  error
}

type fakeHandle struct {
	name string
	def  *fakeClass
}

func (h *fakeHandle) Version() string { return h.def.version }

func (h *fakeHandle) Requires() []Dependency { return h.def.requires }

// fakeLoader records load and unload calls.
type fakeLoader struct {
	mu      sync.Mutex
	classes map[string]*fakeClass
	loads   map[string]int
	unloads map[string]int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		classes: make(map[string]*fakeClass),
		loads:   make(map[string]int),
		unloads: make(map[string]int),
	}
}

func (l *fakeLoader) add(name string, def *fakeClass) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if def.methods == nil {
		def.methods = map[string]MethodFunc{}
	}
	l.classes[name] = def
}

func (l *fakeLoader) Load(_ context.Context, name string) (LoadHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[name]++
	def, ok := l.classes[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if def.loadErr != nil {
		return nil, def.loadErr
	}
	return &fakeHandle{name: name, def: def}, nil
}

func (l *fakeLoader) ResolveInit(h LoadHandle) InitFunc {
	fh := h.(*fakeHandle)
	return func(_ context.Context, r Registrar) error {
		cls, err := r.RegisterClass(fh.name)
		if err != nil {
			return err
		}
		for name, fn := range fh.def.methods {
			if _, err := cls.RegisterMethod(name, FlagRead, fn); err != nil {
				return err
			}
		}
		for name, f := range fh.def.filters {
			if err := cls.RegisterFilter(name, f); err != nil {
				return err
			}
		}
		return fh.def.initErr
	}
}

func (l *fakeLoader) Unload(_ context.Context, h LoadHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloads[h.(*fakeHandle).name]++
	return nil
}

func (l *fakeLoader) loadCount(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[name]
}

func (l *fakeLoader) unloadCount(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unloads[name]
}

func echo(status int) MethodFunc {
	return func(_ context.Context, _ MethodContext, in []byte) (int, []byte) {
		return status, append([]byte("echo:"), in...)
	}
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *fakeLoader) {
	t.Helper()
	loader := newFakeLoader()
	loader.add("alpha", &fakeClass{version: "1.0.0", methods: map[string]MethodFunc{"op1": echo(0)}})
	return NewRegistry(loader, opts...), loader
}

func waitBlocked(t *testing.T, r *Registry, name string) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Gate(name).Blocked() }, time.Second, time.Millisecond)
}

func TestRegistry_OpenLoadsOnce(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	ctx := context.Background()

	h1, err := r.Open(ctx, "alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, r.Status("alpha"))

	status, out, err := h1.Exec(ctx, "op1", nil, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, []byte("echo:x"), out)

	h2, err := r.Open(ctx, "alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.loadCount("alpha"))
	assert.Equal(t, int64(2), r.Gate("alpha").Refs())

	h1.Release()
	h2.Release()
	assert.Equal(t, int64(0), r.Gate("alpha").Refs())
}

func TestRegistry_OpenNotFound(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	_, err := r.Open(context.Background(), "nope", 0)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusMissing, r.Status("nope"))
	assert.Equal(t, int64(0), r.Gate("nope").Refs())
	assert.Equal(t, -int(syscall.ENOENT), Errno(err))
}

func TestRegistry_OpenLoadFailed(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	loader.add("broken", &fakeClass{loadErr: errors.New("bad module")})

	_, err := r.Open(context.Background(), "broken", 0)
	require.ErrorIs(t, err, ErrLoadFailed)
	assert.Equal(t, StatusMissing, r.Status("broken"))

	// A later open retries the loader.
	_, err = r.Open(context.Background(), "broken", 0)
	require.Error(t, err)
	assert.Equal(t, 2, loader.loadCount("broken"))
}

func TestRegistry_OpenInitFailure(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	loader.add("bad", &fakeClass{
		methods: map[string]MethodFunc{"m": echo(0)},
		initErr: errors.New("init exploded"),
	})

	_, err := r.Open(context.Background(), "bad", 0)
	require.ErrorIs(t, err, ErrLoadFailed)
	assert.Equal(t, StatusUnknown, r.Status("bad"))
	assert.Equal(t, 1, loader.unloadCount("bad"))

	r.mu.Lock()
	assert.Empty(t, r.classes["bad"].Methods(), "partial registrations must be cleared")
	r.mu.Unlock()
}

func TestRegistry_LoadListDenies(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t, WithLoadList("beta, gamma"))

	_, err := r.Open(context.Background(), "alpha", 0)
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, 0, loader.loadCount("alpha"))
	assert.Equal(t, -int(syscall.EPERM), Errno(err))
}

func TestRegistry_DefaultListFlagsWhitelisted(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t, WithDefaultList("alpha"))
	loader.add("beta", &fakeClass{})
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta"} {
		h, err := r.Open(ctx, name, 0)
		require.NoError(t, err)
		h.Release()
	}

	infos := r.List()
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Whitelisted)
	assert.False(t, infos[1].Whitelisted)
}

func TestRegistry_Dependencies(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	loader.add("base", &fakeClass{version: "1.4.0"})
	loader.add("app", &fakeClass{version: "0.1.0", requires: []Dependency{{Name: "base", Version: "^1.2.0"}}})

	h, err := r.Open(context.Background(), "app", 0)
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, StatusOpen, r.Status("base"))
	// Dependents do not pin their dependencies.
	assert.Equal(t, int64(0), r.Gate("base").Refs())
}

func TestRegistry_MissingDependency(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	loader.add("app", &fakeClass{
		requires: []Dependency{{Name: "ghost"}, {Name: "alpha"}},
		methods:  map[string]MethodFunc{"m": echo(0)},
	})

	_, err := r.Open(context.Background(), "app", 0)
	require.ErrorIs(t, err, ErrDependencyUnresolved)
	assert.Equal(t, []string{"ghost"}, MissingDependencies(err))
	assert.Equal(t, StatusMissingDependencies, r.Status("app"))
	assert.Equal(t, 1, loader.unloadCount("app"))
	assert.Equal(t, int64(0), r.Gate("app").Refs())

	r.mu.Lock()
	cls := r.classes["app"]
	assert.Equal(t, []string{"ghost"}, cls.MissingDependencies())
	assert.Empty(t, cls.Methods())
	r.mu.Unlock()

	// Once the dependency appears, the next open succeeds.
	loader.add("ghost", &fakeClass{})
	h, err := r.Open(context.Background(), "app", 0)
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, StatusOpen, r.Status("app"))
}

func TestRegistry_RetryClearsMissingDependencies(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	loader.add("top", &fakeClass{requires: []Dependency{{Name: "absent"}}})

	_, err := r.Open(context.Background(), "top", 0)
	require.ErrorIs(t, err, ErrDependencyUnresolved)
	require.Equal(t, StatusMissingDependencies, r.Status("top"))

	// The retry fails in the loader this time.
	loader.add("top", &fakeClass{loadErr: errors.New("disk gone")})
	_, err = r.Open(context.Background(), "top", 0)
	require.ErrorIs(t, err, ErrLoadFailed)
	assert.Equal(t, StatusMissing, r.Status("top"))

	for _, ci := range r.List() {
		if ci.Name == "top" {
			assert.Equal(t, StatusMissing, ci.Status)
			assert.Empty(t, ci.Missing)
		}
	}
	r.mu.Lock()
	assert.Empty(t, r.classes["top"].MissingDependencies())
	r.mu.Unlock()
}

func TestRegistry_DependencyVersionMismatch(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	loader.add("base", &fakeClass{version: "2.0.0"})
	loader.add("app", &fakeClass{requires: []Dependency{{Name: "base", Version: "^1.0.0"}}})

	_, err := r.Open(context.Background(), "app", 0)
	require.ErrorIs(t, err, ErrDependencyUnresolved)
	assert.Equal(t, []string{"base"}, MissingDependencies(err))
}

func TestRegistry_DependencyCycles(t *testing.T) {
	t.Parallel()

	t.Run("self", func(t *testing.T) {
		t.Parallel()

		r, loader := newTestRegistry(t)
		loader.add("loop", &fakeClass{requires: []Dependency{{Name: "loop"}}})

		_, err := r.Open(context.Background(), "loop", 0)
		require.ErrorIs(t, err, ErrDependencyUnresolved)

		var depErr *DependencyError
		require.ErrorAs(t, err, &depErr)
		assert.Equal(t, []string{"loop", "loop"}, depErr.Cycle)
		assert.Equal(t, StatusMissingDependencies, r.Status("loop"))
	})

	t.Run("indirect", func(t *testing.T) {
		t.Parallel()

		r, loader := newTestRegistry(t)
		loader.add("a", &fakeClass{requires: []Dependency{{Name: "b"}}})
		loader.add("b", &fakeClass{requires: []Dependency{{Name: "a"}}})

		_, err := r.Open(context.Background(), "a", 0)
		require.ErrorIs(t, err, ErrDependencyUnresolved)
		assert.Equal(t, StatusMissingDependencies, r.Status("a"))
		assert.Equal(t, StatusMissingDependencies, r.Status("b"))
	})
}

func TestRegistry_CloseDrainsAndReloads(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	ctx := context.Background()

	h1, err := r.Open(ctx, "alpha", 0)
	require.NoError(t, err)
	h2, err := r.Open(ctx, "alpha", 0)
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() {
		closed <- r.Close(ctx, "alpha", CloseOptions{Timeout: -1})
	}()
	waitBlocked(t, r, "alpha")

	// Non-waiting probe during the drain is rejected at once.
	_, err = r.Open(ctx, "alpha", 0)
	require.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, -int(syscall.EAGAIN), Errno(err))

	h1.Release()
	h2.Release()
	require.NoError(t, <-closed)
	assert.Equal(t, StatusUnknown, r.Status("alpha"))
	assert.Equal(t, 1, loader.unloadCount("alpha"))
	assert.False(t, r.Gate("alpha").Blocked())

	h3, err := r.Open(ctx, "alpha", 0)
	require.NoError(t, err)
	h3.Release()
	assert.Equal(t, 2, loader.loadCount("alpha"))
}

func TestRegistry_CloseTimeoutKeepsClassUsable(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	ctx := context.Background()

	h, err := r.Open(ctx, "alpha", 0)
	require.NoError(t, err)

	err = r.Close(ctx, "alpha", CloseOptions{Timeout: 0})
	require.ErrorIs(t, err, ErrCloseTimedOut)
	assert.Equal(t, -int(syscall.ETIMEDOUT), Errno(err))
	assert.Equal(t, StatusOpen, r.Status("alpha"))
	assert.True(t, r.Gate("alpha").Blocked())
	assert.Equal(t, 0, loader.unloadCount("alpha"))

	status, _, err := h.Exec(ctx, "op1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	// Retrying after the handle is gone succeeds.
	h.Release()
	require.NoError(t, r.Close(ctx, "alpha", CloseOptions{Timeout: 0}))
	assert.Equal(t, StatusUnknown, r.Status("alpha"))
}

func TestRegistry_ReloadWaitingOpenSucceeds(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t, WithCloseTimeout(-1))
	ctx := context.Background()

	held := make([]*Handle, 3)
	for i := range held {
		h, err := r.Open(ctx, "alpha", 0)
		require.NoError(t, err)
		held[i] = h
	}

	reloaded := make(chan error, 1)
	go func() {
		reloaded <- r.Reload(ctx, "alpha")
	}()
	waitBlocked(t, r, "alpha")

	opened := make(chan *Handle, 1)
	go func() {
		h, err := r.Open(ctx, "alpha", -1)
		if err != nil {
			opened <- nil
			return
		}
		opened <- h
	}()

	select {
	case <-opened:
		t.Fatal("open returned while handles were outstanding")
	case <-time.After(30 * time.Millisecond):
	}

	for _, h := range held {
		h.Release()
	}
	require.NoError(t, <-reloaded)

	select {
	case h := <-opened:
		require.NotNil(t, h)
		h.Release()
	case <-time.After(time.Second):
		t.Fatal("waiting open never completed")
	}
	assert.Equal(t, 2, loader.loadCount("alpha"))
}

func TestRegistry_UnloadAndDisable(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t, WithCloseTimeout(time.Second))
	loader.add("beta", &fakeClass{})
	ctx := context.Background()

	h, err := r.Open(ctx, "beta", 0)
	require.NoError(t, err)
	h.Release()

	require.NoError(t, r.UnloadAndDisable(ctx, "beta"))
	assert.Equal(t, StatusUnknown, r.Status("beta"))
	assert.True(t, r.Gate("beta").Blocked())

	_, err = r.Open(ctx, "beta", 0)
	require.ErrorIs(t, err, ErrBlocked)

	opened := make(chan error, 1)
	go func() {
		h, err := r.Open(ctx, "beta", -1)
		if err == nil {
			h.Release()
		}
		opened <- err
	}()

	select {
	case err := <-opened:
		t.Fatalf("open on a disabled class returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, r.Unblock("beta"))
	select {
	case err := <-opened:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("open did not resume after unblock")
	}
}

func TestRegistry_UnloadAndDisableRejectsOpensDuringDrain(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, WithCloseTimeout(-1))
	ctx := context.Background()

	h, err := r.Open(ctx, "alpha", 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- r.UnloadAndDisable(ctx, "alpha")
	}()
	waitBlocked(t, r, "alpha")

	_, err = r.Open(ctx, "alpha", -1)
	require.ErrorIs(t, err, ErrBlocked)

	h.Release()
	require.NoError(t, <-done)
}

func TestRegistry_DisableBeforeFirstLoad(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.UnloadAndDisable(ctx, "alpha"))
	_, err := r.Open(ctx, "alpha", 0)
	require.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, 0, loader.loadCount("alpha"))

	infos := r.List()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Blocked)
}

func TestRegistry_UnblockUnknown(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	require.ErrorIs(t, r.Unblock("never-seen"), ErrNotFound)
}

func TestRegistry_OpenTimesOutOnBlockedGate(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Gate("alpha").Block()

	_, err := r.Open(ctx, "alpha", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, StatusUnknown, r.Status("alpha"), "a rejected open must not touch the record")
}

func TestRegistry_OpenCanceledWhileBlocked(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	r.Gate("alpha").Block()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Open(ctx, "alpha", -1)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, -int(syscall.ECANCELED), Errno(err))
	case <-time.After(time.Second):
		t.Fatal("open did not return after cancel")
	}
	assert.Equal(t, int64(0), r.Gate("alpha").Refs())
}

func TestRegistry_InvalidName(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	for _, name := range []string{"", "a/b", "with space"} {
		_, err := r.Open(context.Background(), name, 0)
		require.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestRegistry_EmbeddedClass(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	inits := 0
	err := r.AddEmbeddedClass(EmbeddedClass{
		Name:    "hello",
		Version: "1.0.0",
		Init: func(_ context.Context, reg Registrar) error {
			inits++
			cls, err := reg.RegisterClass("hello")
			if err != nil {
				return err
			}
			if _, err := reg.RegisterClass("other"); !errors.Is(err, ErrNotInitializing) {
				return fmt.Errorf("foreign registration allowed: %w", err)
			}
			_, err = cls.RegisterMethod("say", FlagRead|FlagPromote, echo(0))
			return err
		},
	})
	require.NoError(t, err)
	require.ErrorIs(t, r.AddEmbeddedClass(EmbeddedClass{Name: "hello"}), ErrClassExists)

	ctx := context.Background()
	h, err := r.Open(ctx, "hello", 0)
	require.NoError(t, err)

	flags, err := h.MethodFlags("say")
	require.NoError(t, err)
	assert.True(t, flags.Has(FlagPromote))
	h.Release()

	require.NoError(t, r.Reload(ctx, "hello"))
	h, err = r.Open(ctx, "hello", 0)
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, 2, inits)

	infos := r.List()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Embedded)
	assert.Equal(t, "1.0.0", infos[0].Version)
}

func TestRegistry_List(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	loader.add("zeta", &fakeClass{})
	ctx := context.Background()

	h, err := r.Open(ctx, "zeta", 0)
	require.NoError(t, err)
	defer h.Release()
	_, _ = r.Open(ctx, "missing", 0)
	h2, err := r.Open(ctx, "alpha", 0)
	require.NoError(t, err)
	h2.Release()

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, StatusOpen, infos[0].Status)
	assert.Equal(t, []string{"op1"}, infos[0].Methods)
	assert.Equal(t, "missing", infos[1].Name)
	assert.Equal(t, StatusMissing, infos[1].Status)
	assert.Equal(t, "zeta", infos[2].Name)
	assert.Equal(t, int64(1), infos[2].Refs)
}

func TestRegistry_OpenAll(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	loader.add("beta", &fakeClass{})

	err := r.OpenAll(context.Background(), []string{"alpha", "beta", "ghost1", "ghost2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusOpen, r.Status("alpha"))
	assert.Equal(t, StatusOpen, r.Status("beta"))
	assert.Equal(t, int64(0), r.Gate("alpha").Refs())
	assert.Contains(t, err.Error(), "ghost1")
	assert.Contains(t, err.Error(), "ghost2")
}

func TestRegistry_Shutdown(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t, WithCloseTimeout(10*time.Millisecond))
	loader.add("busy", &fakeClass{})
	ctx := context.Background()

	h, err := r.Open(ctx, "alpha", 0)
	require.NoError(t, err)
	h.Release()
	busy, err := r.Open(ctx, "busy", 0)
	require.NoError(t, err)

	err = r.Shutdown(ctx)
	require.ErrorIs(t, err, ErrCloseTimedOut)
	assert.Equal(t, 1, loader.unloadCount("alpha"))
	assert.Equal(t, StatusOpen, r.Status("busy"), "a class with live handles is never unloaded")

	_, err = r.Open(ctx, "alpha", 0)
	require.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, -int(syscall.ESHUTDOWN), Errno(err))

	busy.Release()
	require.NoError(t, r.Shutdown(ctx), "second shutdown is a no-op")
}

func TestRegistry_ConcurrentOpenClose(t *testing.T) {
	t.Parallel()

	r, loader := newTestRegistry(t)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				h, err := r.Open(ctx, "alpha", 50*time.Millisecond)
				if err != nil {
					continue
				}
				status, _, err := h.Exec(ctx, "op1", nil, nil)
				if err != nil || status != 0 {
					t.Errorf("exec on an open handle failed: %d %v", status, err)
				}
				h.Release()
			}
		}()
	}

	for range 20 {
		require.NoError(t, r.Close(ctx, "alpha", CloseOptions{AllowWaitingOpens: true, Timeout: -1}))
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(0), r.Gate("alpha").Refs())
	assert.Equal(t, loader.loadCount("alpha"), loader.unloadCount("alpha")+btoi(r.Status("alpha") == StatusOpen))
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
