// Package app wires an object class node together: configuration, the WASM
// class loader, the class registry, the admin socket and the class
// directory watcher.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/objclass/internal/adapters/ipc"
	"github.com/felixgeelhaar/objclass/internal/adapters/logging"
	"github.com/felixgeelhaar/objclass/internal/domain/config"
	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
	"github.com/felixgeelhaar/objclass/internal/domain/sandbox"
	"github.com/felixgeelhaar/objclass/internal/ports"
)

// Node is a running object class node.
type Node struct {
	cfg      config.Config
	version  string
	logger   ports.Logger
	runtime  *sandbox.Runtime
	registry *objclass.Registry
	server   *ipc.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// NodeOption configures a Node.
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	logger   ports.Logger
	version  string
	embedded []objclass.EmbeddedClass
}

// WithNodeLogger sets the node logger. The default discards everything.
func WithNodeLogger(l ports.Logger) NodeOption {
	return func(o *nodeOptions) { o.logger = l }
}

// WithVersion sets the version reported by Status.
func WithVersion(v string) NodeOption {
	return func(o *nodeOptions) { o.version = v }
}

// WithEmbeddedClass registers a class implemented in Go.
func WithEmbeddedClass(def objclass.EmbeddedClass) NodeOption {
	return func(o *nodeOptions) { o.embedded = append(o.embedded, def) }
}

// NewNode validates cfg and builds the loader, registry and admin server.
// Nothing listens until Run.
func NewNode(ctx context.Context, cfg config.Config, opts ...NodeOption) (*Node, error) {
	o := nodeOptions{logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt, err := sandbox.NewRuntime(ctx, sandbox.Config{
		ClassDir:         cfg.ClassDir,
		MemoryLimitPages: cfg.WASM.MemoryLimitPages,
		CallTimeout:      cfg.WASM.CallTimeout,
		Logger:           o.logger.With(ports.F("component", "sandbox")),
	})
	if err != nil {
		return nil, fmt.Errorf("create class runtime: %w", err)
	}

	reg := objclass.NewRegistry(rt,
		objclass.WithLogger(o.logger.With(ports.F("component", "registry"))),
		objclass.WithLoadList(cfg.LoadList),
		objclass.WithDefaultList(cfg.DefaultList),
		objclass.WithOpenTimeout(cfg.OpenTimeout),
		objclass.WithCloseTimeout(cfg.CloseTimeout),
	)
	for _, def := range o.embedded {
		if err := reg.AddEmbeddedClass(def); err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
	}

	n := &Node{
		cfg:      cfg,
		version:  o.version,
		logger:   o.logger,
		runtime:  rt,
		registry: reg,
	}
	n.server = ipc.NewServer(ipc.ServerConfig{
		SocketPath: cfg.Admin.SocketPath,
		LockPath:   cfg.Admin.LockPath,
		Logger:     o.logger.With(ports.F("component", "admin")),
	}, n)
	return n, nil
}

// Registry returns the node's class registry.
func (n *Node) Registry() *objclass.Registry {
	return n.registry
}

// OpenAll opens and releases every class in the class directory.
func (n *Node) OpenAll(ctx context.Context) error {
	names, err := n.runtime.List()
	if err != nil {
		return err
	}
	n.logger.Info(ctx, "opening classes", ports.F("count", len(names)))
	return n.registry.OpenAll(ctx, names)
}

// Run serves the admin socket until ctx is done, then shuts the node down.
func (n *Node) Run(ctx context.Context) error {
	if err := n.cfg.CheckClassDir(); err != nil {
		return err
	}
	if err := n.server.Start(); err != nil {
		return err
	}
	n.logger.Info(ctx, "node started",
		ports.F("class_dir", n.cfg.ClassDir), ports.F("pid", os.Getpid()), ports.F("version", n.version))

	if n.cfg.OpenOnStart {
		if err := n.OpenAll(ctx); err != nil {
			n.logger.Warn(ctx, "some classes failed to open", ports.F("error", err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if n.cfg.Watch {
		w, err := NewWatchMode(WatchOptions{
			ClassDir: n.cfg.ClassDir,
			Debounce: n.cfg.WatchDebounce,
			Logger:   n.logger.With(ports.F("component", "watch")),
		}, n.reloadChanged)
		if err != nil {
			return multierr.Append(err, n.Shutdown(context.WithoutCancel(ctx)))
		}
		g.Go(func() error { return w.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	n.logger.Info(ctx, "node stopping")
	return multierr.Append(runErr, n.Shutdown(context.WithoutCancel(ctx)))
}

// reloadChanged reloads a class whose directory changed, if it is open.
func (n *Node) reloadChanged(ctx context.Context, class string) {
	if n.registry.Status(class) != objclass.StatusOpen {
		n.logger.Debug(ctx, "changed class not open, skipping reload", ports.F("class", class))
		return
	}
	if err := n.registry.Reload(ctx, class); err != nil {
		n.logger.Warn(ctx, "reload after change failed", ports.F("class", class), ports.F("error", err))
		return
	}
	n.logger.Info(ctx, "class reloaded after change", ports.F("class", class))
}

// Shutdown stops the admin socket, unloads every class and closes the
// runtime. Later calls return the first result.
func (n *Node) Shutdown(ctx context.Context) error {
	n.shutdownOnce.Do(func() {
		n.shutdownErr = multierr.Combine(
			n.server.Stop(),
			n.registry.Shutdown(ctx),
			n.runtime.Close(ctx),
		)
	})
	return n.shutdownErr
}

// Status implements ipc.NodeProvider.
func (n *Node) Status() ipc.StatusResponse {
	classes := n.registry.List()
	open := 0
	for _, ci := range classes {
		if ci.Status == objclass.StatusOpen {
			open++
		}
	}
	return ipc.StatusResponse{
		Version:  n.version,
		PID:      os.Getpid(),
		ClassDir: n.cfg.ClassDir,
		Classes:  len(classes),
		Open:     open,
	}
}

// List implements ipc.NodeProvider.
func (n *Node) List() []objclass.ClassInfo {
	return n.registry.List()
}

// Reload implements ipc.NodeProvider.
func (n *Node) Reload(ctx context.Context, name string) error {
	return n.registry.Reload(ctx, name)
}

// Disable implements ipc.NodeProvider.
func (n *Node) Disable(ctx context.Context, name string) error {
	return n.registry.UnloadAndDisable(ctx, name)
}

// Unblock implements ipc.NodeProvider.
func (n *Node) Unblock(name string) error {
	return n.registry.Unblock(name)
}

// Exec opens class, calls method with in and releases the class.
func (n *Node) Exec(ctx context.Context, class, method string, in []byte, timeout time.Duration) (int, []byte, error) {
	h, err := n.registry.Open(ctx, class, timeout)
	if err != nil {
		return 0, nil, err
	}
	defer h.Release()

	status, out, err := h.Exec(ctx, method, nil, in)
	if err != nil && !errors.Is(err, objclass.ErrMethodNotFound) {
		n.logger.Warn(ctx, "exec failed", ports.F("class", class), ports.F("method", method), ports.F("error", err))
	}
	return status, out, err
}
