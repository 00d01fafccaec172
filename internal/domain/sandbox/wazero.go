package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/multierr"

	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
	"github.com/felixgeelhaar/objclass/internal/ports"
)

// InitExport is the guest entry point resolved after loading.
const InitExport = "module_init"

// Runtime loads classes from a Catalog into a shared wazero runtime.
type Runtime struct {
	cfg     Config
	catalog *Catalog
	logger  ports.Logger
	runtime wazero.Runtime
	seq     atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewRuntime creates the wazero runtime, WASI and the host module.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}
	logger := cfg.Logger
	if logger == nil {
		logger = ports.LoggerFromContext(ctx)
	}
	if logger == nil {
		return nil, errors.New("sandbox: a logger is required")
	}

	rcfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(cfg.MemoryLimitPages)
	if cfg.CallTimeout > 0 {
		// A call past its deadline terminates the instance. The next call
		// starts a fresh one from the compiled module.
		rcfg = rcfg.WithCloseOnContextDone(true)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	h := &host{logger: logger}
	if err := h.instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return &Runtime{
		cfg:     cfg,
		catalog: NewCatalog(cfg.ClassDir),
		logger:  logger,
		runtime: r,
	}, nil
}

// Catalog returns the class directory reader.
func (r *Runtime) Catalog() *Catalog {
	return r.catalog
}

// List returns every class the catalog can load.
func (r *Runtime) List() ([]string, error) {
	return r.catalog.List()
}

// module is one instantiated class.
type module struct {
	name     string
	manifest *Manifest
	compiled wazero.CompiledModule
	instance api.Module
	timeout  func(context.Context) (context.Context, context.CancelFunc)
	renew    func(context.Context, wazero.CompiledModule) (api.Module, error)

	// Guest code is single threaded.
	mu sync.Mutex
}

func (m *module) Version() string {
	return m.manifest.Version
}

func (m *module) Requires() []objclass.Dependency {
	return m.manifest.Requires
}

// Load reads, verifies, compiles and instantiates a class.
func (r *Runtime) Load(ctx context.Context, name string) (objclass.LoadHandle, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRuntimeClosed
	}

	manifest, err := r.catalog.LoadManifest(name)
	if err != nil {
		return nil, err
	}
	code, err := r.catalog.ReadModule(manifest)
	if err != nil {
		return nil, err
	}

	compiled, err := r.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}

	instance, err := r.instantiate(ctx, name, compiled)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}

	r.logger.Debug(ctx, "class module instantiated",
		ports.F("class", name), ports.F("version", manifest.Version), ports.F("checksum", manifest.Checksum))

	return &module{
		name:     name,
		manifest: manifest,
		compiled: compiled,
		instance: instance,
		timeout:  r.callContext,
		renew: func(ctx context.Context, c wazero.CompiledModule) (api.Module, error) {
			return r.instantiate(ctx, name, c)
		},
	}, nil
}

// instantiate starts a uniquely named instance of a compiled class.
func (r *Runtime) instantiate(ctx context.Context, name string, compiled wazero.CompiledModule) (api.Module, error) {
	modConfig := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("cls_%s_%d", name, r.seq.Add(1))).
		WithStartFunctions("_initialize")
	instance, err := r.runtime.InstantiateModule(context.WithoutCancel(ctx), compiled, modConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate %s: %w", name, err)
	}
	return instance, nil
}

func (r *Runtime) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.CallTimeout)
	}
	return ctx, func() {}
}

// ResolveInit returns the guest's module_init, or nil if it exports none.
func (r *Runtime) ResolveInit(h objclass.LoadHandle) objclass.InitFunc {
	m, ok := h.(*module)
	if !ok {
		return nil
	}
	fn := m.instance.ExportedFunction(InitExport)
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, reg objclass.Registrar) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		frame := &initFrame{module: m, reg: reg}
		results, err := fn.Call(withInitFrame(ctx, frame))
		if err != nil {
			return fmt.Errorf("%w: %s trapped: %w", ErrInitFailed, m.name, err)
		}
		if frame.err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInitFailed, m.name, frame.err)
		}
		if len(results) > 0 {
			if code := int32(results[0]); code != 0 {
				return fmt.Errorf("%w: %s returned %d", ErrInitFailed, m.name, code)
			}
		}
		if frame.class == nil {
			return fmt.Errorf("%w: %s", ErrNoClassRegistered, m.name)
		}
		return nil
	}
}

// call runs an exported method. A trap or timeout is reported as -EIO or
// -ETIMEDOUT. An instance closed by an earlier timeout is replaced first;
// guest memory starts over, the registered methods stay.
func (m *module) call(ctx context.Context, method string, in []byte) (int, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.instance.IsClosed() {
		instance, err := m.renew(ctx, m.compiled)
		if err != nil {
			return -int(syscall.EIO), nil
		}
		m.instance = instance
	}

	fn := m.instance.ExportedFunction(method)
	if fn == nil {
		return -int(syscall.ENOENT), nil
	}

	ctx, cancel := m.timeout(ctx)
	defer cancel()

	frame := &callFrame{in: in}
	results, err := fn.Call(withCallFrame(ctx, frame))
	if err != nil {
		if ctx.Err() != nil {
			return -int(syscall.ETIMEDOUT), nil
		}
		return -int(syscall.EIO), nil
	}
	if len(results) == 0 {
		return 0, frame.out
	}
	return int(int32(results[0])), frame.out
}

// Unload closes the instance and its compiled code.
func (r *Runtime) Unload(ctx context.Context, h objclass.LoadHandle) error {
	m, ok := h.(*module)
	if !ok {
		return fmt.Errorf("sandbox: foreign load handle %T", h)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	err := multierr.Combine(m.instance.Close(ctx), m.compiled.Close(ctx))
	r.logger.Debug(ctx, "class module closed", ports.F("class", m.name))
	return err
}

// Close releases runtime resources. Loaded classes become unusable.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.runtime.Close(ctx)
}

var _ objclass.Loader = (*Runtime)(nil)
