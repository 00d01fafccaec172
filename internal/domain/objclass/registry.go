package objclass

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/objclass/internal/ports"
)

// Default timeouts.
const (
	DefaultOpenTimeout  = 30 * time.Second
	DefaultCloseTimeout = 30 * time.Second
)

// openAllLimit bounds concurrent opens during OpenAll.
const openAllLimit = 8

// Registry is the authority over every class on the node.
//
// It owns two independently locked tables: class records, guarded by mu,
// and gates, guarded by gatesMu. Gates are never removed. mu is never held
// while waiting on a gate.
type Registry struct {
	loader       Loader
	logger       ports.Logger
	loadList     string
	defaultList  string
	openTimeout  time.Duration
	closeTimeout time.Duration

	mu       sync.Mutex
	classes  map[string]*Class
	embedded map[string]*EmbeddedClass
	closed   atomic.Bool

	gatesMu sync.Mutex
	gates   map[string]*Gate
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l ports.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithLoadList limits which classes may be loaded at all. See InList.
func WithLoadList(list string) Option {
	return func(r *Registry) {
		r.loadList = list
	}
}

// WithDefaultList sets which classes are flagged whitelisted. See InList.
func WithDefaultList(list string) Option {
	return func(r *Registry) {
		r.defaultList = list
	}
}

// WithOpenTimeout sets the timeout OpenAll uses per class.
func WithOpenTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.openTimeout = d
	}
}

// WithCloseTimeout sets the drain timeout used by Reload, UnloadAndDisable
// and Shutdown.
func WithCloseTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.closeTimeout = d
	}
}

// NewRegistry creates a registry that loads classes through loader.
// A nil loader only serves embedded classes.
func NewRegistry(loader Loader, opts ...Option) *Registry {
	if loader == nil {
		loader = NopLoader{}
	}
	r := &Registry{
		loader:       loader,
		logger:       nopLogger{},
		loadList:     "*",
		defaultList:  "*",
		openTimeout:  DefaultOpenTimeout,
		closeTimeout: DefaultCloseTimeout,
		classes:      make(map[string]*Class),
		embedded:     make(map[string]*EmbeddedClass),
		gates:        make(map[string]*Gate),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InList reports whether name appears in a comma or space separated class
// list. "*" matches every name.
func InList(name, list string) bool {
	for _, item := range strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}) {
		if item == "*" || item == name {
			return true
		}
	}
	return false
}

// Gate returns the gate for name, creating it on first reference.
func (r *Registry) Gate(name string) *Gate {
	r.gatesMu.Lock()
	defer r.gatesMu.Unlock()
	g, ok := r.gates[name]
	if !ok {
		g = NewGate()
		r.gates[name] = g
	}
	return g
}

func (r *Registry) lookupGate(name string) *Gate {
	r.gatesMu.Lock()
	defer r.gatesMu.Unlock()
	return r.gates[name]
}

// Open returns a handle on the named class, loading it and its dependencies
// on first use. timeout applies only to waiting on a blocked gate.
func (r *Registry) Open(ctx context.Context, name string, timeout time.Duration) (*Handle, error) {
	if !validName(name) {
		return nil, classErr(name, "open", ErrInvalidName)
	}
	if r.closed.Load() {
		return nil, classErr(name, "open", ErrShutdown)
	}

	g := r.Gate(name)
	if err := g.Acquire(ctx, timeout); err != nil {
		return nil, acquireErr(name, err)
	}

	r.mu.Lock()
	cls, err := r.openLocked(ctx, name, nil)
	r.mu.Unlock()
	if err != nil {
		g.Release()
		return nil, err
	}
	return newHandle(cls, g), nil
}

func acquireErr(name string, err error) error {
	switch {
	case errors.Is(err, ErrBlocked), errors.Is(err, ErrTimedOut):
		return classErr(name, "open", err)
	default:
		return &ClassError{Class: name, Op: "open", Err: ErrTimedOut, Cause: err}
	}
}

// classLocked returns the record for name, creating it on first reference.
func (r *Registry) classLocked(name string) (*Class, error) {
	if cls, ok := r.classes[name]; ok {
		return cls, nil
	}
	cls, err := newClass(name)
	if err != nil {
		return nil, err
	}
	cls.whitelisted = InList(name, r.defaultList)
	cls.embedded = r.embedded[name]
	r.classes[name] = cls
	return cls, nil
}

// openLocked brings name to open. chain holds the classes currently being
// opened on this call path, outermost first.
func (r *Registry) openLocked(ctx context.Context, name string, chain []string) (*Class, error) {
	if r.closed.Load() {
		return nil, classErr(name, "open", ErrShutdown)
	}
	cls, err := r.classLocked(name)
	if err != nil {
		return nil, &ClassError{Class: name, Op: "open", Err: ErrLoadFailed, Cause: err}
	}
	if cls.Status() == StatusOpen {
		return cls, nil
	}
	if cls.embedded == nil && !InList(name, r.loadList) {
		return nil, classErr(name, "open", ErrPermissionDenied)
	}

	switch cls.Status() {
	case StatusMissing, StatusMissingDependencies:
		cls.missing = nil
		if err := cls.life.fire(EventRetry, StatusUnknown); err != nil {
			return nil, &ClassError{Class: name, Op: "open", Err: ErrLoadFailed, Cause: err}
		}
	}

	if err := r.loadLocked(ctx, cls); err != nil {
		return nil, err
	}

	path := append(slices.Clone(chain), name)
	var (
		missing []string
		cycle   []string
	)
	for _, dep := range cls.deps {
		if slices.Contains(path, dep.Name) {
			missing = append(missing, dep.Name)
			cycle = append(slices.Clone(path), dep.Name)
			continue
		}
		if err := r.openDependencyLocked(ctx, dep, path); err != nil {
			r.logger.Warn(ctx, "class dependency unresolved",
				ports.F("class", name), ports.F("dependency", dep.String()), ports.F("error", err))
			missing = append(missing, dep.Name)
		}
	}

	if len(missing) > 0 {
		cls.missing = missing
		if err := cls.life.fire(EventDepsMissing, StatusMissingDependencies); err != nil {
			return nil, &ClassError{Class: name, Op: "open", Err: ErrLoadFailed, Cause: err}
		}
		_ = r.unloadHandle(ctx, cls, cls.detach())
		return nil, &DependencyError{Class: name, Missing: missing, Cycle: cycle}
	}

	if err := cls.life.fire(EventOpened, StatusOpen); err != nil {
		return nil, &ClassError{Class: name, Op: "open", Err: ErrLoadFailed, Cause: err}
	}
	r.logger.Debug(ctx, "class opened", ports.F("class", name), ports.F("version", cls.version))
	return cls, nil
}

// loadLocked takes cls from unknown to initializing and runs its init.
func (r *Registry) loadLocked(ctx context.Context, cls *Class) error {
	var (
		h      LoadHandle
		initFn InitFunc
	)
	if cls.embedded != nil {
		h = embeddedHandle{def: cls.embedded}
		initFn = cls.embedded.Init
	} else {
		loaded, err := r.loader.Load(ctx, cls.name)
		if err != nil {
			if ferr := cls.life.fire(EventLoadFailed, StatusMissing); ferr != nil {
				err = multierr.Append(err, ferr)
			}
			kind := ErrLoadFailed
			if errors.Is(err, ErrNotFound) {
				kind = ErrNotFound
			}
			r.logger.Warn(ctx, "class load failed", ports.F("class", cls.name), ports.F("error", err))
			return &ClassError{Class: cls.name, Op: "open", Err: kind, Cause: err}
		}
		h = loaded
		initFn = r.loader.ResolveInit(h)
	}

	if err := cls.attach(h); err != nil {
		r.unloadHandle(ctx, cls, h)
		return &ClassError{Class: cls.name, Op: "open", Err: ErrLoadFailed, Cause: err}
	}
	r.logger.Debug(ctx, "class loaded", ports.F("class", cls.name), ports.F("embedded", cls.Embedded()))

	if initFn == nil {
		return nil
	}
	if err := initFn(ctx, initScope{class: cls}); err != nil {
		r.logger.Warn(ctx, "class init failed", ports.F("class", cls.name), ports.F("error", err))
		if uerr := r.unloadLocked(ctx, cls); uerr != nil {
			err = multierr.Append(err, uerr)
		}
		return &ClassError{Class: cls.name, Op: "init", Err: ErrLoadFailed, Cause: err}
	}
	return nil
}

// openDependencyLocked opens dep for a class on path. The dependency's gate
// is probed without waiting since mu is held; the reference is dropped again
// once the dependency is known to be open.
func (r *Registry) openDependencyLocked(ctx context.Context, dep Dependency, path []string) error {
	if !validName(dep.Name) {
		return classErr(dep.Name, "open", ErrInvalidName)
	}
	g := r.Gate(dep.Name)
	if err := g.Acquire(ctx, 0); err != nil {
		return acquireErr(dep.Name, err)
	}
	defer g.Release()

	dc, err := r.openLocked(ctx, dep.Name, path)
	if err != nil {
		return err
	}
	if !dep.Satisfied(dc.version) {
		return fmt.Errorf("class %q version %q does not satisfy %q", dep.Name, dc.version, dep.Version)
	}
	return nil
}

// unloadLocked resets cls to unknown, handing its code back to the loader.
func (r *Registry) unloadLocked(ctx context.Context, cls *Class) error {
	switch cls.Status() {
	case StatusUnknown:
		return nil
	case StatusMissing:
		return cls.life.fire(EventRetry, StatusUnknown)
	}

	h := cls.detach()
	cls.missing = nil
	if err := cls.life.fire(EventUnload, StatusUnknown); err != nil {
		return err
	}
	return r.unloadHandle(ctx, cls, h)
}

func (r *Registry) unloadHandle(ctx context.Context, cls *Class, h LoadHandle) error {
	if h == nil || cls.embedded != nil {
		return nil
	}
	if err := r.loader.Unload(ctx, h); err != nil {
		r.logger.Error(ctx, "class unload failed", ports.F("class", cls.name), ports.F("error", err))
		return err
	}
	return nil
}

// CloseOptions selects how Close treats the gate.
type CloseOptions struct {
	// Disable leaves the gate blocked after unload until Unblock.
	Disable bool
	// AllowWaitingOpens lets opens issued during the drain wait instead of failing.
	AllowWaitingOpens bool
	// Timeout bounds the drain. Zero probes, negative waits forever.
	Timeout time.Duration
}

// Close blocks the class, waits for every handle to be released and unloads
// it. On a drain timeout the class stays loaded and blocked and Close may be
// retried.
func (r *Registry) Close(ctx context.Context, name string, opts CloseOptions) error {
	if !validName(name) {
		return classErr(name, "close", ErrInvalidName)
	}

	g := r.Gate(name)
	g.SetWaitOpens(opts.AllowWaitingOpens)
	g.Block()

	if err := g.Drain(ctx, opts.Timeout); err != nil {
		r.logger.Warn(ctx, "class drain did not complete",
			ports.F("class", name), ports.F("refs", g.Refs()), ports.F("timeout", opts.Timeout))
		return drainErr(name, "close", err)
	}

	r.mu.Lock()
	var err error
	if cls, ok := r.classes[name]; ok {
		err = r.unloadLocked(ctx, cls)
	}
	r.mu.Unlock()

	if opts.Disable {
		// Later opens follow their own timeout until Unblock.
		g.SetWaitOpens(true)
	} else {
		g.Unblock()
	}

	if err != nil {
		return &ClassError{Class: name, Op: "close", Err: ErrLoadFailed, Cause: err}
	}
	r.logger.Info(ctx, "class unloaded", ports.F("class", name), ports.F("disabled", opts.Disable))
	return nil
}

func drainErr(name, op string, err error) error {
	if errors.Is(err, ErrCloseTimedOut) {
		return classErr(name, op, ErrCloseTimedOut)
	}
	return &ClassError{Class: name, Op: op, Err: ErrCloseTimedOut, Cause: err}
}

// Reload unloads the class and lets the next open load it again. Opens
// issued during the drain wait for it.
func (r *Registry) Reload(ctx context.Context, name string) error {
	return r.Close(ctx, name, CloseOptions{AllowWaitingOpens: true, Timeout: r.closeTimeout})
}

// UnloadAndDisable unloads the class and keeps it unreachable until
// Unblock. Opens issued during the drain fail immediately.
func (r *Registry) UnloadAndDisable(ctx context.Context, name string) error {
	return r.Close(ctx, name, CloseOptions{Disable: true, Timeout: r.closeTimeout})
}

// Unblock re-admits opens on a blocked class. It fails for a name that has
// never been referenced.
func (r *Registry) Unblock(name string) error {
	if r.closed.Load() {
		return classErr(name, "unblock", ErrShutdown)
	}
	g := r.lookupGate(name)
	if g == nil {
		return classErr(name, "unblock", ErrNotFound)
	}
	g.Unblock()
	return nil
}

// Status returns the status of a class, or StatusUnknown if never referenced.
func (r *Registry) Status(name string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cls, ok := r.classes[name]; ok {
		return cls.Status()
	}
	return StatusUnknown
}

// List returns every referenced class sorted by name.
func (r *Registry) List() []ClassInfo {
	r.gatesMu.Lock()
	gates := make(map[string]*Gate, len(r.gates))
	for name, g := range r.gates {
		gates[name] = g
	}
	r.gatesMu.Unlock()

	r.mu.Lock()
	infos := make([]ClassInfo, 0, len(r.classes)+len(gates))
	for name, cls := range r.classes {
		infos = append(infos, cls.info(gates[name]))
	}
	for name, g := range gates {
		if _, ok := r.classes[name]; ok {
			continue
		}
		infos = append(infos, ClassInfo{
			Name:     name,
			Status:   StatusUnknown,
			Embedded: r.embedded[name] != nil,
			Refs:     g.Refs(),
			Blocked:  g.Blocked(),
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// AddEmbeddedClass registers a class whose code is linked into the node.
// It is loaded lazily like any other class and bypasses the loader.
func (r *Registry) AddEmbeddedClass(def EmbeddedClass) error {
	if !validName(def.Name) {
		return classErr(def.Name, "add", ErrInvalidName)
	}
	for _, dep := range def.Requires {
		if err := ValidateConstraint(dep.Version); err != nil {
			return &ClassError{Class: def.Name, Op: "add", Err: ErrInvalidName, Cause: err}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return classErr(def.Name, "add", ErrShutdown)
	}
	if _, ok := r.embedded[def.Name]; ok {
		return classErr(def.Name, "add", ErrClassExists)
	}
	if cls, ok := r.classes[def.Name]; ok && cls.Status().Loaded() {
		return classErr(def.Name, "add", ErrClassExists)
	}

	d := def
	d.Requires = slices.Clone(def.Requires)
	r.embedded[def.Name] = &d
	if cls, ok := r.classes[def.Name]; ok {
		cls.embedded = &d
	}
	return nil
}

// OpenAll opens and releases every named class, collecting every failure.
func (r *Registry) OpenAll(ctx context.Context, names []string) error {
	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(openAllLimit)
	for _, name := range names {
		g.Go(func() error {
			h, err := r.Open(gctx, name, r.openTimeout)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return nil
			}
			h.Release()
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Shutdown blocks every class, drains and unloads it, and rejects later
// opens. Classes whose handles are not released in time stay loaded.
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.gatesMu.Lock()
	names := make([]string, 0, len(r.gates))
	for name := range r.gates {
		names = append(names, name)
	}
	r.gatesMu.Unlock()
	sort.Strings(names)

	var errs error
	for _, name := range names {
		g := r.lookupGate(name)
		g.SetWaitOpens(false)
		g.Block()
		if err := g.Drain(ctx, r.closeTimeout); err != nil {
			errs = multierr.Append(errs, drainErr(name, "shutdown", err))
			continue
		}
		r.mu.Lock()
		if cls, ok := r.classes[name]; ok {
			if err := r.unloadLocked(ctx, cls); err != nil {
				errs = multierr.Append(errs, &ClassError{Class: name, Op: "shutdown", Err: ErrLoadFailed, Cause: err})
			}
		}
		r.mu.Unlock()
	}

	// Parked openers wake, take the gate and fail on the closed check.
	for _, name := range names {
		r.lookupGate(name).Unblock()
	}
	r.logger.Info(ctx, "class registry shut down", ports.F("classes", len(names)))
	return errs
}
