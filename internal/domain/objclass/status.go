package objclass

import (
	"fmt"
	"sync"

	"github.com/felixgeelhaar/statekit"
)

// Status is the lifecycle state of a class record.
type Status string

// Machine state identifiers.
const (
	stateUnknown             = "unknown"
	stateMissing             = "missing"
	stateMissingDependencies = "missing_dependencies"
	stateInitializing        = "initializing"
	stateOpen                = "open"
)

const (
	// StatusUnknown means the class was never loaded or has been unloaded.
	StatusUnknown Status = stateUnknown
	// StatusMissing means the loader has no code for the class.
	StatusMissing Status = stateMissing
	// StatusMissingDependencies means a declared dependency did not open.
	StatusMissingDependencies Status = stateMissingDependencies
	// StatusInitializing means the class init routine is running.
	StatusInitializing Status = stateInitializing
	// StatusOpen means the class is usable.
	StatusOpen Status = stateOpen
)

// String returns the canonical status name.
func (s Status) String() string {
	if s == "" {
		return stateUnknown
	}
	return string(s)
}

// Loaded reports whether the status implies a live load handle.
func (s Status) Loaded() bool {
	return s == StatusInitializing || s == StatusOpen
}

// Event types for the class lifecycle machine.
const (
	EventLoadFailed  = "LOAD_FAILED"
	EventInit        = "INIT"
	EventOpened      = "OPENED"
	EventDepsMissing = "DEPS_MISSING"
	EventUnload      = "UNLOAD"
	EventRetry       = "RETRY"
)

// lifecycleContext is the statekit context type for a class machine.
type lifecycleContext struct {
	Class string
}

// lifecycle drives the status of one class. Transitions are serialized by
// the registry's structural lock; mu lets handle holders read the status
// concurrently.
type lifecycle struct {
	mu     sync.Mutex
	interp *statekit.Interpreter[lifecycleContext]
}

func newLifecycle(name string) (*lifecycle, error) {
	machine, err := statekit.NewMachine[lifecycleContext]("objclass-" + name).
		WithInitial(stateUnknown).
		WithContext(lifecycleContext{Class: name}).
		State(stateUnknown).
		On(EventLoadFailed).Target(stateMissing).
		On(EventInit).Target(stateInitializing).Done().
		State(stateMissing).
		On(EventRetry).Target(stateUnknown).Done().
		State(stateInitializing).
		On(EventOpened).Target(stateOpen).
		On(EventDepsMissing).Target(stateMissingDependencies).
		On(EventUnload).Target(stateUnknown).Done().
		State(stateMissingDependencies).
		On(EventRetry).Target(stateUnknown).
		On(EventUnload).Target(stateUnknown).Done().
		State(stateOpen).
		On(EventUnload).Target(stateUnknown).Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("build lifecycle for %q: %w", name, err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &lifecycle{interp: interp}, nil
}

func (l *lifecycle) current() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status(l.interp.State().Value)
}

// fire sends ev and verifies the machine landed in want.
func (l *lifecycle) fire(ev string, want Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	from := Status(l.interp.State().Value)
	l.interp.Send(statekit.Event{Type: statekit.EventType(ev)})
	if got := Status(l.interp.State().Value); got != want {
		return fmt.Errorf("illegal transition %s on %s: now %s, expected %s", ev, from, got, want)
	}
	return nil
}
