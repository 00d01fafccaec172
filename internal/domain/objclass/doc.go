// Package objclass manages the lifecycle of object classes: named bundles of
// methods and filters that a storage node invokes while it serves requests.
//
// A Registry loads a class on first use, hands out reference-counted Handles
// and unloads the class again only when every Handle has been released. Each
// class name owns a Gate that is created on first reference and lives for the
// lifetime of the Registry, so a class can go through any number of
// unload/reload cycles.
//
// Lifecycle of a class:
//
//	unknown ──load ok──▶ initializing ──deps ok──▶ open
//	   │                      │                     │
//	   │ loader: missing      │ deps missing        │ close (drained)
//	   ▼                      ▼                     ▼
//	missing            missing_dependencies      unknown
//
// Timeouts passed to Open, Close and the Gate follow one policy: zero is a
// non-blocking probe, a negative value waits forever, a positive value waits
// at most that long.
package objclass
