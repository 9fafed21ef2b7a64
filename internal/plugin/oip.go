package plugin

import "sync"

// OIPState is the reporting state of a long-running manager operation
// (spec §5: "each operation-in-progress exposes a state (waiting |
// progress | success | fail)").
type OIPState string

const (
	OIPWaiting  OIPState = "waiting"
	OIPProgress OIPState = "progress"
	OIPSuccess  OIPState = "success"
	OIPFail     OIPState = "fail"
)

// OIPSnapshot is an immutable, safe-to-publish view of an OIP at one
// instant.
type OIPSnapshot struct {
	Label   string
	State   OIPState
	Current int64
	End     int64
	Sub     []OIPSnapshot
}

// OIP ("operation in progress") tracks one install/upgrade/download with
// an optional download sub-operation, published over a Manager's update
// channel for internal/status to stream out.
type OIP struct {
	mu      sync.Mutex
	label   string
	state   OIPState
	current int64
	end     int64
	sub     *OIP
}

func newOIP(label string) *OIP {
	return &OIP{label: label, state: OIPWaiting}
}

func (o *OIP) setState(s OIPState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *OIP) setProgress(current, end int64) {
	o.mu.Lock()
	o.state = OIPProgress
	o.current = current
	o.end = end
	o.mu.Unlock()
}

func (o *OIP) addSub(label string) *OIP {
	sub := newOIP(label)
	o.mu.Lock()
	o.sub = sub
	o.mu.Unlock()
	return sub
}

// Snapshot returns a safe-to-publish copy of the current state.
func (o *OIP) Snapshot() OIPSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := OIPSnapshot{Label: o.label, State: o.state, Current: o.current, End: o.end}
	if o.sub != nil {
		snap.Sub = []OIPSnapshot{o.sub.Snapshot()}
	}
	return snap
}

// OIPUpdate is one published change, keyed by the plugin id the operation
// targets.
type OIPUpdate struct {
	PluginID string
	Snapshot OIPSnapshot
}

// LifecycleKind names a plugin load/unload notification (spec §4.3: "load
// notifies observers of load(id)").
type LifecycleKind string

const (
	LifecycleLoaded   LifecycleKind = "load"
	LifecycleUnloaded LifecycleKind = "unload"
)

// LifecycleEvent is published on a Manager's event channel whenever a
// plugin finishes loading or unloading.
type LifecycleEvent struct {
	Kind LifecycleKind
	ID   string
}
