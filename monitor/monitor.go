// Package monitor implements object monitors with reentrant, goroutine
// owned locking and the two-phase relock protocol used by deoptimization.
package monitor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"

	"github.com/chazu/deoptkit/critical"
	"github.com/chazu/deoptkit/heap"
)

var log = commonlog.GetLogger("deopt.monitor")

// ---------------------------------------------------------------------------
// Monitor: reentrant lock attached to a heap object
// ---------------------------------------------------------------------------

// Monitor is the lock of one object. The underlying mutex is held for as
// long as any goroutine owns the monitor.
type Monitor struct {
	object *heap.Object
	mu     deadlock.Mutex

	state sync.Mutex // protects owner and count
	owner int64
	count int
}

// Object returns the object this monitor belongs to.
func (m *Monitor) Object() *heap.Object {
	return m.object
}

func (m *Monitor) enter(gid int64) {
	m.state.Lock()
	if m.count > 0 && m.owner == gid {
		m.count++
		m.state.Unlock()
		return
	}
	m.state.Unlock()

	m.mu.Lock()

	m.state.Lock()
	m.owner = gid
	m.count = 1
	m.state.Unlock()
}

func (m *Monitor) exit(gid int64) {
	m.state.Lock()
	if m.count == 0 || m.owner != gid {
		m.state.Unlock()
		panic(fmt.Sprintf("monitor: exit of %v by goroutine %d which does not own it", m.object, gid))
	}
	m.count--
	release := m.count == 0
	if release {
		m.owner = 0
	}
	m.state.Unlock()

	if release {
		m.mu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// LockState is the opaque data produced by PrepareRelock. It carries the
// inflated monitor so DoRelock does not need to allocate.
type LockState struct {
	monitor *Monitor
	Depth   int
}

// Manager owns the monitors of a heap.
type Manager struct {
	mu       sync.Mutex
	monitors map[*heap.Object]*Monitor

	relocks atomic.Uint64
}

// NewManager creates a monitor manager with no inflated monitors.
func NewManager() *Manager {
	return &Manager{
		monitors: make(map[*heap.Object]*Monitor),
	}
}

// monitorFor returns the monitor of o, inflating it on first use.
func (mm *Manager) monitorFor(o *heap.Object) *Monitor {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	m := mm.monitors[o]
	if m == nil {
		m = &Monitor{object: o}
		mm.monitors[o] = m
	}
	return m
}

// Enter acquires the monitor of o for the calling goroutine, blocking if
// another goroutine owns it.
func (mm *Manager) Enter(o *heap.Object) {
	critical.AssertInterruptible("monitor enter")
	mm.monitorFor(o).enter(goid.Get())
}

// Exit releases one level of ownership of o's monitor.
func (mm *Manager) Exit(o *heap.Object) {
	mm.monitorFor(o).exit(goid.Get())
}

// Owner reports the goroutine that owns o's monitor and the recursion
// depth. A zero depth means the monitor is free.
func (mm *Manager) Owner(o *heap.Object) (gid int64, depth int) {
	mm.mu.Lock()
	m := mm.monitors[o]
	mm.mu.Unlock()
	if m == nil {
		return 0, 0
	}

	m.state.Lock()
	defer m.state.Unlock()
	return m.owner, m.count
}

// HoldsLock reports whether the calling goroutine owns o's monitor.
func (mm *Manager) HoldsLock(o *heap.Object) bool {
	gid, depth := mm.Owner(o)
	return depth > 0 && gid == goid.Get()
}

// PrepareRelock inflates o's monitor ahead of a relock. It may allocate
// and is called while the deoptimized frame is still being staged.
func (mm *Manager) PrepareRelock(o *heap.Object) any {
	critical.AssertInterruptible("prepare relock")
	return &LockState{monitor: mm.monitorFor(o), Depth: 1}
}

// DoRelock reacquires o's monitor for the calling goroutine using the
// state produced by PrepareRelock. It may block.
func (mm *Manager) DoRelock(o *heap.Object, state any) {
	critical.AssertInterruptible("monitor relock")

	ls, ok := state.(*LockState)
	if !ok || ls.monitor == nil {
		panic(fmt.Sprintf("monitor: relock of %v with foreign lock state %T", o, state))
	}
	if ls.monitor.object != o {
		panic(fmt.Sprintf("monitor: relock state for %v used for %v", ls.monitor.object, o))
	}

	gid := goid.Get()
	for i := 0; i < ls.Depth; i++ {
		ls.monitor.enter(gid)
	}
	mm.relocks.Add(1)
	log.Debugf("relocked %v (depth %d) for goroutine %d", o, ls.Depth, gid)
}

// Relocks returns the number of DoRelock calls performed.
func (mm *Manager) Relocks() uint64 {
	return mm.relocks.Load()
}

// Count returns the number of inflated monitors.
func (mm *Manager) Count() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return len(mm.monitors)
}
