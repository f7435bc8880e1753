// Package critical marks regions of code that must run to completion
// without reaching a safepoint.
//
// A Section is entered by the goroutine that is about to write raw,
// collector-invisible memory (the deoptimizer's frame buffer). While the
// section is open:
//   - the collector cannot start a stop-the-world phase (the section
//     holds the heap's safepoint read lock through a Safepoints value)
//   - allocating or blocking operations that call AssertInterruptible
//     on the same goroutine fail fatally
//
// Sections nest; the safepoint lock is only taken by the outermost one.
package critical

import (
	"fmt"
	"sync"

	"github.com/petermattis/goid"
)

// Safepoints is implemented by the memory manager. BlockSafepoints
// prevents any stop-the-world operation from starting until the returned
// release function runs.
type Safepoints interface {
	BlockSafepoints() (release func())
}

// Violation is panicked when an operation that may reach a safepoint is
// attempted inside a Section.
type Violation struct {
	Operation string
	Reason    string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("critical: %s inside uninterruptible section (%s)", v.Operation, v.Reason)
}

// Section is an open uninterruptible region owned by one goroutine.
type Section struct {
	reason  string
	gid     int64
	release func()
	closed  bool
}

type goroutineState struct {
	depth   int
	reasons []string
}

var (
	statesMu sync.Mutex
	states   = make(map[int64]*goroutineState)
)

// Enter opens a section on the calling goroutine. sp may be nil when no
// collector needs to be held off (unit tests of pure buffer code).
func Enter(reason string, sp Safepoints) *Section {
	gid := goid.Get()

	statesMu.Lock()
	st := states[gid]
	if st == nil {
		st = &goroutineState{}
		states[gid] = st
	}
	outermost := st.depth == 0
	st.depth++
	st.reasons = append(st.reasons, reason)
	statesMu.Unlock()

	s := &Section{reason: reason, gid: gid}
	if outermost && sp != nil {
		s.release = sp.BlockSafepoints()
	}
	return s
}

// Exit closes the section. It must be called on the goroutine that
// entered it, exactly once.
func (s *Section) Exit() {
	if s.closed {
		panic("critical: section exited twice")
	}
	if gid := goid.Get(); gid != s.gid {
		panic(fmt.Sprintf("critical: section %q entered on goroutine %d, exited on %d", s.reason, s.gid, gid))
	}
	s.closed = true

	statesMu.Lock()
	st := states[s.gid]
	st.depth--
	st.reasons = st.reasons[:len(st.reasons)-1]
	if st.depth == 0 {
		delete(states, s.gid)
	}
	statesMu.Unlock()

	if s.release != nil {
		s.release()
	}
}

// Reason returns the reason the section was opened with.
func (s *Section) Reason() string {
	return s.reason
}

// Active reports whether the calling goroutine is inside a section.
func Active() bool {
	gid := goid.Get()
	statesMu.Lock()
	defer statesMu.Unlock()
	return states[gid] != nil
}

// AssertInterruptible panics with a *Violation if the calling goroutine
// is inside a section. Operations that allocate, block or poll for a
// safepoint call this on entry.
func AssertInterruptible(operation string) {
	gid := goid.Get()
	statesMu.Lock()
	st := states[gid]
	var reason string
	if st != nil {
		reason = st.reasons[len(st.reasons)-1]
	}
	statesMu.Unlock()

	if st != nil {
		panic(&Violation{Operation: operation, Reason: reason})
	}
}
