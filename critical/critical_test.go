package critical

import (
	"sync"
	"testing"
)

type countingSafepoints struct {
	mu       sync.Mutex
	blocked  int
	released int
}

func (c *countingSafepoints) BlockSafepoints() func() {
	c.mu.Lock()
	c.blocked++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.released++
		c.mu.Unlock()
	}
}

func TestSectionActive(t *testing.T) {
	if Active() {
		t.Fatal("no section should be active initially")
	}

	s := Enter("test", nil)
	if !Active() {
		t.Error("Active should be true inside a section")
	}
	if s.Reason() != "test" {
		t.Errorf("Reason() = %q, want test", s.Reason())
	}
	s.Exit()

	if Active() {
		t.Error("Active should be false after Exit")
	}
}

func TestSectionIsPerGoroutine(t *testing.T) {
	s := Enter("outer", nil)
	defer s.Exit()

	var other bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		other = Active()
	}()
	wg.Wait()

	if other {
		t.Error("section leaked into another goroutine")
	}
}

func TestNestedSectionsBlockSafepointsOnce(t *testing.T) {
	sp := &countingSafepoints{}

	outer := Enter("outer", sp)
	inner := Enter("inner", sp)
	inner.Exit()

	if !Active() {
		t.Error("outer section should still be active")
	}
	outer.Exit()

	if sp.blocked != 1 || sp.released != 1 {
		t.Errorf("blocked=%d released=%d, want 1/1", sp.blocked, sp.released)
	}
}

func TestAssertInterruptible(t *testing.T) {
	// Outside a section this is a no-op.
	AssertInterruptible("allocate")

	s := Enter("commit", nil)
	defer s.Exit()

	defer func() {
		r := recover()
		v, ok := r.(*Violation)
		if !ok {
			t.Fatalf("expected *Violation, got %v", r)
		}
		if v.Operation != "allocate" || v.Reason != "commit" {
			t.Errorf("unexpected violation %+v", v)
		}
	}()
	AssertInterruptible("allocate")
	t.Fatal("AssertInterruptible should have panicked")
}

func TestExitTwicePanics(t *testing.T) {
	s := Enter("twice", nil)
	s.Exit()

	defer func() {
		if recover() == nil {
			t.Error("second Exit should panic")
		}
	}()
	s.Exit()
}
