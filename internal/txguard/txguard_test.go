package txguard

import (
	"testing"

	"github.com/gsq7474741/rpi-odor/internal/hwstate"
	"github.com/gsq7474741/rpi-odor/internal/peripheral"
)

type fakeActuator struct{}

func (f *fakeActuator) SendCommand(script string) error { return nil }

func TestL0GuardRollsBackOnClose(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)

	target := peripheral.Sample
	g, err := OpenL0(l0, nil, &target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l0.CurrentMode() != peripheral.Sample {
		t.Fatalf("expected Sample after open, got %v", l0.CurrentMode())
	}
	g.Close()
	if l0.CurrentMode() != peripheral.Initial {
		t.Errorf("expected rollback to Initial, got %v", l0.CurrentMode())
	}
}

func TestL0GuardCommitAndRestoreSkipsRollback(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)

	target := peripheral.Drain
	g, err := OpenL0(l0, nil, &target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.CommitAndRestore(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l0.CurrentMode() != peripheral.Initial {
		t.Errorf("expected CommitAndRestore to land on Initial, got %v", l0.CurrentMode())
	}
	// Close after commit must not re-transition or panic.
	g.Close()
}

func TestL0GuardClosedTwicePanics(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)
	g, err := OpenL0(l0, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g.Close()
	defer func() {
		if recover() == nil {
			t.Error("expected a panic on double Close")
		}
	}()
	g.Close()
}

func TestL1GuardNilStateMachineIsInert(t *testing.T) {
	target := hwstate.DrainPreparing
	g, err := OpenL1(nil, nil, &target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.IsValid() {
		t.Error("expected an inert guard for a nil state machine")
	}
	if err := g.CommitAndRestore(); err != nil {
		t.Fatalf("unexpected error from an inert guard: %v", err)
	}
	g.Close() // must not panic even though already committed
}

func TestL1GuardRollsBackViaForceTransition(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)
	m := hwstate.New(l0, nil)

	target := hwstate.DrainPreparing
	g, err := OpenL1(m, nil, &target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Current() != hwstate.DrainPreparing {
		t.Fatalf("expected DrainPreparing, got %v", m.Current())
	}
	g.Close()
	if m.Current() != hwstate.Idle {
		t.Errorf("expected rollback to Idle, got %v", m.Current())
	}
}
