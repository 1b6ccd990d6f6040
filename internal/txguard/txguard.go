// Package txguard implements the scoped-acquisition transaction guard: the
// single most important idiom carried over from the source design.
// Construction records a restore target and optionally requests a
// transition; Close guarantees a rollback to the restore target unless
// Commit (or a CommitWith* variant) was called first.
//
// Go has no destructors, so the guaranteed-rollback contract is expressed
// with the standard defer/Close idiom: callers must `defer guard.Close()`
// immediately after construction.
package txguard

import (
	"github.com/gsq7474741/rpi-odor/internal/hwstate"
	"github.com/gsq7474741/rpi-odor/internal/obslog"
	"github.com/gsq7474741/rpi-odor/internal/peripheral"
)

// L0Guard scopes an L0 peripheral-mode acquisition.
type L0Guard struct {
	l0        *peripheral.L0
	log       *obslog.Logger
	initial   peripheral.Mode
	committed bool
	closed    bool
}

// OpenL0 records the current L0 mode and, if target is non-nil, requests a
// transition to it.
func OpenL0(l0 *peripheral.L0, log *obslog.Logger, target *peripheral.Mode) (*L0Guard, error) {
	g := &L0Guard{l0: l0, log: log, initial: l0.CurrentMode()}
	if target != nil {
		if err := l0.TransitionTo(*target); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *L0Guard) InitialMode() peripheral.Mode { return g.initial }

// Commit leaves the L0 mode wherever it currently is.
func (g *L0Guard) Commit() {
	g.committed = true
}

// CommitWithState transitions to final, then commits.
func (g *L0Guard) CommitWithState(final peripheral.Mode) error {
	if err := g.l0.TransitionTo(final); err != nil {
		return err
	}
	g.committed = true
	return nil
}

// CommitAndRestore transitions back to the initial mode, then commits. This
// is the success path for primitives that should always leave the
// instrument at the mode it started in.
func (g *L0Guard) CommitAndRestore() error {
	return g.CommitWithState(g.initial)
}

// Close guarantees rollback to the initial mode unless committed. Calling it
// a second time panics.
func (g *L0Guard) Close() {
	if g.closed {
		panic("txguard: L0Guard closed twice")
	}
	g.closed = true
	if g.committed {
		return
	}
	if err := g.l0.TransitionTo(g.initial); err != nil && g.log != nil {
		g.log.WithError(err).Error("l0 guard rollback failed")
		return
	}
	if g.log != nil {
		g.log.WithField("restored_to", g.initial.String()).Warn("l0 guard rolled back")
	}
}

// L1Guard scopes an L1 hardware phase-state acquisition. It tolerates a nil
// state machine: callers that don't need L1 integration get a silently
// inert guard.
type L1Guard struct {
	l1        *hwstate.L1
	log       *obslog.Logger
	initial   hwstate.State
	committed bool
	closed    bool
}

// OpenL1 records the current L1 state and, if target is non-nil, requests a
// transition to it. If l1 is nil the guard is immediately committed and
// inert.
func OpenL1(l1 *hwstate.L1, log *obslog.Logger, target *hwstate.State) (*L1Guard, error) {
	if l1 == nil {
		if log != nil {
			log.Warn("l1 guard opened with nil state machine; inert")
		}
		return &L1Guard{committed: true}, nil
	}
	g := &L1Guard{l1: l1, log: log, initial: l1.Current()}
	if target != nil {
		if err := l1.RequestTransition(*target); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *L1Guard) IsValid() bool { return g.l1 != nil }

func (g *L1Guard) InitialState() hwstate.State { return g.initial }

func (g *L1Guard) Commit() {
	g.committed = true
}

func (g *L1Guard) CommitWithState(final hwstate.State) error {
	if g.l1 == nil {
		g.committed = true
		return nil
	}
	if err := g.l1.RequestTransition(final); err != nil {
		return err
	}
	g.committed = true
	return nil
}

func (g *L1Guard) CommitAndRestore() error {
	return g.CommitWithState(g.initial)
}

// Close guarantees rollback via ForceTransition (not RequestTransition) to
// avoid tripping legality rules during error handling.
func (g *L1Guard) Close() {
	if g.closed {
		panic("txguard: L1Guard closed twice")
	}
	g.closed = true
	if g.committed || g.l1 == nil {
		return
	}
	if err := g.l1.ForceTransition(g.initial); err != nil && g.log != nil {
		g.log.WithError(err).Error("l1 guard rollback failed")
		return
	}
	if g.log != nil {
		g.log.WithField("restored_to", g.initial.String()).Warn("l1 guard rolled back")
	}
}
