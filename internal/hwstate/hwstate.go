// Package hwstate implements the L1 hardware phase-state machine: 13 states
// providing phase-level granularity within (or around) an L0 coarse mode,
// with a static legal-transition table and bidirectional sync to L0.
package hwstate

import (
	"sync"

	"github.com/gsq7474741/rpi-odor/internal/obserr"
	"github.com/gsq7474741/rpi-odor/internal/obslog"
	"github.com/gsq7474741/rpi-odor/internal/peripheral"
)

type State int

const (
	Idle State = iota
	InjectPreparing
	InjectRunning
	InjectStabilizing
	DrainPreparing
	DrainRunning
	CleanPreparing
	CleanFilling
	CleanDraining
	SamplePreparing
	SampleAcquiring
	Error
	EmergencyStop
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case InjectPreparing:
		return "INJECT_PREPARING"
	case InjectRunning:
		return "INJECT_RUNNING"
	case InjectStabilizing:
		return "INJECT_STABILIZING"
	case DrainPreparing:
		return "DRAIN_PREPARING"
	case DrainRunning:
		return "DRAIN_RUNNING"
	case CleanPreparing:
		return "CLEAN_PREPARING"
	case CleanFilling:
		return "CLEAN_FILLING"
	case CleanDraining:
		return "CLEAN_DRAINING"
	case SamplePreparing:
		return "SAMPLE_PREPARING"
	case SampleAcquiring:
		return "SAMPLE_ACQUIRING"
	case Error:
		return "ERROR"
	case EmergencyStop:
		return "EMERGENCY_STOP"
	default:
		return "UNKNOWN"
	}
}

// Project is the total function L1 -> L0: every L1 state maps to exactly
// one L0 mode.
func Project(s State) peripheral.Mode {
	switch s {
	case InjectPreparing, InjectRunning, InjectStabilizing:
		return peripheral.Inject
	case DrainPreparing, DrainRunning:
		return peripheral.Drain
	case CleanPreparing, CleanFilling, CleanDraining:
		return peripheral.Clean
	case SamplePreparing, SampleAcquiring:
		return peripheral.Sample
	default: // Idle, Error, EmergencyStop
		return peripheral.Initial
	}
}

// legalSuccessors is the static L1 -> {L1} transition table.
var legalSuccessors = buildTransitionTable()

func buildTransitionTable() map[State]map[State]bool {
	t := make(map[State]map[State]bool)
	add := func(from State, to ...State) {
		if t[from] == nil {
			t[from] = make(map[State]bool)
		}
		for _, s := range to {
			t[from][s] = true
		}
	}

	add(Idle, InjectPreparing, DrainPreparing, CleanPreparing, SamplePreparing, Error, EmergencyStop)

	add(InjectPreparing, InjectRunning, Idle, Error, EmergencyStop)
	add(InjectRunning, InjectStabilizing, Idle, Error, EmergencyStop)
	add(InjectStabilizing, Idle, Error, EmergencyStop)

	add(DrainPreparing, DrainRunning, Idle, Error, EmergencyStop)
	add(DrainRunning, Idle, Error, EmergencyStop)

	add(CleanPreparing, CleanFilling, Idle, Error, EmergencyStop)
	add(CleanFilling, CleanDraining, Idle, Error, EmergencyStop)
	add(CleanDraining, CleanFilling, Idle, Error, EmergencyStop) // cycle within wash

	add(SamplePreparing, SampleAcquiring, Idle, Error, EmergencyStop)
	add(SampleAcquiring, Idle, Error, EmergencyStop)

	add(Error, Idle)
	add(EmergencyStop, Idle)

	return t
}

func legalSuccessorsOf(s State) map[State]bool {
	return legalSuccessors[s]
}

// L1 owns the current phase state, requests corresponding L0 transitions,
// and registers itself as L0's state-change observer for bidirectional
// sync.
type L1 struct {
	mu      sync.Mutex
	l0      *peripheral.L0
	log     *obslog.Logger
	current State
}

func New(l0 *peripheral.L0, log *obslog.Logger) *L1 {
	m := &L1{l0: l0, log: log, current: Idle}
	if l0 != nil {
		l0.SetObserver(m.onL0Changed)
	}
	return m
}

func (m *L1) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CanTransitionTo reports whether target is a legal successor of the
// current state, without mutating anything.
func (m *L1) CanTransitionTo(target State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return legalSuccessorsOf(m.current)[target]
}

// RequestTransition succeeds iff target is a legal successor of the
// current state. On success it requests the projected L0 transition.
func (m *L1) RequestTransition(target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !legalSuccessorsOf(m.current)[target] {
		return obserr.StateTransition(m.current.String(), target.String())
	}
	return m.applyLocked(target)
}

// ForceTransition skips legality checks; used by emergency stop and by
// rollback paths, which must not be rejected by the legal-transition table
// while the system is already in an abnormal state.
func (m *L1) ForceTransition(target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(target)
}

func (m *L1) applyLocked(target State) error {
	m.current = target
	if m.log != nil {
		m.log.WithField("l1_state", target.String()).Debug("l1 transition")
	}
	if m.l0 == nil {
		return nil
	}
	// L0 notifies onL0Changed synchronously, which takes mu: release it
	// for the duration of the L0 call.
	m.mu.Unlock()
	defer m.mu.Lock()
	return m.l0.TransitionTo(Project(target))
}

// onL0Changed is L0's state-change observer: when L0 changes via an
// external path, map the new L0 mode to a representative L1 state and
// overwrite L1's current state — unless L1's projection already matches,
// which breaks the otherwise-infinite observer cycle.
func (m *L1) onL0Changed(_, newMode peripheral.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if Project(m.current) == newMode {
		return
	}
	m.current = representative(newMode)
	if m.log != nil {
		m.log.WithField("l1_state", m.current.String()).Debug("l1 synced from external l0 transition")
	}
}

func representative(mode peripheral.Mode) State {
	switch mode {
	case peripheral.Inject:
		return InjectRunning
	case peripheral.Drain:
		return DrainRunning
	case peripheral.Clean:
		return CleanFilling
	case peripheral.Sample:
		return SampleAcquiring
	default:
		return Idle
	}
}
