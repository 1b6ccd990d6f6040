package hwstate

import (
	"testing"

	"github.com/gsq7474741/rpi-odor/internal/peripheral"
)

type fakeActuator struct{ commands []string }

func (f *fakeActuator) SendCommand(script string) error {
	f.commands = append(f.commands, script)
	return nil
}

func TestNewStartsIdle(t *testing.T) {
	m := New(nil, nil)
	if m.Current() != Idle {
		t.Errorf("expected Idle, got %v", m.Current())
	}
}

func TestCanTransitionToLegalAndIllegal(t *testing.T) {
	m := New(nil, nil)
	if !m.CanTransitionTo(DrainPreparing) {
		t.Error("expected Idle -> DrainPreparing to be legal")
	}
	if m.CanTransitionTo(DrainRunning) {
		t.Error("expected Idle -> DrainRunning to be illegal (must prepare first)")
	}
}

func TestRequestTransitionRejectsIllegalMove(t *testing.T) {
	m := New(nil, nil)
	if err := m.RequestTransition(DrainRunning); err == nil {
		t.Fatal("expected an error for an illegal direct transition")
	}
	if m.Current() != Idle {
		t.Errorf("expected state to remain Idle after a rejected transition, got %v", m.Current())
	}
}

func TestRequestTransitionAppliesProjectedL0Mode(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)
	m := New(l0, nil)

	if err := m.RequestTransition(DrainPreparing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Current() != DrainPreparing {
		t.Errorf("expected DrainPreparing, got %v", m.Current())
	}
	if l0.CurrentMode() != peripheral.Drain {
		t.Errorf("expected L0 projected into Drain, got %v", l0.CurrentMode())
	}
}

func TestForceTransitionSkipsLegalityCheck(t *testing.T) {
	m := New(nil, nil)
	if err := m.ForceTransition(SampleAcquiring); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Current() != SampleAcquiring {
		t.Errorf("expected SampleAcquiring, got %v", m.Current())
	}
}

func TestWashCycleAllowsRepeatedFillDrain(t *testing.T) {
	m := New(nil, nil)
	if err := m.ForceTransition(CleanFilling); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.CanTransitionTo(CleanDraining) {
		t.Error("expected CleanFilling -> CleanDraining to be legal")
	}
	if err := m.RequestTransition(CleanDraining); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.CanTransitionTo(CleanFilling) {
		t.Error("expected CleanDraining -> CleanFilling to be legal (wash repeat cycle)")
	}
}

func TestProjectCoversAllStates(t *testing.T) {
	cases := map[State]peripheral.Mode{
		Idle:              peripheral.Initial,
		InjectPreparing:   peripheral.Inject,
		InjectRunning:     peripheral.Inject,
		InjectStabilizing: peripheral.Inject,
		DrainPreparing:    peripheral.Drain,
		DrainRunning:      peripheral.Drain,
		CleanPreparing:    peripheral.Clean,
		CleanFilling:      peripheral.Clean,
		CleanDraining:     peripheral.Clean,
		SamplePreparing:   peripheral.Sample,
		SampleAcquiring:   peripheral.Sample,
		Error:             peripheral.Initial,
		EmergencyStop:     peripheral.Initial,
	}
	for state, want := range cases {
		if got := Project(state); got != want {
			t.Errorf("Project(%v) = %v, want %v", state, got, want)
		}
	}
}
