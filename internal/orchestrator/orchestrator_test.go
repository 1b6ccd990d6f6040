package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/gsq7474741/rpi-odor/internal/executors"
	"github.com/gsq7474741/rpi-odor/internal/loadcell"
	"github.com/gsq7474741/rpi-odor/internal/program"
	"github.com/gsq7474741/rpi-odor/internal/store"
	"github.com/gsq7474741/rpi-odor/internal/validator"
)

type fakeRepo struct {
	openCount  int
	closedWith string
	closedErr  string
	consumed   []store.ConsumableEvent
}

func (f *fakeRepo) OpenRun(ctx context.Context, programID, programVersion string) (string, error) {
	f.openCount++
	return "run-1", nil
}

func (f *fakeRepo) CloseRun(ctx context.Context, runID string, outcome string, errMsg string) error {
	f.closedWith = outcome
	f.closedErr = errMsg
	return nil
}

func (f *fakeRepo) RecordConsumable(ctx context.Context, runID string, ev store.ConsumableEvent) error {
	f.consumed = append(f.consumed, ev)
	return nil
}

func (f *fakeRepo) LoadCalibration(ctx context.Context) (loadcell.Calibration, error) {
	return loadcell.Calibration{}, nil
}

func (f *fakeRepo) SaveCalibration(ctx context.Context, c loadcell.Calibration) error {
	return nil
}

func simpleProgram() *program.Program {
	return &program.Program{
		ID:      "p1",
		Version: "1",
		Hardware: program.Hardware{
			BottleCapacityML: 150,
			MaxFillML:        100,
			Liquids: []program.Liquid{
				{ID: "water", Name: "Water", PumpIndex: 0, AvailableML: 1000, DensityGML: 1.0},
			},
		},
		Steps: []program.Step{
			{Name: "wait a bit", Kind: program.ActionWait, Wait: program.WaitAction{Condition: program.WaitDuration, DurationS: 0.01, TimeoutS: 1}},
		},
	}
}

func newTestOrchestrator(repo store.Repository) *Orchestrator {
	o := New(Deps{Validator: validator.New(nil), Repo: repo})
	f := executors.NewFactory(executors.Deps{})
	o.SetFactory(f)
	return o
}

func waitForState(t *testing.T, o *Orchestrator, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if o.GetExperimentStatus().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, o.GetExperimentStatus().State)
}

func TestLoadProgramRejectsInvalidProgram(t *testing.T) {
	o := newTestOrchestrator(&fakeRepo{})
	res := o.LoadProgram(&program.Program{ID: "bad"})
	if res.Success {
		t.Fatal("expected an empty program with no steps to fail validation")
	}
	if o.GetExperimentStatus().State != Idle {
		t.Errorf("expected state to remain Idle after a rejected load, got %v", o.GetExperimentStatus().State)
	}
}

func TestLoadProgramAcceptsValidProgram(t *testing.T) {
	o := newTestOrchestrator(&fakeRepo{})
	res := o.LoadProgram(simpleProgram())
	if !res.Success {
		t.Fatalf("expected a valid program to load, got: %s", res.ErrorMessage)
	}
	if o.GetExperimentStatus().State != Loaded {
		t.Errorf("expected Loaded, got %v", o.GetExperimentStatus().State)
	}
}

func TestStartExperimentRequiresLoadedState(t *testing.T) {
	o := newTestOrchestrator(&fakeRepo{})
	if err := o.StartExperiment(context.Background()); err == nil {
		t.Fatal("expected an error starting without a loaded program")
	}
}

func TestFullLifecycleRunsToCompletion(t *testing.T) {
	repo := &fakeRepo{}
	o := newTestOrchestrator(repo)

	if res := o.LoadProgram(simpleProgram()); !res.Success {
		t.Fatalf("load failed: %s", res.ErrorMessage)
	}
	if err := o.StartExperiment(context.Background()); err != nil {
		t.Fatalf("unexpected error starting: %v", err)
	}
	if st := o.GetExperimentStatus().State; st != Running {
		t.Errorf("expected Running immediately after start, got %v", st)
	}

	waitForState(t, o, Completed, time.Second)
	if repo.openCount != 1 {
		t.Errorf("expected exactly one OpenRun call, got %d", repo.openCount)
	}
	if repo.closedWith != "completed" {
		t.Errorf("expected CloseRun outcome 'completed', got %q", repo.closedWith)
	}
}

func TestPauseAndResumeExperiment(t *testing.T) {
	o := newTestOrchestrator(&fakeRepo{})
	o.LoadProgram(simpleProgram())
	if err := o.StartExperiment(context.Background()); err != nil {
		t.Fatalf("unexpected error starting: %v", err)
	}
	if err := o.PauseExperiment(); err != nil {
		t.Fatalf("unexpected error pausing: %v", err)
	}
	if st := o.GetExperimentStatus().State; st != Paused {
		t.Fatalf("expected Paused, got %v", st)
	}
	if err := o.ResumeExperiment(); err != nil {
		t.Fatalf("unexpected error resuming: %v", err)
	}
	waitForState(t, o, Completed, time.Second)
}

func TestStopExperimentAbortsRunningExperiment(t *testing.T) {
	repo := &fakeRepo{}
	o := newTestOrchestrator(repo)
	longProgram := simpleProgram()
	longProgram.Steps[0].Wait.DurationS = 5
	longProgram.Steps[0].Wait.TimeoutS = 10
	o.LoadProgram(longProgram)
	if err := o.StartExperiment(context.Background()); err != nil {
		t.Fatalf("unexpected error starting: %v", err)
	}

	if err := o.StopExperiment(); err != nil {
		t.Fatalf("unexpected error stopping: %v", err)
	}
	waitForState(t, o, Aborted, time.Second)
	if repo.closedWith != "aborted" {
		t.Errorf("expected CloseRun outcome 'aborted', got %q", repo.closedWith)
	}
}

func TestStopExperimentFromIdleIsNoop(t *testing.T) {
	o := newTestOrchestrator(&fakeRepo{})
	if err := o.StopExperiment(); err != nil {
		t.Fatalf("unexpected error stopping an idle orchestrator: %v", err)
	}
	if o.GetExperimentStatus().State != Idle {
		t.Errorf("expected to remain Idle, got %v", o.GetExperimentStatus().State)
	}
}

func TestStopExperimentFromLoadedUnloadsToIdle(t *testing.T) {
	o := newTestOrchestrator(&fakeRepo{})
	o.LoadProgram(simpleProgram())
	if err := o.StopExperiment(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := o.GetExperimentStatus().State; st != Idle {
		t.Errorf("expected Idle after stopping a loaded-but-not-started program, got %v", st)
	}
}

func TestSubscribeExperimentEventsReceivesLifecycleEvents(t *testing.T) {
	o := newTestOrchestrator(&fakeRepo{})
	ch, unsubscribe := o.SubscribeExperimentEvents()
	defer unsubscribe()

	o.LoadProgram(simpleProgram())
	select {
	case evt := <-ch:
		if evt.Type != EventProgramLoaded {
			t.Errorf("expected EventProgramLoaded, got %v", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a program-loaded event")
	}
}
