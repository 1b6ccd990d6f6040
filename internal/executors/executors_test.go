package executors

import (
	"context"
	"testing"
	"time"

	"github.com/gsq7474741/rpi-odor/internal/hwstate"
	"github.com/gsq7474741/rpi-odor/internal/peripheral"
	"github.com/gsq7474741/rpi-odor/internal/program"
)

type fakeActuator struct{ commands []string }

func (f *fakeActuator) SendCommand(script string) error {
	f.commands = append(f.commands, script)
	return nil
}

func testProgram() *program.Program {
	return &program.Program{
		ID: "p1",
		Hardware: program.Hardware{
			BottleCapacityML: 150,
			MaxFillML:        100,
			Liquids: []program.Liquid{
				{ID: "water", Name: "Water", PumpIndex: 0, AvailableML: 1000, DensityGML: 1.0},
			},
		},
	}
}

func TestDrainExecutorWithoutLoadCellFallsBackToTimeout(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)
	e := &drainExecutor{deps: Deps{L0: l0}}

	step := program.Step{Kind: program.ActionDrain, Drain: program.DrainAction{TimeoutS: 0.01}}
	pre := e.CheckPreconditions(testProgram(), step)
	if !pre.Satisfied {
		t.Fatalf("expected preconditions satisfied, got failed: %v", pre.Failed)
	}

	res := e.Execute(context.Background(), testProgram(), step, nil)
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.ErrorMessage)
	}
	if l0.CurrentMode() != peripheral.Initial {
		t.Errorf("expected L0 restored to Initial after drain, got %v", l0.CurrentMode())
	}
}

func TestDrainExecutorRejectsWrongStartingMode(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)
	if err := l0.TransitionTo(peripheral.Sample); err != nil {
		t.Fatalf("unexpected error priming L0: %v", err)
	}
	e := &drainExecutor{deps: Deps{L0: l0}}

	step := program.Step{Kind: program.ActionDrain, Drain: program.DrainAction{TimeoutS: 0.01}}
	pre := e.CheckPreconditions(testProgram(), step)
	if pre.Satisfied {
		t.Fatal("expected preconditions to fail from Sample mode")
	}
}

func TestInjectExecutorRejectsBadComponentRatios(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)
	e := &injectExecutor{deps: Deps{L0: l0}}

	step := program.Step{Kind: program.ActionInject, Inject: program.InjectAction{
		TargetVolumeML: 10,
		Components:     []program.Component{{LiquidID: "water", Ratio: 0.5}},
		FlowRateMLMin:  60,
		StableTimeoutS: 0.01,
	}}
	pre := e.CheckPreconditions(testProgram(), step)
	if pre.Satisfied {
		t.Fatal("expected a precondition failure for ratios not summing to 1.0")
	}
}

func TestInjectExecutorRunsToStableTimeout(t *testing.T) {
	act := &fakeActuator{}
	l0 := peripheral.New(act, nil)
	e := &injectExecutor{deps: Deps{L0: l0}}

	step := program.Step{Kind: program.ActionInject, Inject: program.InjectAction{
		TargetVolumeML: 10,
		Components:     []program.Component{{LiquidID: "water", Ratio: 1.0}},
		FlowRateMLMin:  600,
		StableTimeoutS: 0.01,
	}}
	res := e.Execute(context.Background(), testProgram(), step, nil)
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.ErrorMessage)
	}
	if len(act.commands) == 0 {
		t.Error("expected the inject primitive to issue at least one actuator command")
	}
	if l0.CurrentMode() != peripheral.Initial {
		t.Errorf("expected L0 restored to Initial after inject, got %v", l0.CurrentMode())
	}
}

func TestInjectExecutorUnknownLiquidFails(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)
	e := &injectExecutor{deps: Deps{L0: l0}}

	step := program.Step{Kind: program.ActionInject, Inject: program.InjectAction{
		TargetVolumeML: 10,
		Components:     []program.Component{{LiquidID: "nope", Ratio: 1.0}},
		FlowRateMLMin:  60,
		StableTimeoutS: 0.01,
	}}
	res := e.Execute(context.Background(), testProgram(), step, nil)
	if res.Success {
		t.Fatal("expected failure for an unknown liquid id")
	}
}

func TestAcquireExecutorRunsForDuration(t *testing.T) {
	act := &fakeActuator{}
	l0 := peripheral.New(act, nil)
	e := &acquireExecutor{deps: Deps{L0: l0}}

	step := program.Step{Kind: program.ActionAcquire, Acquire: program.AcquireAction{
		GasPumpPWM:  50,
		Termination: program.AcquireDuration,
		DurationS:   0.01,
	}}
	start := time.Now()
	res := e.Execute(context.Background(), testProgram(), step, nil)
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.ErrorMessage)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("expected the acquire primitive to wait at least the requested duration")
	}
	if l0.CurrentMode() != peripheral.Initial {
		t.Errorf("expected L0 restored to Initial after acquire, got %v", l0.CurrentMode())
	}
}

func TestAcquireExecutorRejectsOutOfRangePWM(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)
	e := &acquireExecutor{deps: Deps{L0: l0}}

	step := program.Step{Kind: program.ActionAcquire, Acquire: program.AcquireAction{GasPumpPWM: 150, Termination: program.AcquireDuration, DurationS: 0.01}}
	pre := e.CheckPreconditions(testProgram(), step)
	if pre.Satisfied {
		t.Fatal("expected a precondition failure for PWM out of [0, 100]")
	}
}

func TestWashExecutorRunsRepeatCycles(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)
	e := &washExecutor{deps: Deps{L0: l0}}

	step := program.Step{Kind: program.ActionWash, Wash: program.WashAction{
		RepeatCount:   2,
		TargetWeightG: 10,
		FillTimeoutS:  0.01,
		DrainTimeoutS: 0.01,
	}}
	res := e.Execute(context.Background(), testProgram(), step, nil)
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.ErrorMessage)
	}
	if l0.CurrentMode() != peripheral.Initial {
		t.Errorf("expected L0 restored to Initial after wash, got %v", l0.CurrentMode())
	}
}

func TestWashExecutorRunsRepeatCyclesWithL1Wired(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)
	l1 := hwstate.New(l0, nil)
	e := &washExecutor{deps: Deps{L0: l0, L1: l1}}

	step := program.Step{Kind: program.ActionWash, Wash: program.WashAction{
		RepeatCount:   3,
		TargetWeightG: 10,
		FillTimeoutS:  0.01,
		DrainTimeoutS: 0.01,
	}}
	res := e.Execute(context.Background(), testProgram(), step, nil)
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.ErrorMessage)
	}
	if l1.Current() != hwstate.Idle {
		t.Errorf("expected L1 restored to Idle after wash, got %v", l1.Current())
	}
	if l0.CurrentMode() != peripheral.Initial {
		t.Errorf("expected L0 restored to Initial after wash, got %v", l0.CurrentMode())
	}
}

func TestWashExecutorRejectsNonPositiveRepeatCount(t *testing.T) {
	l0 := peripheral.New(&fakeActuator{}, nil)
	e := &washExecutor{deps: Deps{L0: l0}}

	step := program.Step{Kind: program.ActionWash, Wash: program.WashAction{RepeatCount: 0, TargetWeightG: 10}}
	pre := e.CheckPreconditions(testProgram(), step)
	if pre.Satisfied {
		t.Fatal("expected a precondition failure for a non-positive repeat count")
	}
}

func TestWaitExecutorDuration(t *testing.T) {
	e := &waitExecutor{}
	step := program.Step{Kind: program.ActionWait, Wait: program.WaitAction{Condition: program.WaitDuration, DurationS: 0.01, TimeoutS: 1}}
	res := e.Execute(context.Background(), testProgram(), step, nil)
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.ErrorMessage)
	}
}

func TestWaitExecutorRejectsMissingCondition(t *testing.T) {
	e := &waitExecutor{}
	step := program.Step{Kind: program.ActionWait, Wait: program.WaitAction{TimeoutS: 1}}
	pre := e.CheckPreconditions(testProgram(), step)
	if pre.Satisfied {
		t.Fatal("expected a precondition failure for a missing wait condition")
	}
}

func TestWaitExecutorCancelledContextStopsEarly(t *testing.T) {
	e := &waitExecutor{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	step := program.Step{Kind: program.ActionWait, Wait: program.WaitAction{Condition: program.WaitDuration, DurationS: 5, TimeoutS: 5}}
	res := e.Execute(ctx, testProgram(), step, nil)
	if !res.Success {
		t.Fatalf("expected a cancelled context to be treated as a clean stop, got: %s", res.ErrorMessage)
	}
}

func TestFactoryForDispatchesByKind(t *testing.T) {
	f := NewFactory(Deps{})
	if _, ok := f.For(program.ActionInject); !ok {
		t.Error("expected an inject executor to be registered")
	}
	if _, ok := f.For(program.ActionWait); !ok {
		t.Error("expected a wait executor to be registered")
	}
	if _, ok := f.For(program.ActionSetState); ok {
		t.Error("expected no executor registered for a non-primitive action kind")
	}
}
