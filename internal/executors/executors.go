// Package executors implements the primitive executors (C6): inject,
// drain, acquire, wash and wait, each a uniform capability dispatched by
// step variant from a factory.
package executors

import (
	"context"
	"time"

	"github.com/gsq7474741/rpi-odor/internal/hwstate"
	"github.com/gsq7474741/rpi-odor/internal/loadcell"
	"github.com/gsq7474741/rpi-odor/internal/obslog"
	"github.com/gsq7474741/rpi-odor/internal/peripheral"
	"github.com/gsq7474741/rpi-odor/internal/program"
	"github.com/gsq7474741/rpi-odor/internal/sensor"
	"github.com/gsq7474741/rpi-odor/internal/store"
	"github.com/gsq7474741/rpi-odor/internal/txguard"
)

const feedbackTick = 100 * time.Millisecond

// Result is a primitive's execution outcome.
type Result struct {
	Success      bool
	ErrorMessage string
	ExecutionID  string
	DurationS    float64
}

func Ok(executionID string, duration float64) Result {
	return Result{Success: true, ExecutionID: executionID, DurationS: duration}
}

func Fail(msg string) Result {
	return Result{ErrorMessage: msg}
}

// Precondition is a check_preconditions outcome.
type Precondition struct {
	Satisfied bool
	Failed    []string
}

func preOK() Precondition { return Precondition{Satisfied: true} }

func preFail(failed ...string) Precondition {
	return Precondition{Satisfied: false, Failed: failed}
}

// Pauser blocks the caller while the orchestrator's pause flag is set,
// returning early if ctx is cancelled (a stop request).
type Pauser interface {
	Wait(ctx context.Context) error
}

// checkStopOrPause is the single cancellation/pause check point threaded
// through every executor's inner loop, at 100 ms granularity.
func checkStopOrPause(ctx context.Context, pauser Pauser) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pauser == nil {
		return nil
	}
	return pauser.Wait(ctx)
}

// Executor is the uniform primitive capability.
type Executor interface {
	Name() string
	CheckPreconditions(p *program.Program, step program.Step) Precondition
	Execute(ctx context.Context, p *program.Program, step program.Step, pauser Pauser) Result
	EstimateDuration(step program.Step) float64
	IsIdempotent() bool
}

// Deps are the hardware collaborators and side-effect hooks shared by every
// executor. Executors borrow these; the orchestrator owns their lifetime.
type Deps struct {
	L0               *peripheral.L0
	L1               *hwstate.L1
	LoadCell         *loadcell.Driver
	Sensor           *sensor.Client
	Log              *obslog.Logger
	RecordConsumable func(ctx context.Context, ev store.ConsumableEvent) error
	LogEvent         func(message string)
}

func (d Deps) logEvent(msg string) {
	if d.LogEvent != nil {
		d.LogEvent(msg)
	}
}

// Factory registers one executor per primitive type and dispatches by step
// variant.
type Factory struct {
	byKind map[program.ActionKind]Executor
}

func NewFactory(deps Deps) *Factory {
	return &Factory{byKind: map[program.ActionKind]Executor{
		program.ActionInject:  &injectExecutor{deps},
		program.ActionDrain:   &drainExecutor{deps},
		program.ActionAcquire: &acquireExecutor{deps},
		program.ActionWash:    &washExecutor{deps},
		program.ActionWait:    &waitExecutor{deps},
	}}
}

func (f *Factory) For(kind program.ActionKind) (Executor, bool) {
	e, ok := f.byKind[kind]
	return e, ok
}

func findLiquidPump(p *program.Program, liquidID string) (int, bool) {
	l, ok := p.FindLiquid(liquidID)
	if !ok {
		return 0, false
	}
	return l.PumpIndex, true
}

func openL0(deps Deps, target *peripheral.Mode) (*txguard.L0Guard, error) {
	return txguard.OpenL0(deps.L0, deps.Log, target)
}

func openL1(deps Deps, target *hwstate.State) (*txguard.L1Guard, error) {
	return txguard.OpenL1(deps.L1, deps.Log, target)
}
