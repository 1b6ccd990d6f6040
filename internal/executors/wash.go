package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/gsq7474741/rpi-odor/internal/hwstate"
	"github.com/gsq7474741/rpi-odor/internal/peripheral"
	"github.com/gsq7474741/rpi-odor/internal/program"
	"github.com/gsq7474741/rpi-odor/internal/txguard"
)

type washExecutor struct {
	deps Deps
}

func (e *washExecutor) Name() string { return "wash" }

func (e *washExecutor) CheckPreconditions(p *program.Program, step program.Step) Precondition {
	var failed []string
	a := step.Wash
	if a.RepeatCount <= 0 {
		failed = append(failed, "repeat count must be positive")
	}
	if a.TargetWeightG <= 0 {
		failed = append(failed, "target weight must be positive")
	}
	if e.deps.L0 != nil && e.deps.L0.CurrentMode() != peripheral.Initial {
		failed = append(failed, "system must be in INITIAL state before wash")
	}
	if len(failed) > 0 {
		return preFail(failed...)
	}
	return preOK()
}

// Execute manages its own multi-phase L0/L1 transitions (drain, fill,
// drain) across repeat_count cycles; the guard opened here carries no
// auto-target so its rollback on Close always returns to the state
// recorded when the primitive started, regardless of which phase was
// interrupted.
func (e *washExecutor) Execute(ctx context.Context, p *program.Program, step program.Step, pauser Pauser) Result {
	start := time.Now()
	if pre := e.CheckPreconditions(p, step); !pre.Satisfied {
		return Fail(fmt.Sprintf("precondition failed: %v", pre.Failed))
	}
	a := step.Wash

	g0, err := openL0(e.deps, nil)
	if err != nil {
		return Fail(err.Error())
	}
	defer g0.Close()
	var g1 *txguard.L1Guard
	if e.deps.L1 != nil {
		g, err := openL1(e.deps, nil)
		if err != nil {
			return Fail(err.Error())
		}
		defer g.Close()
		g1 = g

		// The legal table only carves an entry into the fill/drain cycle
		// via CLEAN_PREPARING -> CLEAN_FILLING; land there once up front so
		// every drainPhase/fillPhase call below moves within the legal
		// CLEAN_FILLING <-> CLEAN_DRAINING cycle instead of reaching for
		// DRAIN_PREPARING/DRAIN_RUNNING, which DRAIN_RUNNING never leads
		// back into.
		if e.deps.L1.Current() == hwstate.Idle {
			if err := e.deps.L1.RequestTransition(hwstate.CleanPreparing); err != nil {
				return Fail(err.Error())
			}
			if err := e.deps.L1.RequestTransition(hwstate.CleanFilling); err != nil {
				return Fail(err.Error())
			}
		}
	}

	for cycle := 0; cycle < a.RepeatCount; cycle++ {
		e.deps.logEvent(fmt.Sprintf("wash cycle %d/%d: drain", cycle+1, a.RepeatCount))
		if err := e.drainPhase(ctx, pauser, a); err != nil {
			return Fail(err.Error())
		}

		var baseline float64
		if e.deps.LoadCell != nil {
			baseline = e.deps.LoadCell.Snapshot().Filtered
		}

		e.deps.logEvent(fmt.Sprintf("wash cycle %d/%d: fill", cycle+1, a.RepeatCount))
		if err := e.fillPhase(ctx, pauser, a, baseline); err != nil {
			return Fail(err.Error())
		}

		e.deps.logEvent(fmt.Sprintf("wash cycle %d/%d: drain", cycle+1, a.RepeatCount))
		if err := e.drainPhase(ctx, pauser, a); err != nil {
			return Fail(err.Error())
		}
	}

	if g1 != nil {
		if err := g1.CommitAndRestore(); err != nil {
			return Fail(err.Error())
		}
	}
	if err := g0.CommitAndRestore(); err != nil {
		return Fail(err.Error())
	}
	return Ok("", time.Since(start).Seconds())
}

// transitionL1 requests target unless L1 is already there: consecutive
// calls for the same phase across a cycle boundary (e.g. the trailing
// drain of one cycle immediately followed by the leading drain of the
// next) land on the same state, which the legal table has no self-loop
// for.
func (e *washExecutor) transitionL1(target hwstate.State) error {
	if e.deps.L1.Current() == target {
		return nil
	}
	return e.deps.L1.RequestTransition(target)
}

func (e *washExecutor) drainPhase(ctx context.Context, pauser Pauser, a program.WashAction) error {
	if e.deps.L1 != nil {
		if err := e.transitionL1(hwstate.CleanDraining); err != nil {
			return err
		}
	} else if e.deps.L0 != nil {
		if err := e.deps.L0.TransitionTo(peripheral.Drain); err != nil {
			return err
		}
	}

	if e.deps.LoadCell != nil {
		if _, err := e.deps.LoadCell.WaitForEmptyBottle(ctx, a.EmptyToleranceG, a.DrainTimeoutS, a.EmptyStabilityWindowS); err != nil {
			return err
		}
		return nil
	}
	deadline := time.Now().Add(time.Duration(a.DrainTimeoutS * float64(time.Second)))
	for time.Now().Before(deadline) {
		if err := checkStopOrPause(ctx, pauser); err != nil {
			return err
		}
		time.Sleep(feedbackTick)
	}
	return nil
}

func (e *washExecutor) fillPhase(ctx context.Context, pauser Pauser, a program.WashAction, baseline float64) error {
	if e.deps.L1 != nil {
		if err := e.transitionL1(hwstate.CleanFilling); err != nil {
			return err
		}
	} else if e.deps.L0 != nil {
		if err := e.deps.L0.TransitionTo(peripheral.Clean); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(time.Duration(a.FillTimeoutS * float64(time.Second)))
	ticker := time.NewTicker(feedbackTick)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if err := checkStopOrPause(ctx, pauser); err != nil {
			return err
		}
		if e.deps.LoadCell != nil {
			snap := e.deps.LoadCell.Snapshot()
			if snap.Filtered-baseline >= a.TargetWeightG {
				return nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *washExecutor) EstimateDuration(step program.Step) float64 {
	a := step.Wash
	return (a.DrainTimeoutS + a.FillTimeoutS + a.DrainTimeoutS) * float64(a.RepeatCount)
}

func (e *washExecutor) IsIdempotent() bool { return false }
