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

type drainExecutor struct {
	deps Deps
}

func (e *drainExecutor) Name() string { return "drain" }

func (e *drainExecutor) CheckPreconditions(p *program.Program, step program.Step) Precondition {
	var failed []string
	if e.deps.L0 != nil {
		mode := e.deps.L0.CurrentMode()
		if mode != peripheral.Initial && mode != peripheral.Inject {
			failed = append(failed, "system must be in INITIAL or INJECT state before drain")
		}
	}
	if e.deps.L1 != nil && !e.deps.L1.CanTransitionTo(hwstate.DrainPreparing) {
		failed = append(failed, "cannot transition to DRAIN_PREPARING")
	}
	if len(failed) > 0 {
		return preFail(failed...)
	}
	return preOK()
}

// Execute delegates to wait_for_empty_bottle and commits regardless of its
// outcome: a feedback timeout is treated as success here (it leaves the
// instrument safer than a mid-drain rollback would). Preserved as-is.
func (e *drainExecutor) Execute(ctx context.Context, p *program.Program, step program.Step, pauser Pauser) Result {
	start := time.Now()
	if pre := e.CheckPreconditions(p, step); !pre.Satisfied {
		return Fail(fmt.Sprintf("precondition failed: %v", pre.Failed))
	}
	a := step.Drain

	var g0 *txguard.L0Guard
	if e.deps.L0 != nil {
		g, err := openL0(e.deps, nil)
		if err != nil {
			return Fail(err.Error())
		}
		defer g.Close()
		g0 = g
	}

	l1Target := hwstate.DrainPreparing
	g1, err := openL1(e.deps, &l1Target)
	if err != nil {
		return Fail(err.Error())
	}
	defer g1.Close()
	if e.deps.L1 != nil {
		if err := e.deps.L1.RequestTransition(hwstate.DrainRunning); err != nil {
			return Fail(err.Error())
		}
	} else if e.deps.L0 != nil {
		if err := e.deps.L0.TransitionTo(peripheral.Drain); err != nil {
			return Fail(err.Error())
		}
	}

	if e.deps.LoadCell != nil {
		res, err := e.deps.LoadCell.WaitForEmptyBottle(ctx, a.EmptyToleranceG, a.TimeoutS, a.StabilityWindowS)
		if err != nil {
			return Fail(err.Error())
		}
		if !res.Success {
			e.deps.logEvent("drain timeout")
		} else {
			e.deps.logEvent(fmt.Sprintf("drain complete: %.2fg", res.EmptyWeight))
		}
	} else {
		deadline := time.Now().Add(time.Duration(a.TimeoutS * float64(time.Second)))
		for time.Now().Before(deadline) {
			if err := checkStopOrPause(ctx, pauser); err != nil {
				break
			}
			time.Sleep(feedbackTick)
		}
	}

	if err := g1.CommitAndRestore(); err != nil {
		return Fail(err.Error())
	}
	if g0 != nil {
		if err := g0.CommitAndRestore(); err != nil {
			return Fail(err.Error())
		}
	}
	return Ok("", time.Since(start).Seconds())
}

func (e *drainExecutor) EstimateDuration(step program.Step) float64 {
	return step.Drain.TimeoutS
}

func (e *drainExecutor) IsIdempotent() bool { return true }
