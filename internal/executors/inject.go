package executors

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gsq7474741/rpi-odor/internal/hwstate"
	"github.com/gsq7474741/rpi-odor/internal/peripheral"
	"github.com/gsq7474741/rpi-odor/internal/program"
	"github.com/gsq7474741/rpi-odor/internal/store"
)

// mmToMLTubingConstant is a hard-coded tubing conversion, independent of
// calibration. Preserved as-is: whether this is intentional coarseness or
// deferred work is unclear upstream.
const mmToMLTubingConstant = 0.1

type injectExecutor struct {
	deps Deps
}

func (e *injectExecutor) Name() string { return "inject" }

func (e *injectExecutor) CheckPreconditions(p *program.Program, step program.Step) Precondition {
	var failed []string
	a := step.Inject
	if a.TargetVolumeML <= 0 && a.TargetWeightG <= 0 {
		failed = append(failed, "target volume or target weight must be positive")
	}
	if len(a.Components) == 0 {
		failed = append(failed, "no liquid components specified")
	}
	sum := 0.0
	for _, c := range a.Components {
		sum += c.Ratio
	}
	if math.Abs(sum-1.0) > 0.01 {
		failed = append(failed, "component ratios must sum to 1.0")
	}
	if e.deps.L0 != nil && e.deps.L0.CurrentMode() != peripheral.Initial {
		failed = append(failed, "system must be in INITIAL state before inject")
	}
	if e.deps.L1 != nil && !e.deps.L1.CanTransitionTo(hwstate.InjectPreparing) {
		failed = append(failed, "cannot transition to INJECT_PREPARING")
	}
	if len(failed) > 0 {
		return preFail(failed...)
	}
	return preOK()
}

func (e *injectExecutor) Execute(ctx context.Context, p *program.Program, step program.Step, pauser Pauser) Result {
	start := time.Now()
	if pre := e.CheckPreconditions(p, step); !pre.Satisfied {
		return Fail(fmt.Sprintf("precondition failed: %v", pre.Failed))
	}
	a := step.Inject
	e.deps.logEvent(fmt.Sprintf("inject: target volume=%.2fml", a.TargetVolumeML))

	g0, err := openL0(e.deps, nil)
	if err != nil {
		return Fail(err.Error())
	}
	defer g0.Close()

	l1Target := hwstate.InjectPreparing
	g1, err := openL1(e.deps, &l1Target)
	if err != nil {
		return Fail(err.Error())
	}
	defer g1.Close()

	distances := make(map[int]float64, len(a.Components))
	for _, c := range a.Components {
		pumpIdx, ok := findLiquidPump(p, c.LiquidID)
		if !ok {
			return Fail("unknown liquid: " + c.LiquidID)
		}
		distances[pumpIdx] = a.TargetVolumeML * c.Ratio * 1000
	}

	speed := a.FlowRateMLMin / 60.0 * 1000
	params := peripheral.InjectParams{Distances: distances, SpeedMMs: speed, AccelMMs2: speed * 2}

	if e.deps.L1 != nil {
		if err := e.deps.L1.RequestTransition(hwstate.InjectRunning); err != nil {
			return Fail(err.Error())
		}
	}
	if err := e.deps.L0.StartInject(params); err != nil {
		return Fail(err.Error())
	}

	targetWeight := a.TargetWeightG
	if targetWeight <= 0 {
		targetWeight = a.TargetVolumeML // density assumed 1
	}
	timeout := time.Duration(a.StableTimeoutS * float64(time.Second))
	injectStart := time.Now()
	ticker := time.NewTicker(feedbackTick)
	defer ticker.Stop()

feedback:
	for {
		if err := checkStopOrPause(ctx, pauser); err != nil {
			e.deps.L0.StopInject()
			break feedback
		}
		if e.deps.LoadCell != nil {
			snap := e.deps.LoadCell.Snapshot()
			if snap.Filtered >= targetWeight-a.ToleranceG {
				e.deps.logEvent(fmt.Sprintf("inject complete: %.2fg", snap.Filtered))
				break feedback
			}
		}
		if time.Since(injectStart) > timeout {
			e.deps.logEvent("inject timeout")
			break feedback
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			break feedback
		}
	}

	elapsed := time.Since(injectStart).Seconds()
	if e.deps.RecordConsumable != nil && elapsed > 0 {
		for pumpIdx, mm := range distances {
			if mm <= 0 {
				continue
			}
			liquidID := ""
			for _, c := range a.Components {
				if idx, _ := findLiquidPump(p, c.LiquidID); idx == pumpIdx {
					liquidID = c.LiquidID
					break
				}
			}
			ev := store.ConsumableEvent{
				Kind:      "pump_dispense",
				PumpIndex: pumpIdx,
				LiquidID:  liquidID,
				AmountML:  mm * mmToMLTubingConstant,
				DurationS: elapsed,
			}
			if err := e.deps.RecordConsumable(ctx, ev); err != nil && e.deps.Log != nil {
				e.deps.Log.WithError(err).Warn("record consumable failed")
			}
		}
	}

	if err := g1.CommitAndRestore(); err != nil {
		return Fail(err.Error())
	}
	if err := g0.CommitAndRestore(); err != nil {
		return Fail(err.Error())
	}
	return Ok("", time.Since(start).Seconds())
}

func (e *injectExecutor) EstimateDuration(step program.Step) float64 {
	a := step.Inject
	if a.FlowRateMLMin > 0 {
		return a.TargetVolumeML/a.FlowRateMLMin*60.0 + 5.0
	}
	return a.StableTimeoutS
}

func (e *injectExecutor) IsIdempotent() bool { return false }
