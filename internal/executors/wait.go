package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/gsq7474741/rpi-odor/internal/program"
	"github.com/gsq7474741/rpi-odor/internal/sensor"
)

type waitExecutor struct {
	deps Deps
}

func (e *waitExecutor) Name() string { return "wait" }

func (e *waitExecutor) CheckPreconditions(p *program.Program, step program.Step) Precondition {
	var failed []string
	if step.Wait.Condition == program.WaitNone {
		failed = append(failed, "no wait condition specified")
	}
	if step.Wait.TimeoutS <= 0 {
		failed = append(failed, "timeout must be positive")
	}
	if len(failed) > 0 {
		return preFail(failed...)
	}
	return preOK()
}

func (e *waitExecutor) Execute(ctx context.Context, p *program.Program, step program.Step, pauser Pauser) Result {
	start := time.Now()
	if pre := e.CheckPreconditions(p, step); !pre.Satisfied {
		return Fail(fmt.Sprintf("precondition failed: %v", pre.Failed))
	}
	a := step.Wait

	var err error
	switch a.Condition {
	case program.WaitDuration:
		err = e.waitFor(ctx, pauser, a.DurationS)
	case program.WaitHeaterCycles:
		err = e.waitForHeaterCycles(ctx, pauser, a.HeaterCycles, a.TimeoutS)
	case program.WaitWeight:
		err = e.waitForWeight(ctx, pauser, a.Weight, a.TimeoutS)
	case program.WaitEmpty:
		err = e.waitForEmpty(ctx, pauser, a.TimeoutS)
	}
	if err != nil && err != context.Canceled {
		return Fail(err.Error())
	}
	return Ok("", time.Since(start).Seconds())
}

func (e *waitExecutor) waitFor(ctx context.Context, pauser Pauser, durationS float64) error {
	deadline := time.Now().Add(time.Duration(durationS * float64(time.Second)))
	for time.Now().Before(deadline) {
		if err := checkStopOrPause(ctx, pauser); err != nil {
			return err
		}
		select {
		case <-time.After(feedbackTick):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *waitExecutor) waitForHeaterCycles(ctx context.Context, pauser Pauser, count int, timeoutS float64) error {
	if e.deps.Sensor == nil {
		return e.waitFor(ctx, pauser, timeoutS)
	}
	packets := make(chan sensor.Packet, 64)
	e.deps.Sensor.Subscribe(func(pkt sensor.Packet) {
		select {
		case packets <- pkt:
		default:
		}
	})
	defer e.deps.Sensor.Subscribe(nil)

	deadline := time.Now().Add(time.Duration(timeoutS * float64(time.Second)))
	lastStep := 0
	seenFirst := false
	completions := 0
	for {
		if err := checkStopOrPause(ctx, pauser); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case pkt := <-packets:
			step := pkt.HeaterStep
			if lastStep > 0 && step == 0 && seenFirst {
				completions++
				if completions >= count {
					return nil
				}
			}
			if lastStep > step && !seenFirst {
				seenFirst = true
			}
			lastStep = step
		case <-time.After(feedbackTick):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *waitExecutor) waitForWeight(ctx context.Context, pauser Pauser, cond program.WeightCondition, timeoutS float64) error {
	if e.deps.LoadCell == nil {
		return e.waitFor(ctx, pauser, timeoutS)
	}
	deadline := time.Now().Add(time.Duration(timeoutS * float64(time.Second)))
	for time.Now().Before(deadline) {
		if err := checkStopOrPause(ctx, pauser); err != nil {
			return err
		}
		snap := e.deps.LoadCell.Snapshot()
		if snap.Filtered >= cond.TargetWeightG-cond.ToleranceG {
			return nil
		}
		select {
		case <-time.After(feedbackTick):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *waitExecutor) waitForEmpty(ctx context.Context, pauser Pauser, timeoutS float64) error {
	if e.deps.LoadCell == nil {
		return e.waitFor(ctx, pauser, timeoutS)
	}
	res, err := e.deps.LoadCell.WaitForEmptyBottle(ctx, 1.0, timeoutS, 2.0)
	if err != nil {
		return err
	}
	if !res.Success {
		e.deps.logEvent("wait-for-empty timeout")
	}
	return nil
}

func (e *waitExecutor) EstimateDuration(step program.Step) float64 {
	a := step.Wait
	switch a.Condition {
	case program.WaitDuration:
		return a.DurationS
	default:
		return a.TimeoutS
	}
}

func (e *waitExecutor) IsIdempotent() bool { return true }
