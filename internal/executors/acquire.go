package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/gsq7474741/rpi-odor/internal/hwstate"
	"github.com/gsq7474741/rpi-odor/internal/peripheral"
	"github.com/gsq7474741/rpi-odor/internal/program"
	"github.com/gsq7474741/rpi-odor/internal/sensor"
)

// estimatedCycleSeconds is the pessimistic per-cycle fallback used when the
// sensor stream is unavailable.
const estimatedCycleSeconds = 26.0

const stabilityMinSamples = 10

type acquireExecutor struct {
	deps Deps
}

func (e *acquireExecutor) Name() string { return "acquire" }

func (e *acquireExecutor) CheckPreconditions(p *program.Program, step program.Step) Precondition {
	var failed []string
	a := step.Acquire
	if a.GasPumpPWM < 0 || a.GasPumpPWM > 100 {
		failed = append(failed, "gas pump PWM must be in [0, 100]")
	}
	if e.deps.L0 != nil && e.deps.L0.CurrentMode() != peripheral.Initial {
		failed = append(failed, "system must be in INITIAL state before acquire")
	}
	if len(failed) > 0 {
		return preFail(failed...)
	}
	return preOK()
}

func (e *acquireExecutor) Execute(ctx context.Context, p *program.Program, step program.Step, pauser Pauser) Result {
	start := time.Now()
	if pre := e.CheckPreconditions(p, step); !pre.Satisfied {
		return Fail(fmt.Sprintf("precondition failed: %v", pre.Failed))
	}
	a := step.Acquire

	sampleTarget := peripheral.Sample
	g0, err := openL0(e.deps, &sampleTarget)
	if err != nil {
		return Fail(err.Error())
	}
	defer g0.Close()

	if e.deps.L1 != nil {
		target := hwstate.SamplePreparing
		guard, err := openL1(e.deps, &target)
		if err != nil {
			return Fail(err.Error())
		}
		defer guard.Close()
		if err := e.deps.L1.RequestTransition(hwstate.SampleAcquiring); err != nil {
			return Fail(err.Error())
		}
	}

	if err := e.deps.L0.SetGasPumpPWM(float64(a.GasPumpPWM) / 100.0); err != nil {
		return Fail(err.Error())
	}

	var waitErr error
	switch a.Termination {
	case program.AcquireDuration:
		waitErr = e.waitDuration(ctx, pauser, a.DurationS)
	case program.AcquireHeaterCycles:
		waitErr = e.waitHeaterCycles(ctx, pauser, a.HeaterCycles, a.MaxDurationS)
	case program.AcquireStability:
		waitErr = e.waitStability(ctx, pauser, a.Stability, a.MaxDurationS)
	default:
		waitErr = e.waitDuration(ctx, pauser, a.MaxDurationS)
	}
	if waitErr != nil && waitErr != context.Canceled {
		return Fail(waitErr.Error())
	}

	if err := g0.CommitAndRestore(); err != nil {
		return Fail(err.Error())
	}
	return Ok("", time.Since(start).Seconds())
}

func (e *acquireExecutor) waitDuration(ctx context.Context, pauser Pauser, durationS float64) error {
	deadline := time.Now().Add(time.Duration(durationS * float64(time.Second)))
	ticker := time.NewTicker(feedbackTick)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if err := checkStopOrPause(ctx, pauser); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *acquireExecutor) waitHeaterCycles(ctx context.Context, pauser Pauser, count int, maxDurationS float64) error {
	if e.deps.Sensor == nil {
		return e.waitDuration(ctx, pauser, float64(count)*estimatedCycleSeconds)
	}

	packets := make(chan sensor.Packet, 64)
	e.deps.Sensor.Subscribe(func(pkt sensor.Packet) {
		select {
		case packets <- pkt:
		default:
		}
	})
	defer e.deps.Sensor.Subscribe(nil)

	deadline := time.Now().Add(time.Duration(maxDurationS * float64(time.Second)))
	ticker := time.NewTicker(feedbackTick)
	defer ticker.Stop()

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
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *acquireExecutor) waitStability(ctx context.Context, pauser Pauser, cond program.StabilityCondition, maxDurationS float64) error {
	if e.deps.Sensor == nil {
		return e.waitDuration(ctx, pauser, maxDurationS)
	}

	type sample struct {
		at    time.Time
		value float64
	}
	packets := make(chan sensor.Packet, 64)
	e.deps.Sensor.Subscribe(func(pkt sensor.Packet) {
		select {
		case packets <- pkt:
		default:
		}
	})
	defer e.deps.Sensor.Subscribe(nil)

	deadline := time.Now().Add(time.Duration(maxDurationS * float64(time.Second)))
	ticker := time.NewTicker(feedbackTick)
	defer ticker.Stop()

	window := make([]sample, 0, 64)
	windowDur := time.Duration(cond.WindowS * float64(time.Second))

	prune := func(now time.Time) {
		cut := 0
		for cut < len(window) && now.Sub(window[cut].at) > windowDur {
			cut++
		}
		window = window[cut:]
	}

	for {
		if err := checkStopOrPause(ctx, pauser); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case pkt := <-packets:
			now := time.Now()
			window = append(window, sample{at: now, value: pkt.Value})
			prune(now)
			if len(window) >= stabilityMinSamples {
				lo, hi, sum := window[0].value, window[0].value, 0.0
				for _, s := range window {
					if s.value < lo {
						lo = s.value
					}
					if s.value > hi {
						hi = s.value
					}
					sum += s.value
				}
				mean := sum / float64(len(window))
				if mean != 0 {
					variation := (hi - lo) / mean * 100
					if variation <= cond.ThresholdPercent {
						return nil
					}
				}
			}
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *acquireExecutor) EstimateDuration(step program.Step) float64 {
	a := step.Acquire
	switch a.Termination {
	case program.AcquireDuration:
		return a.DurationS
	case program.AcquireHeaterCycles:
		return float64(a.HeaterCycles) * estimatedCycleSeconds
	default:
		return a.MaxDurationS
	}
}

func (e *acquireExecutor) IsIdempotent() bool { return false }
