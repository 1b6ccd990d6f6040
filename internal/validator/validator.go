// Package validator implements the program validator (C7): forward
// simulation over a program's steps to produce resource estimates and
// structured diagnostics before an experiment is ever run.
package validator

import (
	"fmt"
	"math"

	"github.com/gsq7474741/rpi-odor/internal/obslog"
	"github.com/gsq7474741/rpi-odor/internal/program"
)

type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "WARNING"
	}
	return "ERROR"
}

// Diagnostic is one validation finding.
type Diagnostic struct {
	Path     string
	Code     string
	Message  string
	Severity Severity
}

// LiquidConsumption reports one liquid's projected usage against its
// declared inventory.
type LiquidConsumption struct {
	LiquidID    string
	LiquidName  string
	PumpIndex   int
	RequiredML  float64
	AvailableML float64
	Sufficient  bool
}

// ResourceEstimate is the forward-simulation output.
type ResourceEstimate struct {
	PumpConsumptionML  map[int]float64
	PeakLiquidLevelML  float64
	EstimatedDurationS float64
	HeaterCycles       int
	LiquidConsumption  []LiquidConsumption
}

// Result is the complete validation outcome.
type Result struct {
	Valid    bool
	Errors   []Diagnostic
	Warnings []Diagnostic
	Estimate ResourceEstimate
}

// estimatedHeaterCycleSeconds is the pessimistic per-cycle duration used
// when projecting heater-cycle-terminated steps, matching the executor's
// own fallback constant.
const estimatedHeaterCycleSeconds = 26.0

type walkState struct {
	pumpTotals     map[int]float64
	currentLevelML float64
	peakLevelML    float64
	durationS      float64
	heaterCycles   int
}

func newWalkState() *walkState {
	return &walkState{pumpTotals: make(map[int]float64)}
}

// Validator runs the forward simulation over a program.
type Validator struct {
	log *obslog.Logger
}

func New(log *obslog.Logger) *Validator {
	return &Validator{log: log}
}

func (v *Validator) Validate(p *program.Program) Result {
	liquids := make(map[string]program.Liquid)
	var errors, warnings []Diagnostic

	addError := func(path, code, msg string) {
		errors = append(errors, Diagnostic{Path: path, Code: code, Message: msg, Severity: SeverityError})
		if v.log != nil {
			v.log.WithField("path", path).WithField("code", code).Error(msg)
		}
	}
	addWarning := func(path, code, msg string) {
		warnings = append(warnings, Diagnostic{Path: path, Code: code, Message: msg, Severity: SeverityWarning})
		if v.log != nil {
			v.log.WithField("path", path).WithField("code", code).Warn(msg)
		}
	}

	for _, l := range p.Hardware.Liquids {
		if _, dup := liquids[l.ID]; dup {
			addError("hardware.liquids", "DUPLICATE_LIQUID_ID", "duplicate liquid id: "+l.ID)
			continue
		}
		liquids[l.ID] = l
	}

	if p.Hardware.BottleCapacityML <= 0 && p.Hardware.MaxFillML <= 0 && len(p.Hardware.Liquids) == 0 {
		addError("hardware", "MISSING_HARDWARE", "missing hardware envelope")
	} else {
		pumpToLiquid := make(map[int]string)
		for _, l := range p.Hardware.Liquids {
			if prior, dup := pumpToLiquid[l.PumpIndex]; dup {
				addError("hardware.liquids", "DUPLICATE_PUMP_INDEX",
					fmt.Sprintf("pump %d used by multiple liquids: %s, %s", l.PumpIndex, prior, l.ID))
			} else {
				pumpToLiquid[l.PumpIndex] = l.ID
			}
		}
	}

	ws := newWalkState()
	v.walkSteps(p.Steps, "steps", liquids, ws, addError, addWarning)

	// overflow / capacity risk
	if p.Hardware.MaxFillML > 0 {
		if ws.peakLevelML > p.Hardware.MaxFillML {
			addError("", "OVERFLOW_RISK",
				fmt.Sprintf("peak level (%.1f ml) exceeds max fill (%.1f ml)", ws.peakLevelML, p.Hardware.MaxFillML))
		} else if ws.peakLevelML > p.Hardware.MaxFillML*0.9 {
			addWarning("", "HIGH_FILL_LEVEL", "peak level is close to max fill, leave more margin")
		}
	}
	if p.Hardware.BottleCapacityML > 0 && ws.peakLevelML > p.Hardware.BottleCapacityML {
		addError("", "CAPACITY_EXCEEDED",
			fmt.Sprintf("peak level exceeds bottle capacity (%.1f ml)", p.Hardware.BottleCapacityML))
	}

	if !hasNamedRinseLiquid(p.Hardware.Liquids) {
		addWarning("hardware.liquids", "NO_RINSE_LIQUID", "no rinse liquid defined; wash steps may not function")
	}

	for _, l := range p.Hardware.Liquids {
		required := ws.pumpTotals[l.PumpIndex]
		if l.AvailableML <= 0 {
			continue
		}
		if required > l.AvailableML {
			addError("hardware.liquids", "INSUFFICIENT_LIQUID",
				fmt.Sprintf("liquid %s insufficient: needs %.2f ml, has %.2f ml", l.ID, required, l.AvailableML))
		} else if required > l.AvailableML*0.9 {
			addWarning("hardware.liquids", "LOW_LIQUID_MARGIN",
				fmt.Sprintf("liquid %s has under 10%% margin remaining", l.ID))
		}
	}

	estimate := ResourceEstimate{
		PumpConsumptionML:  ws.pumpTotals,
		PeakLiquidLevelML:  ws.peakLevelML,
		EstimatedDurationS: ws.durationS,
		HeaterCycles:       ws.heaterCycles,
	}
	for _, l := range p.Hardware.Liquids {
		required := ws.pumpTotals[l.PumpIndex]
		estimate.LiquidConsumption = append(estimate.LiquidConsumption, LiquidConsumption{
			LiquidID:    l.ID,
			LiquidName:  l.Name,
			PumpIndex:   l.PumpIndex,
			RequiredML:  required,
			AvailableML: l.AvailableML,
			Sufficient:  required <= l.AvailableML,
		})
	}

	return Result{
		Valid:    len(errors) == 0,
		Errors:   errors,
		Warnings: warnings,
		Estimate: estimate,
	}
}

func hasNamedRinseLiquid(liquids []program.Liquid) bool {
	for _, l := range liquids {
		if l.Name == "rinse" || l.ID == "rinse" {
			return true
		}
	}
	return false
}

type diagFn func(path, code, msg string)

func (v *Validator) walkSteps(steps []program.Step, pathPrefix string, liquids map[string]program.Liquid, ws *walkState, addError, addWarning diagFn) {
	for i, s := range steps {
		path := fmt.Sprintf("%s[%d]", pathPrefix, i)
		v.walkStep(s, path, liquids, ws, addError, addWarning)
	}
}

func (v *Validator) walkStep(s program.Step, path string, liquids map[string]program.Liquid, ws *walkState, addError, addWarning diagFn) {
	if s.Name == "" {
		addWarning(path+".name", "EMPTY_STEP_NAME", "step name is empty")
	}

	switch s.Kind {
	case program.ActionInject:
		v.validateInject(s.Inject, path+".inject", liquids, addError, addWarning)
		v.applyInject(s.Inject, liquids, ws)
	case program.ActionWait:
		v.validateWait(s.Wait, path+".wait", addError, addWarning)
		v.applyWait(s.Wait, ws)
	case program.ActionDrain:
		v.validateDrain(s.Drain, path+".drain", ws, addWarning)
		v.applyDrain(s.Drain, ws)
	case program.ActionAcquire:
		v.validateAcquire(s.Acquire, path+".acquire", addError, addWarning)
		v.applyAcquire(s.Acquire, ws)
	case program.ActionWash:
		v.validateWash(s.Wash, path+".wash", addError, addWarning)
		v.applyWash(s.Wash, ws)
	case program.ActionSetState, program.ActionSetGasPump, program.ActionPhaseMarker:
		// no additional validation
	case program.ActionLoop:
		v.validateLoop(s.Loop, path+".loop", liquids, ws, addError, addWarning)
	case program.ActionNone:
		addError(path, "NO_ACTION", "step does not specify an action")
	}
}

func (v *Validator) validateInject(a program.InjectAction, path string, liquids map[string]program.Liquid, addError, addWarning diagFn) {
	for i, c := range a.Components {
		compPath := fmt.Sprintf("%s.components[%d]", path, i)
		if _, ok := liquids[c.LiquidID]; !ok {
			addError(compPath+".liquid_id", "UNKNOWN_LIQUID", "unknown liquid id: "+c.LiquidID)
		}
	}
	if a.TargetVolumeML <= 0 && a.TargetWeightG <= 0 {
		addError(path, "NO_TARGET", "inject step has no target amount")
	}
	target := injectVolume(a, liquids)
	if a.ToleranceG > target*0.5 {
		addWarning(path+".tolerance", "LARGE_TOLERANCE", "tolerance is large relative to target, may reduce precision")
	}
}

func (v *Validator) applyInject(a program.InjectAction, liquids map[string]program.Liquid, ws *walkState) {
	volume := injectVolume(a, liquids)
	for _, c := range a.Components {
		if l, ok := liquids[c.LiquidID]; ok {
			ws.pumpTotals[l.PumpIndex] += volume * c.Ratio
		}
	}
	ws.currentLevelML += volume
	if ws.currentLevelML > ws.peakLevelML {
		ws.peakLevelML = ws.currentLevelML
	}
	if a.FlowRateMLMin > 0 {
		ws.durationS += volume / a.FlowRateMLMin * 60
	}
	ws.durationS += a.StableTimeoutS
}

func injectVolume(a program.InjectAction, liquids map[string]program.Liquid) float64 {
	if a.TargetVolumeML > 0 {
		return a.TargetVolumeML
	}
	if a.TargetWeightG > 0 {
		totalDensity, count := 0.0, 0
		for _, c := range a.Components {
			if l, ok := liquids[c.LiquidID]; ok && l.DensityGML > 0 {
				totalDensity += l.DensityGML * c.Ratio
				count++
			}
		}
		avgDensity := 1.0
		if count > 0 {
			avgDensity = totalDensity
		}
		return a.TargetWeightG / avgDensity
	}
	return 0
}

func (v *Validator) validateWait(a program.WaitAction, path string, addError, addWarning diagFn) {
	if a.Condition == program.WaitNone {
		addError(path, "NO_CONDITION", "wait step has no termination condition")
	}
	if a.TimeoutS <= 0 {
		addWarning(path+".timeout_s", "NO_TIMEOUT", "no timeout set, may wait indefinitely")
	}
}

func (v *Validator) applyWait(a program.WaitAction, ws *walkState) {
	switch a.Condition {
	case program.WaitDuration:
		ws.durationS += a.DurationS
	case program.WaitHeaterCycles:
		ws.heaterCycles += a.HeaterCycles
		ws.durationS += float64(a.HeaterCycles) * estimatedHeaterCycleSeconds
	default:
		ws.durationS += a.TimeoutS * 0.5
	}
}

func (v *Validator) validateDrain(a program.DrainAction, path string, ws *walkState, addWarning diagFn) {
	if ws.currentLevelML <= 0 {
		addWarning(path, "EMPTY_DRAIN", "draining with no liquid projected in the bottle")
	}
}

func (v *Validator) applyDrain(a program.DrainAction, ws *walkState) {
	ws.currentLevelML = 0
	ws.durationS += a.TimeoutS
}

func (v *Validator) validateAcquire(a program.AcquireAction, path string, addError, addWarning diagFn) {
	if a.Termination == program.AcquireNone {
		addError(path, "NO_TERMINATION", "acquire step has no termination condition")
	}
	if a.MaxDurationS <= 0 {
		addWarning(path+".max_duration_s", "NO_MAX_DURATION", "no max duration set, may run for a long time")
	}
}

func (v *Validator) applyAcquire(a program.AcquireAction, ws *walkState) {
	switch a.Termination {
	case program.AcquireDuration:
		ws.durationS += a.DurationS
	case program.AcquireHeaterCycles:
		ws.heaterCycles += a.HeaterCycles
		ws.durationS += float64(a.HeaterCycles) * estimatedHeaterCycleSeconds
	case program.AcquireStability:
		ws.durationS += a.Stability.WindowS
	default:
		ws.durationS += a.MaxDurationS
	}
}

func (v *Validator) validateWash(a program.WashAction, path string, addError, addWarning diagFn) {
	if a.RepeatCount <= 0 {
		addError(path+".repeat_count", "NO_TARGET", "wash step requires a positive repeat count")
	}
	if a.TargetWeightG <= 0 {
		addError(path+".target_weight_g", "NO_TARGET", "wash step requires a positive target weight")
	}
}

func (v *Validator) applyWash(a program.WashAction, ws *walkState) {
	ws.currentLevelML = 0
	ws.durationS += (a.DrainTimeoutS + a.FillTimeoutS + a.DrainTimeoutS) * float64(a.RepeatCount)
}

func (v *Validator) validateLoop(a program.LoopAction, path string, liquids map[string]program.Liquid, ws *walkState, addError, addWarning diagFn) {
	if len(a.Steps) == 0 {
		addError(path+".steps", "EMPTY_LOOP", "loop body is empty")
		return
	}

	savedLevel := ws.currentLevelML
	savedDuration := ws.durationS
	savedCycles := ws.heaterCycles
	savedPumpTotals := make(map[int]float64, len(ws.pumpTotals))
	for k, val := range ws.pumpTotals {
		savedPumpTotals[k] = val
	}

	v.walkSteps(a.Steps, path+".steps", liquids, ws, addError, addWarning)

	levelDelta := ws.currentLevelML - savedLevel
	durationDelta := ws.durationS - savedDuration
	cyclesDelta := ws.heaterCycles - savedCycles
	pumpDelta := make(map[int]float64, len(ws.pumpTotals))
	for k, total := range ws.pumpTotals {
		pumpDelta[k] = total - savedPumpTotals[k]
	}

	count := float64(a.Count)
	ws.currentLevelML = savedLevel + levelDelta*count
	ws.durationS = savedDuration + durationDelta*count
	ws.heaterCycles = savedCycles + int(math.Round(float64(cyclesDelta)*count))
	for k, delta := range pumpDelta {
		ws.pumpTotals[k] = savedPumpTotals[k] + delta*count
	}

	if ws.currentLevelML > ws.peakLevelML {
		ws.peakLevelML = ws.currentLevelML
	}
}
