package program

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/gsq7474741/rpi-odor/internal/obserr"
)

// Defaults, grounded on the original parser's documented defaults.
const (
	defaultBottleCapacityML = 150.0
	defaultMaxFillML        = 100.0
	defaultMaxGasPumpPWM    = 100
	defaultLiquidPumpIndex  = 2
	defaultVersion          = "1.0.0"

	defaultInjectToleranceG     = 1.0
	defaultInjectFlowRateMLMin  = 5.0
	defaultInjectStableTimeoutS = 30.0
	defaultDrainTimeoutS        = 60.0
	defaultWaitTimeoutS         = 300.0
)

type yamlLiquid struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	PumpIndex   int     `yaml:"pump_index"`
	AvailableML float64 `yaml:"available_ml"`
	DensityGML  float64 `yaml:"density_g_ml"`
}

type yamlHardware struct {
	BottleCapacityML float64      `yaml:"bottle_capacity_ml"`
	MaxFillML        float64      `yaml:"max_fill_ml"`
	MaxGasPumpPWM    int          `yaml:"max_gas_pump_pwm"`
	Liquids          []yamlLiquid `yaml:"liquids"`
}

type yamlComponent struct {
	LiquidID string  `yaml:"liquid_id"`
	Ratio    float64 `yaml:"ratio"`
}

type yamlInject struct {
	TargetVolumeML float64         `yaml:"target_volume_ml"`
	TargetWeightG  float64         `yaml:"target_weight_g"`
	Components     []yamlComponent `yaml:"components"`
	FlowRateMLMin  float64         `yaml:"flow_rate_ml_min"`
	ToleranceG     float64         `yaml:"tolerance_g"`
	StableTimeoutS float64         `yaml:"stable_timeout_s"`
}

type yamlDrain struct {
	EmptyToleranceG  float64 `yaml:"empty_tolerance_g"`
	StabilityWindowS float64 `yaml:"stability_window_s"`
	TimeoutS         float64 `yaml:"timeout_s"`
}

type yamlStability struct {
	WindowS          float64 `yaml:"window_s"`
	ThresholdPercent float64 `yaml:"threshold_percent"`
}

type yamlAcquire struct {
	GasPumpPWM   int            `yaml:"gas_pump_pwm"`
	DurationS    *float64       `yaml:"duration_s"`
	HeaterCycles *int           `yaml:"heater_cycles"`
	Stability    *yamlStability `yaml:"stability"`
	MaxDurationS float64        `yaml:"max_duration_s"`
}

type yamlWash struct {
	RepeatCount           int     `yaml:"repeat_count"`
	TargetWeightG         float64 `yaml:"target_weight_g"`
	FillTimeoutS          float64 `yaml:"fill_timeout_s"`
	DrainTimeoutS         float64 `yaml:"drain_timeout_s"`
	EmptyToleranceG       float64 `yaml:"empty_tolerance_g"`
	EmptyStabilityWindowS float64 `yaml:"empty_stability_window_s"`
}

type yamlWeightCondition struct {
	TargetWeightG float64 `yaml:"target_weight_g"`
	ToleranceG    float64 `yaml:"tolerance_g"`
}

type yamlWait struct {
	DurationS    *float64             `yaml:"duration_s"`
	HeaterCycles *int                 `yaml:"heater_cycles"`
	Weight       *yamlWeightCondition `yaml:"weight"`
	Empty        *struct{}            `yaml:"empty"`
	TimeoutS     float64              `yaml:"timeout_s"`
}

type yamlStep struct {
	Name        string       `yaml:"name"`
	Inject      *yamlInject  `yaml:"inject"`
	Drain       *yamlDrain   `yaml:"drain"`
	Acquire     *yamlAcquire `yaml:"acquire"`
	Wash        *yamlWash    `yaml:"wash"`
	Wait        *yamlWait    `yaml:"wait"`
	SetState    *string      `yaml:"set_state"`
	SetGasPump  *int         `yaml:"set_gas_pump"`
	PhaseMarker *string      `yaml:"phase_marker"`
	Loop        *yamlLoop    `yaml:"loop"`
}

type yamlLoop struct {
	Count int        `yaml:"count"`
	Steps []yamlStep `yaml:"steps"`
}

type yamlProgram struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Version     string        `yaml:"version"`
	Hardware    *yamlHardware `yaml:"hardware"`
	Steps       []yamlStep    `yaml:"steps"`
}

// Parse decodes a human-authored YAML program document into the internal
// representation. Unknown top-level or step action keys are rejected.
func Parse(data []byte) (*Program, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc yamlProgram
	if err := dec.Decode(&doc); err != nil {
		return nil, obserr.Wrap(err, obserr.ErrParse, "invalid program document")
	}

	if doc.ID == "" {
		return nil, obserr.New(obserr.ErrParse, "program missing required field: id")
	}
	if doc.Name == "" {
		return nil, obserr.New(obserr.ErrParse, "program missing required field: name")
	}
	if doc.Version == "" {
		doc.Version = defaultVersion
	}
	if len(doc.Steps) == 0 {
		return nil, obserr.New(obserr.ErrParse, "program missing required field: steps")
	}

	p := &Program{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Version:     doc.Version,
		Hardware:    parseHardware(doc.Hardware),
	}

	steps, err := parseSteps(doc.Steps, 0)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	return p, nil
}

func parseHardware(h *yamlHardware) Hardware {
	if h == nil {
		return Hardware{
			BottleCapacityML: defaultBottleCapacityML,
			MaxFillML:        defaultMaxFillML,
			MaxGasPumpPWM:    defaultMaxGasPumpPWM,
			Liquids: []Liquid{{
				ID:          "default",
				Name:        "default",
				PumpIndex:   defaultLiquidPumpIndex,
				DensityGML:  1.0,
			}},
		}
	}
	capacity := h.BottleCapacityML
	if capacity == 0 {
		capacity = defaultBottleCapacityML
	}
	maxFill := h.MaxFillML
	if maxFill == 0 {
		maxFill = defaultMaxFillML
	}
	maxPWM := h.MaxGasPumpPWM
	if maxPWM == 0 {
		maxPWM = defaultMaxGasPumpPWM
	}
	liquids := make([]Liquid, 0, len(h.Liquids))
	for _, yl := range h.Liquids {
		density := yl.DensityGML
		if density == 0 {
			density = 1.0
		}
		liquids = append(liquids, Liquid{
			ID:          yl.ID,
			Name:        yl.Name,
			PumpIndex:   yl.PumpIndex,
			AvailableML: yl.AvailableML,
			DensityGML:  density,
		})
	}
	if len(liquids) == 0 {
		liquids = append(liquids, Liquid{ID: "default", Name: "default", PumpIndex: defaultLiquidPumpIndex, DensityGML: 1.0})
	}
	return Hardware{BottleCapacityML: capacity, MaxFillML: maxFill, MaxGasPumpPWM: maxPWM, Liquids: liquids}
}

// parseSteps recursively converts yamlStep nodes to Step nodes. depth guards
// against pathologically deep nesting; the parser otherwise has no notion of
// "cycles" since YAML sequences cannot self-reference, but an unreasonable
// nesting depth is rejected as a defensive bound.
func parseSteps(nodes []yamlStep, depth int) ([]Step, error) {
	const maxDepth = 32
	if depth > maxDepth {
		return nil, obserr.New(obserr.ErrParse, "step nesting exceeds maximum depth (possible cycle)")
	}
	steps := make([]Step, 0, len(nodes))
	for _, n := range nodes {
		s, err := parseStep(n, depth)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func parseStep(n yamlStep, depth int) (Step, error) {
	s := Step{Name: n.Name}

	set := 0
	if n.Inject != nil {
		set++
		s.Kind = ActionInject
		s.Inject = InjectAction{
			TargetVolumeML: n.Inject.TargetVolumeML,
			TargetWeightG:  n.Inject.TargetWeightG,
			FlowRateMLMin:  orDefault(n.Inject.FlowRateMLMin, defaultInjectFlowRateMLMin),
			ToleranceG:     orDefault(n.Inject.ToleranceG, defaultInjectToleranceG),
			StableTimeoutS: orDefault(n.Inject.StableTimeoutS, defaultInjectStableTimeoutS),
		}
		for _, c := range n.Inject.Components {
			s.Inject.Components = append(s.Inject.Components, Component{LiquidID: c.LiquidID, Ratio: c.Ratio})
		}
	}
	if n.Drain != nil {
		set++
		s.Kind = ActionDrain
		s.Drain = DrainAction{
			EmptyToleranceG:  n.Drain.EmptyToleranceG,
			StabilityWindowS: n.Drain.StabilityWindowS,
			TimeoutS:         orDefault(n.Drain.TimeoutS, defaultDrainTimeoutS),
		}
	}
	if n.Acquire != nil {
		set++
		s.Kind = ActionAcquire
		a := AcquireAction{GasPumpPWM: n.Acquire.GasPumpPWM, MaxDurationS: n.Acquire.MaxDurationS}
		switch {
		case n.Acquire.DurationS != nil:
			a.Termination = AcquireDuration
			a.DurationS = *n.Acquire.DurationS
		case n.Acquire.HeaterCycles != nil:
			a.Termination = AcquireHeaterCycles
			a.HeaterCycles = *n.Acquire.HeaterCycles
		case n.Acquire.Stability != nil:
			a.Termination = AcquireStability
			a.Stability = StabilityCondition{WindowS: n.Acquire.Stability.WindowS, ThresholdPercent: n.Acquire.Stability.ThresholdPercent}
		default:
			a.Termination = AcquireNone
		}
		s.Acquire = a
	}
	if n.Wash != nil {
		set++
		s.Kind = ActionWash
		s.Wash = WashAction{
			RepeatCount:           n.Wash.RepeatCount,
			TargetWeightG:         n.Wash.TargetWeightG,
			FillTimeoutS:          n.Wash.FillTimeoutS,
			DrainTimeoutS:         orDefault(n.Wash.DrainTimeoutS, defaultDrainTimeoutS),
			EmptyToleranceG:       n.Wash.EmptyToleranceG,
			EmptyStabilityWindowS: n.Wash.EmptyStabilityWindowS,
		}
	}
	if n.Wait != nil {
		set++
		s.Kind = ActionWait
		w := WaitAction{TimeoutS: orDefault(n.Wait.TimeoutS, defaultWaitTimeoutS)}
		switch {
		case n.Wait.DurationS != nil:
			w.Condition = WaitDuration
			w.DurationS = *n.Wait.DurationS
		case n.Wait.HeaterCycles != nil:
			w.Condition = WaitHeaterCycles
			w.HeaterCycles = *n.Wait.HeaterCycles
		case n.Wait.Weight != nil:
			w.Condition = WaitWeight
			w.Weight = WeightCondition{TargetWeightG: n.Wait.Weight.TargetWeightG, ToleranceG: n.Wait.Weight.ToleranceG}
		case n.Wait.Empty != nil:
			w.Condition = WaitEmpty
		default:
			w.Condition = WaitNone
		}
		s.Wait = w
	}
	if n.SetState != nil {
		set++
		s.Kind = ActionSetState
		s.SetState = SetStateAction{State: *n.SetState}
	}
	if n.SetGasPump != nil {
		set++
		s.Kind = ActionSetGasPump
		s.SetGasPump = SetGasPumpAction{PWM: *n.SetGasPump}
	}
	if n.PhaseMarker != nil {
		set++
		s.Kind = ActionPhaseMarker
		s.PhaseMarker = PhaseMarkerAction{Label: *n.PhaseMarker}
	}
	if n.Loop != nil {
		set++
		s.Kind = ActionLoop
		if n.Loop.Count <= 0 {
			return Step{}, obserr.New(obserr.ErrParse, fmt.Sprintf("step %q: loop count must be positive", n.Name))
		}
		sub, err := parseSteps(n.Loop.Steps, depth+1)
		if err != nil {
			return Step{}, err
		}
		if len(sub) == 0 {
			return Step{}, obserr.New(obserr.ErrParse, fmt.Sprintf("step %q: loop has no steps", n.Name))
		}
		s.Loop = LoopAction{Count: n.Loop.Count, Steps: sub}
	}

	if set == 0 {
		return Step{}, obserr.New(obserr.ErrParse, fmt.Sprintf("step %q: no recognized action key", n.Name))
	}
	if set > 1 {
		return Step{}, obserr.New(obserr.ErrParse, fmt.Sprintf("step %q: more than one action key", n.Name))
	}
	return s, nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
