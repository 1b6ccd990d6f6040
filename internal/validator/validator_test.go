package validator

import (
	"testing"

	"github.com/gsq7474741/rpi-odor/internal/program"
)

func hasCode(diags []Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

func validProgram() *program.Program {
	return &program.Program{
		ID: "p1",
		Hardware: program.Hardware{
			BottleCapacityML: 150,
			MaxFillML:        100,
			Liquids: []program.Liquid{
				{ID: "water", Name: "water", PumpIndex: 1, AvailableML: 100, DensityGML: 1.0},
				{ID: "rinse", Name: "rinse", PumpIndex: 2, AvailableML: 100, DensityGML: 1.0},
			},
		},
		Steps: []program.Step{
			{
				Name: "inject water",
				Kind: program.ActionInject,
				Inject: program.InjectAction{
					TargetVolumeML: 10,
					FlowRateMLMin:  5,
					Components:     []program.Component{{LiquidID: "water", Ratio: 1}},
				},
			},
			{
				Name: "drain",
				Kind: program.ActionDrain,
				Drain: program.DrainAction{
					TimeoutS: 30,
				},
			},
		},
	}
}

func TestValidateCleanProgramIsValid(t *testing.T) {
	v := New(nil)
	res := v.Validate(validProgram())
	if !res.Valid {
		t.Fatalf("expected a valid program, got errors: %+v", res.Errors)
	}
	if res.Estimate.PumpConsumptionML[1] != 10 {
		t.Errorf("expected pump 1 to consume 10ml, got %f", res.Estimate.PumpConsumptionML[1])
	}
}

func TestValidateDuplicateLiquidID(t *testing.T) {
	p := validProgram()
	p.Hardware.Liquids = append(p.Hardware.Liquids, program.Liquid{ID: "water", PumpIndex: 3})
	res := New(nil).Validate(p)
	if res.Valid {
		t.Fatal("expected invalid program due to duplicate liquid id")
	}
	if !hasCode(res.Errors, "DUPLICATE_LIQUID_ID") {
		t.Errorf("expected DUPLICATE_LIQUID_ID, got %+v", res.Errors)
	}
}

func TestValidateDuplicatePumpIndex(t *testing.T) {
	p := validProgram()
	p.Hardware.Liquids[1].PumpIndex = p.Hardware.Liquids[0].PumpIndex
	res := New(nil).Validate(p)
	if !hasCode(res.Errors, "DUPLICATE_PUMP_INDEX") {
		t.Errorf("expected DUPLICATE_PUMP_INDEX, got %+v", res.Errors)
	}
}

func TestValidateUnknownLiquid(t *testing.T) {
	p := validProgram()
	p.Steps[0].Inject.Components[0].LiquidID = "nope"
	res := New(nil).Validate(p)
	if !hasCode(res.Errors, "UNKNOWN_LIQUID") {
		t.Errorf("expected UNKNOWN_LIQUID, got %+v", res.Errors)
	}
}

func TestValidateInjectNoTarget(t *testing.T) {
	p := validProgram()
	p.Steps[0].Inject.TargetVolumeML = 0
	p.Steps[0].Inject.TargetWeightG = 0
	res := New(nil).Validate(p)
	if !hasCode(res.Errors, "NO_TARGET") {
		t.Errorf("expected NO_TARGET, got %+v", res.Errors)
	}
}

func TestValidateOverflowRisk(t *testing.T) {
	p := validProgram()
	p.Steps[0].Inject.TargetVolumeML = 500
	res := New(nil).Validate(p)
	if res.Valid {
		t.Fatal("expected invalid program due to overflow risk")
	}
	if !hasCode(res.Errors, "OVERFLOW_RISK") {
		t.Errorf("expected OVERFLOW_RISK, got %+v", res.Errors)
	}
}

func TestValidateInsufficientLiquid(t *testing.T) {
	p := validProgram()
	p.Hardware.Liquids[0].AvailableML = 1
	res := New(nil).Validate(p)
	if !hasCode(res.Errors, "INSUFFICIENT_LIQUID") {
		t.Errorf("expected INSUFFICIENT_LIQUID, got %+v", res.Errors)
	}
}

func TestValidateNoRinseLiquidWarning(t *testing.T) {
	p := validProgram()
	p.Hardware.Liquids = p.Hardware.Liquids[:1]
	res := New(nil).Validate(p)
	if !hasCode(res.Warnings, "NO_RINSE_LIQUID") {
		t.Errorf("expected NO_RINSE_LIQUID, got %+v", res.Warnings)
	}
}

func TestValidateNoActionStep(t *testing.T) {
	p := validProgram()
	p.Steps = append(p.Steps, program.Step{Name: "blank", Kind: program.ActionNone})
	res := New(nil).Validate(p)
	if !hasCode(res.Errors, "NO_ACTION") {
		t.Errorf("expected NO_ACTION, got %+v", res.Errors)
	}
}

func TestValidateEmptyLoop(t *testing.T) {
	p := validProgram()
	p.Steps = append(p.Steps, program.Step{Name: "loop", Kind: program.ActionLoop, Loop: program.LoopAction{Count: 3}})
	res := New(nil).Validate(p)
	if !hasCode(res.Errors, "EMPTY_LOOP") {
		t.Errorf("expected EMPTY_LOOP, got %+v", res.Errors)
	}
}

func TestValidateLoopScalesResourceConsumption(t *testing.T) {
	single := validProgram()
	singleRes := New(nil).Validate(single)

	looped := &program.Program{
		ID:       "p2",
		Hardware: single.Hardware,
		Steps: []program.Step{
			{
				Name: "loop",
				Kind: program.ActionLoop,
				Loop: program.LoopAction{Count: 3, Steps: []program.Step{single.Steps[0]}},
			},
		},
	}
	loopedRes := New(nil).Validate(looped)

	wantPump := singleRes.Estimate.PumpConsumptionML[1] * 3
	if got := loopedRes.Estimate.PumpConsumptionML[1]; got != wantPump {
		t.Errorf("expected looped pump consumption %f, got %f", wantPump, got)
	}
}

func TestValidateWashRequiresPositiveParams(t *testing.T) {
	p := validProgram()
	p.Steps = append(p.Steps, program.Step{Name: "wash", Kind: program.ActionWash, Wash: program.WashAction{}})
	res := New(nil).Validate(p)
	if !hasCode(res.Errors, "NO_TARGET") {
		t.Errorf("expected NO_TARGET for an empty wash action, got %+v", res.Errors)
	}
}

func TestValidateAcquireNoTermination(t *testing.T) {
	p := validProgram()
	p.Steps = append(p.Steps, program.Step{Name: "acquire", Kind: program.ActionAcquire, Acquire: program.AcquireAction{}})
	res := New(nil).Validate(p)
	if !hasCode(res.Errors, "NO_TERMINATION") {
		t.Errorf("expected NO_TERMINATION, got %+v", res.Errors)
	}
	if !hasCode(res.Warnings, "NO_MAX_DURATION") {
		t.Errorf("expected NO_MAX_DURATION, got %+v", res.Warnings)
	}
}
