package program

import "testing"

func TestParseMinimalProgram(t *testing.T) {
	data := []byte(`
id: wash-01
name: Wash Cycle
steps:
  - name: drain bottle
    drain:
      timeout_s: 45
`)
	p, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.ID != "wash-01" {
		t.Errorf("expected id wash-01, got %q", p.ID)
	}
	if p.Version != defaultVersion {
		t.Errorf("expected default version %q, got %q", defaultVersion, p.Version)
	}
	if p.Hardware.BottleCapacityML != defaultBottleCapacityML {
		t.Errorf("expected default bottle capacity, got %f", p.Hardware.BottleCapacityML)
	}
	if len(p.Hardware.Liquids) != 1 || p.Hardware.Liquids[0].ID != "default" {
		t.Errorf("expected a single default liquid, got %+v", p.Hardware.Liquids)
	}
	if len(p.Steps) != 1 || p.Steps[0].Kind != ActionDrain {
		t.Fatalf("expected a single drain step, got %+v", p.Steps)
	}
	if p.Steps[0].Drain.TimeoutS != 45 {
		t.Errorf("expected timeout 45, got %f", p.Steps[0].Drain.TimeoutS)
	}
}

func TestParseRejectsMissingID(t *testing.T) {
	data := []byte(`
name: No ID
steps:
  - name: s
    drain: {}
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected an error for a missing id")
	}
}

func TestParseRejectsMissingSteps(t *testing.T) {
	data := []byte(`
id: empty
name: Empty
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected an error for a program with no steps")
	}
}

func TestParseRejectsAmbiguousStep(t *testing.T) {
	data := []byte(`
id: ambiguous
name: Ambiguous
steps:
  - name: both
    drain: {}
    wait:
      timeout_s: 10
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected an error when a step carries more than one action key")
	}
}

func TestParseRejectsEmptyLoop(t *testing.T) {
	data := []byte(`
id: loopy
name: Loopy
steps:
  - name: loop
    loop:
      count: 3
      steps: []
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected an error for a loop with no steps")
	}
}

func TestParseAcquireHeaterCyclesTermination(t *testing.T) {
	data := []byte(`
id: acquire-heater
name: Acquire
steps:
  - name: acquire by heater cycles
    acquire:
      gas_pump_pwm: 40
      heater_cycles: 3
`)
	p, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	a := p.Steps[0].Acquire
	if a.Termination != AcquireHeaterCycles {
		t.Errorf("expected AcquireHeaterCycles, got %v", a.Termination)
	}
	if a.HeaterCycles != 3 {
		t.Errorf("expected 3 heater cycles, got %d", a.HeaterCycles)
	}
}

func TestParseNestedLoop(t *testing.T) {
	data := []byte(`
id: nested
name: Nested
steps:
  - name: outer
    loop:
      count: 2
      steps:
        - name: inner
          loop:
            count: 3
            steps:
              - name: leaf
                wait:
                  timeout_s: 1
`)
	p, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	outer := p.Steps[0]
	if outer.Kind != ActionLoop || outer.Loop.Count != 2 {
		t.Fatalf("unexpected outer step: %+v", outer)
	}
	inner := outer.Loop.Steps[0]
	if inner.Kind != ActionLoop || inner.Loop.Count != 3 {
		t.Fatalf("unexpected inner step: %+v", inner)
	}
}

func TestFindLiquid(t *testing.T) {
	p := &Program{Hardware: Hardware{Liquids: []Liquid{{ID: "a"}, {ID: "b"}}}}
	if _, ok := p.FindLiquid("b"); !ok {
		t.Error("expected to find liquid b")
	}
	if _, ok := p.FindLiquid("missing"); ok {
		t.Error("expected missing liquid to not be found")
	}
}
