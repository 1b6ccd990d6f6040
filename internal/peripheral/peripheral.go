// Package peripheral implements the L0 coarse peripheral state table: a
// sealed set of system modes, each declaratively mapped to a peripheral
// set-point vector, with serialized diff-based transitions.
package peripheral

import (
	"fmt"
	"sync"
	"time"

	"github.com/gsq7474741/rpi-odor/internal/obserr"
	"github.com/gsq7474741/rpi-odor/internal/obslog"
)

// Actuator is the subset of the actuator transport client (C1) that L0
// needs: fire-and-forget command submission.
type Actuator interface {
	SendCommand(script string) error
}

// Mode is the sealed 5-variant L0 coarse mode.
type Mode int

const (
	Initial Mode = iota
	Drain
	Clean
	Sample
	Inject
)

func (m Mode) String() string {
	switch m {
	case Initial:
		return "INITIAL"
	case Drain:
		return "DRAIN"
	case Clean:
		return "CLEAN"
	case Sample:
		return "SAMPLE"
	case Inject:
		return "INJECT"
	default:
		return "UNKNOWN"
	}
}

const numSteppers = 8

// PeripheralState is the fixed peripheral set-point vector. Equality is
// field-wise (all fields are comparable, so Go's == suffices).
type PeripheralState struct {
	ValveWaste  int // 0: closed, 1: open
	ValvePinch  int // 0: gas path, 1: liquid path
	ValveAir    int // 0: vent, 1: chamber
	ValveOutlet int // inverted logic: 0: open, 1: closed
	AirPumpPWM  float64
	WashPumpPWM float64
	Steppers    [numSteppers]bool
	HeaterPWM   float64
}

// modeTable is the only definition of what each L0 mode means at the
// hardware level. SAMPLE and INJECT carry no independent air-pump or
// stepper set-points: those are driven live by SetGasPumpPWM and
// StartInject respectively, and are folded into the current vector after
// the mode transition completes.
var modeTable = [...]PeripheralState{
	Initial: {},
	Drain: {
		ValveWaste:  1,
		ValveOutlet: 1,
		AirPumpPWM:  1.0,
	},
	Clean: {
		ValvePinch:  1,
		WashPumpPWM: 1.0,
	},
	Sample: {
		ValveAir: 1,
	},
	Inject: {
		ValvePinch: 1,
	},
}

// StateCallback is invoked with (old, new) after every committed transition.
type StateCallback func(old, new Mode)

// InjectParams describes a start_inject call: non-zero per-pump distances
// (mm) keyed by stepper index, plus motion profile.
type InjectParams struct {
	Distances map[int]float64 // stepper index -> distance mm
	SpeedMMs  float64
	AccelMMs2 float64
}

const washRampSteps = 10
const washRampInterval = 100 * time.Millisecond

// L0 owns the current coarse mode and peripheral vector, serializing all
// transitions under a single mutex.
type L0 struct {
	mu       sync.Mutex
	actuator Actuator
	log      *obslog.Logger
	mode     Mode
	state    PeripheralState
	observer StateCallback
}

func New(actuator Actuator, log *obslog.Logger) *L0 {
	return &L0{actuator: actuator, log: log, mode: Initial, state: modeTable[Initial]}
}

func (l *L0) SetObserver(cb StateCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = cb
}

func (l *L0) CurrentMode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

func (l *L0) CurrentState() PeripheralState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// TransitionTo drives the peripheral vector from its current value to the
// target mode's table entry, emitting only the field-wise diff.
func (l *L0) TransitionTo(target Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transitionLocked(target)
}

func (l *L0) transitionLocked(target Mode) error {
	if l.mode == target {
		return nil
	}
	old := l.mode
	targetState := modeTable[target]

	if l.anyStepperRunning(l.state) {
		if err := l.actuator.SendCommand("ENOSE_ASYNC_STOP"); err != nil {
			l.log.WithError(err).Warn("auto-stop before transition failed")
		}
		for i := range l.state.Steppers {
			l.state.Steppers[i] = false
		}
	}

	if err := l.emitDiff(l.state, targetState); err != nil {
		return err
	}

	l.state = targetState
	l.mode = target
	if l.log != nil {
		l.log.WithFields(obslog.Fields{"from": old.String(), "to": target.String()}).Info("l0 transition")
	}
	if l.observer != nil {
		l.observer(old, target)
	}
	return nil
}

func (l *L0) anyStepperRunning(s PeripheralState) bool {
	for _, running := range s.Steppers {
		if running {
			return true
		}
	}
	return false
}

// emitDiff sends exactly one command per changed field, applying the
// pinch-valve/fan coupling along the way. Wash-pump PWM rises through a
// soft-start ramp; it falls directly.
func (l *L0) emitDiff(from, to PeripheralState) error {
	if to.ValveOutlet != from.ValveOutlet {
		if err := l.send(fmt.Sprintf("SET_PIN PIN=valve_outlet VALUE=%d", to.ValveOutlet)); err != nil {
			return err
		}
	}
	if to.ValvePinch != from.ValvePinch {
		if err := l.send(fmt.Sprintf("SET_PIN PIN=valve_pinch VALUE=%d", to.ValvePinch)); err != nil {
			return err
		}
		// Coupled: two inject-area fans follow the pinch valve 0/1.
		if err := l.send(fmt.Sprintf("SET_PIN PIN=fan_inject_1 VALUE=%d", to.ValvePinch)); err != nil {
			return err
		}
		if err := l.send(fmt.Sprintf("SET_PIN PIN=fan_inject_2 VALUE=%d", to.ValvePinch)); err != nil {
			return err
		}
	}
	if to.ValveWaste != from.ValveWaste {
		if err := l.send(fmt.Sprintf("SET_PIN PIN=valve_waste VALUE=%d", to.ValveWaste)); err != nil {
			return err
		}
	}
	if to.ValveAir != from.ValveAir {
		if err := l.send(fmt.Sprintf("SET_PIN PIN=valve_air VALUE=%d", to.ValveAir)); err != nil {
			return err
		}
	}
	if to.AirPumpPWM != from.AirPumpPWM {
		if err := l.send(fmt.Sprintf("SET_PIN PIN=air_pump_pwm VALUE=%.3f", to.AirPumpPWM)); err != nil {
			return err
		}
	}
	if to.WashPumpPWM != from.WashPumpPWM {
		if err := l.setWashPumpPWM(from.WashPumpPWM, to.WashPumpPWM); err != nil {
			return err
		}
	}
	for i := 0; i < numSteppers; i++ {
		if from.Steppers[i] && !to.Steppers[i] {
			if err := l.send(fmt.Sprintf("MANUAL_STEPPER STEPPER=pump_%d ENABLE=0", i)); err != nil {
				return err
			}
		}
	}
	if to.HeaterPWM != from.HeaterPWM {
		if err := l.send(fmt.Sprintf("SET_PIN PIN=heater_chamber VALUE=%.3f", to.HeaterPWM)); err != nil {
			return err
		}
	}
	return nil
}

func (l *L0) setWashPumpPWM(from, to float64) error {
	if to <= from {
		return l.send(fmt.Sprintf("SET_PIN PIN=cleaning_pump VALUE=%.3f", to))
	}
	step := (to - from) / washRampSteps
	for i := 1; i <= washRampSteps; i++ {
		v := from + step*float64(i)
		if err := l.send(fmt.Sprintf("SET_PIN PIN=cleaning_pump VALUE=%.3f", v)); err != nil {
			return err
		}
		if i < washRampSteps {
			time.Sleep(washRampInterval)
		}
	}
	return nil
}

func (l *L0) send(script string) error {
	if err := l.actuator.SendCommand(script); err != nil {
		return obserr.Transport("send_command", err)
	}
	return nil
}

// SetGasPumpPWM adjusts the membrane (gas) pump set-point without a mode
// transition, used by the acquire primitive while in SAMPLE.
func (l *L0) SetGasPumpPWM(pwm float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pwm == l.state.AirPumpPWM {
		return nil
	}
	if err := l.send(fmt.Sprintf("SET_PIN PIN=air_pump_pwm VALUE=%.3f", pwm)); err != nil {
		return err
	}
	l.state.AirPumpPWM = pwm
	return nil
}

// StartInject transitions L0 to INJECT (stopping the wash pump and
// selecting the liquid valve path), then issues a single composite
// multi-axis motion command assigning non-zero per-pump distances to
// firmware-side axis letters.
func (l *L0) StartInject(params InjectParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.transitionLocked(Inject); err != nil {
		return err
	}

	axisLetters := []string{"A", "B", "C", "D", "H", "I", "J", "K"}
	var script string
	for i := 0; i < numSteppers; i++ {
		d, ok := params.Distances[i]
		if !ok || d == 0 {
			continue
		}
		script += fmt.Sprintf(" %s%.4f", axisLetters[i], d)
	}
	if script == "" {
		return obserr.New(obserr.ErrPrecondition, "start_inject: no non-zero pump distances")
	}
	feedrate := params.SpeedMMs * 60
	if err := l.send("REGISTER_PUMPS_TO_AXIS"); err != nil {
		return err
	}
	if err := l.send(fmt.Sprintf("G1%s F%.2f", script, feedrate)); err != nil {
		return err
	}
	for i := 0; i < numSteppers; i++ {
		if d, ok := params.Distances[i]; ok && d != 0 {
			l.state.Steppers[i] = true
		}
	}
	return nil
}

// StopInject issues the asynchronous stop and returns L0 to INITIAL.
func (l *L0) StopInject() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.send("ENOSE_ASYNC_STOP"); err != nil {
		return err
	}
	for i := range l.state.Steppers {
		l.state.Steppers[i] = false
	}
	return l.transitionLocked(Initial)
}
