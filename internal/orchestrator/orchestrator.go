// Package orchestrator implements the experiment orchestrator (C8): the
// lifecycle state machine around a loaded program, the executor goroutine
// that walks its steps, and the event hub subscribers read status from.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gsq7474741/rpi-odor/internal/executors"
	"github.com/gsq7474741/rpi-odor/internal/obserr"
	"github.com/gsq7474741/rpi-odor/internal/obslog"
	"github.com/gsq7474741/rpi-odor/internal/peripheral"
	"github.com/gsq7474741/rpi-odor/internal/program"
	"github.com/gsq7474741/rpi-odor/internal/store"
	"github.com/gsq7474741/rpi-odor/internal/validator"
)

type State int

const (
	Idle State = iota
	Loaded
	Running
	Paused
	Aborting
	Completed
	Error
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Loaded:
		return "LOADED"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Aborting:
		return "ABORTING"
	case Completed:
		return "COMPLETED"
	case Error:
		return "ERROR"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

type EventType string

const (
	EventProgramLoaded      EventType = "PROGRAM_LOADED"
	EventExperimentStarted  EventType = "EXPERIMENT_STARTED"
	EventExperimentPaused   EventType = "EXPERIMENT_PAUSED"
	EventExperimentResumed  EventType = "EXPERIMENT_RESUMED"
	EventExperimentStopped  EventType = "EXPERIMENT_STOPPED"
	EventExperimentComplete EventType = "EXPERIMENT_COMPLETED"
	EventExperimentError    EventType = "EXPERIMENT_ERROR"
	EventStepStarted        EventType = "STEP_STARTED"
	EventStepCompleted      EventType = "STEP_COMPLETED"
	EventLoopIteration      EventType = "LOOP_ITERATION"
	EventPhaseStarted       EventType = "PHASE_STARTED"
	EventPhaseEnded         EventType = "PHASE_ENDED"
)

// Event is one published occurrence in an experiment's lifecycle.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Message   string
	StepName  string
	Data      map[string]string
}

// Status is a lifecycle snapshot.
type Status struct {
	State            State
	ProgramID        string
	RunID            string
	CurrentStepIndex int
	TotalSteps       int
	CurrentStepName  string
	ProgressPercent  float64
	RemainingS       float64
	ErrorMessage     string
}

// LoadResult is LoadProgram's outcome.
type LoadResult struct {
	Success      bool
	ErrorMessage string
	Validation   validator.Result
}

// Deps are the orchestrator's hardware/persistence collaborators.
type Deps struct {
	Factory   *executors.Factory
	Validator *validator.Validator
	Repo      store.Repository
	L0        *peripheral.L0
	Log       *obslog.Logger
}

var (
	eventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enosed_experiment_events_total",
		Help: "Count of orchestrator events by type.",
	}, []string{"type"})
	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enosed_experiment_run_duration_seconds",
		Help:    "Experiment run durations by outcome.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"outcome"})
	lifecycleGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enosed_experiment_state",
		Help: "Current orchestrator lifecycle state (1 for the active label, 0 otherwise).",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(eventCounter, runDuration, lifecycleGauge)
}

// Orchestrator owns the loaded program, execution state, and executor
// goroutine. Two mutexes: stateMu guards execution state/logs, eventMu
// guards the subscriber registry. No blocking executor call is ever made
// while holding stateMu.
type Orchestrator struct {
	deps Deps

	stateMu          sync.Mutex
	state            State
	prog             *program.Program
	validation       validator.Result
	runID            string
	currentStepIndex int
	totalSteps       int
	currentStepName  string
	errorMessage     string
	runStart         time.Time

	stopRequested atomic.Bool
	paused        atomic.Bool
	resumeCh      chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	eventMu     sync.Mutex
	nextSubID   int
	subscribers map[int]chan Event
}

func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:        deps,
		state:       Idle,
		resumeCh:    make(chan struct{}),
		subscribers: make(map[int]chan Event),
	}
}

// SetFactory wires the executor factory after construction, breaking the
// construction cycle: the factory's Deps.RecordConsumable/LogEvent are
// bound methods on this orchestrator, so the factory can only be built
// once the orchestrator itself exists.
func (o *Orchestrator) SetFactory(f *executors.Factory) {
	o.deps.Factory = f
}

func (o *Orchestrator) publish(evt Event) {
	evt.Timestamp = time.Now()
	eventCounter.WithLabelValues(string(evt.Type)).Inc()

	o.eventMu.Lock()
	defer o.eventMu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SubscribeExperimentEvents registers a buffered channel that receives
// events until the returned unsubscribe func is called.
func (o *Orchestrator) SubscribeExperimentEvents() (<-chan Event, func()) {
	o.eventMu.Lock()
	defer o.eventMu.Unlock()
	id := o.nextSubID
	o.nextSubID++
	ch := make(chan Event, 64)
	o.subscribers[id] = ch
	return ch, func() {
		o.eventMu.Lock()
		defer o.eventMu.Unlock()
		delete(o.subscribers, id)
		close(ch)
	}
}

func (o *Orchestrator) setStateGauge(s State) {
	lifecycleGauge.Reset()
	lifecycleGauge.WithLabelValues(s.String()).Set(1)
}

// LoadProgram validates an already parsed program, holding it for
// StartExperiment. Rejected while an experiment is active.
func (o *Orchestrator) LoadProgram(p *program.Program) LoadResult {
	o.stateMu.Lock()
	if o.state == Running || o.state == Paused {
		o.stateMu.Unlock()
		return LoadResult{ErrorMessage: "cannot load a program while an experiment is active"}
	}
	o.stateMu.Unlock()

	result := o.deps.Validator.Validate(p)
	if !result.Valid {
		return LoadResult{ErrorMessage: "program failed validation", Validation: result}
	}

	o.stateMu.Lock()
	o.prog = p
	o.validation = result
	o.state = Loaded
	o.totalSteps = countSteps(p.Steps)
	o.stateMu.Unlock()
	o.setStateGauge(Loaded)

	o.publish(Event{Type: EventProgramLoaded, Message: "program loaded: " + p.ID})
	return LoadResult{Success: true, Validation: result}
}

func countSteps(steps []program.Step) int {
	n := 0
	for _, s := range steps {
		if s.Kind == program.ActionLoop {
			n += countSteps(s.Loop.Steps) * s.Loop.Count
		} else {
			n++
		}
	}
	return n
}

// StartExperiment requires LOADED; it opens a run record, starts the
// executor goroutine, and transitions to RUNNING.
func (o *Orchestrator) StartExperiment(ctx context.Context) error {
	o.stateMu.Lock()
	if o.state != Loaded {
		o.stateMu.Unlock()
		return obserr.New(obserr.ErrStateTransition, "StartExperiment requires a loaded program")
	}
	p := o.prog
	o.stateMu.Unlock()

	runID, err := o.deps.Repo.OpenRun(ctx, p.ID, p.Version)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.stateMu.Lock()
	o.runID = runID
	o.cancel = cancel
	o.currentStepIndex = 0
	o.currentStepName = ""
	o.errorMessage = ""
	o.runStart = time.Now()
	o.stopRequested.Store(false)
	o.paused.Store(false)
	o.state = Running
	o.stateMu.Unlock()
	o.setStateGauge(Running)

	o.wg.Add(1)
	go o.runExecutor(runCtx, p)

	o.publish(Event{Type: EventExperimentStarted, Message: "experiment started", Data: map[string]string{"run_id": runID}})
	return nil
}

// PauseExperiment requires RUNNING.
func (o *Orchestrator) PauseExperiment() error {
	o.stateMu.Lock()
	if o.state != Running {
		o.stateMu.Unlock()
		return obserr.New(obserr.ErrStateTransition, "PauseExperiment requires a running experiment")
	}
	o.state = Paused
	o.stateMu.Unlock()
	o.paused.Store(true)
	o.setStateGauge(Paused)
	o.publish(Event{Type: EventExperimentPaused, Message: "experiment paused"})
	return nil
}

// ResumeExperiment requires PAUSED.
func (o *Orchestrator) ResumeExperiment() error {
	o.stateMu.Lock()
	if o.state != Paused {
		o.stateMu.Unlock()
		return obserr.New(obserr.ErrStateTransition, "ResumeExperiment requires a paused experiment")
	}
	o.state = Running
	old := o.resumeCh
	o.resumeCh = make(chan struct{})
	o.stateMu.Unlock()
	o.paused.Store(false)
	close(old)
	o.setStateGauge(Running)
	o.publish(Event{Type: EventExperimentResumed, Message: "experiment resumed"})
	return nil
}

// StopExperiment has three behaviours depending on current state: unload
// (LOADED/COMPLETED/ERROR/ABORTED -> IDLE), no-op (IDLE), or abort-signal
// (RUNNING/PAUSED -> ABORTING, executor goroutine discovers the flag).
func (o *Orchestrator) StopExperiment() error {
	o.stateMu.Lock()
	switch o.state {
	case Idle:
		o.stateMu.Unlock()
		return nil
	case Loaded, Completed, Error, Aborted:
		o.prog = nil
		o.currentStepIndex = 0
		o.totalSteps = 0
		o.state = Idle
		o.stateMu.Unlock()
		o.setStateGauge(Idle)
		return nil
	default: // Running, Paused
		o.stopRequested.Store(true)
		o.state = Aborting
		old := o.resumeCh
		o.resumeCh = make(chan struct{})
		o.stateMu.Unlock()
		o.paused.Store(false)
		close(old)
		if o.cancel != nil {
			o.cancel()
		}
		o.setStateGauge(Aborting)
		return nil
	}
}

// GetExperimentStatus returns a progress/remaining-time snapshot.
func (o *Orchestrator) GetExperimentStatus() Status {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	s := Status{
		State:            o.state,
		CurrentStepIndex: o.currentStepIndex,
		TotalSteps:       o.totalSteps,
		CurrentStepName:  o.currentStepName,
		RunID:            o.runID,
		ErrorMessage:     o.errorMessage,
	}
	if o.prog != nil {
		s.ProgramID = o.prog.ID
	}
	if o.totalSteps > 0 {
		s.ProgressPercent = float64(o.currentStepIndex) * 100 / float64(o.totalSteps)
	}
	remainingPct := 100 - s.ProgressPercent
	s.RemainingS = o.validation.Estimate.EstimatedDurationS * remainingPct / 100
	return s
}

// Wait implements executors.Pauser: it blocks while paused, and
// unblocks on resume or context cancellation (a stop request).
func (o *Orchestrator) Wait(ctx context.Context) error {
	for o.paused.Load() {
		o.stateMu.Lock()
		ch := o.resumeCh
		o.stateMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

var _ executors.Pauser = (*Orchestrator)(nil)

func (o *Orchestrator) runExecutor(ctx context.Context, p *program.Program) {
	defer o.wg.Done()

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = obserr.New(obserr.ErrUnrecoverable, fmt.Sprintf("panic: %v", r))
			}
		}()
		runErr = o.walkSteps(ctx, p.Steps)
	}()

	o.stateMu.Lock()
	stopped := o.stopRequested.Load()
	outcome := "completed"
	switch {
	case runErr != nil:
		o.state = Error
		o.errorMessage = runErr.Error()
		outcome = "error"
	case stopped:
		o.state = Aborted
		outcome = "aborted"
	default:
		o.state = Completed
	}
	runID := o.runID
	elapsed := time.Since(o.runStart).Seconds()
	o.stateMu.Unlock()

	if o.deps.L0 != nil {
		_ = o.deps.L0.TransitionTo(peripheral.Initial)
	}

	if o.deps.Repo != nil {
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		_ = o.deps.Repo.CloseRun(context.Background(), runID, outcome, errMsg)
	}

	runDuration.WithLabelValues(outcome).Observe(elapsed)
	o.setStateGauge(o.state)

	switch outcome {
	case "error":
		o.publish(Event{Type: EventExperimentError, Message: runErr.Error()})
	case "aborted":
		o.publish(Event{Type: EventExperimentStopped, Message: "experiment stopped"})
	default:
		o.publish(Event{Type: EventExperimentComplete, Message: "experiment completed"})
	}
}

func (o *Orchestrator) walkSteps(ctx context.Context, steps []program.Step) error {
	for _, s := range steps {
		if err := o.Wait(ctx); err != nil {
			return nil // cooperative stop, not an error outcome
		}
		if ctx.Err() != nil {
			return nil
		}

		if s.Kind == program.ActionLoop {
			for i := 0; i < s.Loop.Count; i++ {
				o.publish(Event{Type: EventLoopIteration, StepName: s.Name, Message: fmt.Sprintf("loop iteration %d/%d", i+1, s.Loop.Count)})
				if err := o.walkSteps(ctx, s.Loop.Steps); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
			}
			continue
		}

		if err := o.runStep(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, s program.Step) (err error) {
	o.stateMu.Lock()
	o.currentStepIndex++
	o.currentStepName = s.Name
	o.stateMu.Unlock()

	o.publish(Event{Type: EventStepStarted, StepName: s.Name})

	defer func() {
		if r := recover(); r != nil {
			err = obserr.New(obserr.ErrUnrecoverable, fmt.Sprintf("panic: %v", r))
		}
	}()

	switch s.Kind {
	case program.ActionSetState:
		if o.deps.L0 != nil {
			err = o.deps.L0.TransitionTo(modeFromName(s.SetState.State))
		}
	case program.ActionSetGasPump:
		if o.deps.L0 != nil {
			err = o.deps.L0.SetGasPumpPWM(float64(s.SetGasPump.PWM) / 100.0)
		}
	case program.ActionPhaseMarker:
		o.publish(Event{Type: EventPhaseStarted, StepName: s.Name, Message: s.PhaseMarker.Label})
		o.publish(Event{Type: EventPhaseEnded, StepName: s.Name, Message: s.PhaseMarker.Label})
	default:
		ex, ok := o.deps.Factory.For(s.Kind)
		if !ok {
			return obserr.New(obserr.ErrValidation, "no executor registered for step: "+s.Name)
		}
		res := ex.Execute(ctx, o.prog, s, o)
		if !res.Success {
			return obserr.New(obserr.ErrUnrecoverable, res.ErrorMessage)
		}
	}
	if err != nil {
		return err
	}

	o.publish(Event{Type: EventStepCompleted, StepName: s.Name})
	return nil
}

func modeFromName(name string) peripheral.Mode {
	switch name {
	case "DRAIN":
		return peripheral.Drain
	case "CLEAN":
		return peripheral.Clean
	case "SAMPLE":
		return peripheral.Sample
	case "INJECT":
		return peripheral.Inject
	default:
		return peripheral.Initial
	}
}

// RecordConsumable satisfies the func signature executors.Deps expects,
// delegating to the repository under the orchestrator's run id.
func (o *Orchestrator) RecordConsumable(ctx context.Context, ev store.ConsumableEvent) error {
	o.stateMu.Lock()
	runID := o.runID
	o.stateMu.Unlock()
	if o.deps.Repo == nil {
		return nil
	}
	return o.deps.Repo.RecordConsumable(ctx, runID, ev)
}

// LogEvent satisfies the func signature executors.Deps expects for
// free-text progress logging, publishing it as a step-scoped event.
func (o *Orchestrator) LogEvent(message string) {
	o.stateMu.Lock()
	stepName := o.currentStepName
	o.stateMu.Unlock()
	o.publish(Event{Type: EventStepStarted, StepName: stepName, Message: message})
}
