// Package loadcell implements the load-cell driver (C2): sits on top of the
// actuator transport, polling the load_cell object on a 200 ms tick,
// maintaining a sliding sample window, and deriving filtered weight,
// stability, trend, overflow and drain-complete signals.
package loadcell

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gsq7474741/rpi-odor/internal/obserr"
	"github.com/gsq7474741/rpi-odor/internal/obslog"
)

// Transport is the subset of the actuator transport client (C1) the load
// cell needs.
type Transport interface {
	SendCommand(script string) error
	QueryObject(object string, cb func(json.RawMessage)) error
}

const (
	objectName  = "load_cell"
	pollPeriod  = 200 * time.Millisecond
	waitTick    = 500 * time.Millisecond
	emptyWindowSpreadG = 0.5
)

// Trend is the window-halved trend classification.
type Trend int

const (
	TrendStable Trend = iota
	TrendIncreasing
	TrendDecreasing
)

func (t Trend) String() string {
	switch t {
	case TrendIncreasing:
		return "INCREASING"
	case TrendDecreasing:
		return "DECREASING"
	default:
		return "STABLE"
	}
}

// Calibration is the persisted load-cell configuration (C11 side-file).
type Calibration struct {
	OverflowThreshold     float64
	DrainCompleteMargin   float64
	StableStddevThreshold float64
	TrendThreshold        float64
	MaxBottleWeightG      float64
	OverflowMarginG       float64
	DrainStableDurationS  float64
	FilterWindowSize      int
	InvertReading         bool
	PumpMMToML            float64
	PumpMMOffset          float64
	WeightScale           float64
	WeightOffset          float64
}

// DefaultCalibration mirrors the factory defaults a fresh instrument boots
// with before a wizard run has ever persisted anything.
func DefaultCalibration() Calibration {
	return Calibration{
		OverflowThreshold:     150.0,
		DrainCompleteMargin:   0.5,
		StableStddevThreshold: 0.3,
		TrendThreshold:        0.5,
		MaxBottleWeightG:      200.0,
		OverflowMarginG:       10.0,
		DrainStableDurationS:  2.0,
		FilterWindowSize:      10,
		InvertReading:         false,
		PumpMMToML:            1.0,
		PumpMMOffset:          0.0,
		WeightScale:           1.0,
		WeightOffset:          0.0,
	}
}

// MMToG converts a motor distance (mm) to expected measured weight (g)
// using the calibration's slope/offset pairs chained together.
func (c Calibration) MMToG(mm float64) float64 {
	ml := mm*c.PumpMMToML + c.PumpMMOffset
	return ml*c.WeightScale + c.WeightOffset
}

// GToMM is MMToG's inverse.
func (c Calibration) GToMM(g float64) float64 {
	ml := (g - c.WeightOffset) / c.WeightScale
	return (ml - c.PumpMMOffset) / c.PumpMMToML
}

// Snapshot is an atomic read of the driver's derived fields.
type Snapshot struct {
	Filtered float64
	Stddev   float64
	Stable   bool
	Trend    Trend
	Tared    bool
}

type ring struct {
	buf   []float64
	count int
	pos   int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 10
	}
	return &ring{buf: make([]float64, size)}
}

func (r *ring) push(v float64) {
	r.buf[r.pos] = v
	r.pos = (r.pos + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// ordered returns the window contents oldest-first.
func (r *ring) ordered() []float64 {
	out := make([]float64, r.count)
	start := (r.pos - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func stddev(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	m := mean(vs)
	sum := 0.0
	for _, v := range vs {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vs)))
}

func spread(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	lo, hi := vs[0], vs[0]
	for _, v := range vs[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}

// OverflowObserver fires exactly on the rising edge of an overflow
// condition.
type OverflowObserver func()

// DrainCompleteObserver fires once per stable episode.
type DrainCompleteObserver func(weight float64)

type Driver struct {
	transport Transport
	log       *obslog.Logger

	mu         sync.Mutex
	cfg        Calibration
	win        *ring
	tareOffset float64

	snapshot Snapshot

	dynamicEmpty *float64

	overflowed     bool
	onOverflow     OverflowObserver
	onDrainComplete DrainCompleteObserver

	drainStableSince time.Time
	lastFireWeight   *float64

	wizard wizardState
	stop   chan struct{}
}

func New(transport Transport, log *obslog.Logger, cfg Calibration) *Driver {
	return &Driver{
		transport: transport,
		log:       log,
		cfg:       cfg,
		win:       newRing(cfg.FilterWindowSize),
		wizard:    wizardIdle,
		stop:      make(chan struct{}),
	}
}

func (d *Driver) SetCalibration(cfg Calibration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.win = newRing(cfg.FilterWindowSize)
}

func (d *Driver) Calibration() Calibration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Driver) OnOverflow(obs OverflowObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOverflow = obs
}

func (d *Driver) OnDrainComplete(obs DrainCompleteObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDrainComplete = obs
}

// Start begins the 200 ms poll loop. Stop halts it.
func (d *Driver) Start() {
	go d.pollLoop()
}

func (d *Driver) Stop() {
	close(d.stop)
}

func (d *Driver) pollLoop() {
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.transport.QueryObject(objectName, d.onSample); err != nil && d.log != nil {
				d.log.WithError(err).Debug("load_cell poll query failed")
			}
		case <-d.stop:
			return
		}
	}
}

type loadCellStatus struct {
	RawSample float64  `json:"raw_sample"`
	ForceG    *float64 `json:"force_g,omitempty"`
}

type queryResult struct {
	Status map[string]json.RawMessage `json:"status"`
}

func (d *Driver) onSample(result json.RawMessage) {
	var qr queryResult
	if err := json.Unmarshal(result, &qr); err != nil {
		return
	}
	raw, ok := qr.Status[objectName]
	if !ok {
		return
	}
	var st loadCellStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return
	}

	sample := st.RawSample
	if st.ForceG != nil {
		sample = *st.ForceG
	}

	d.mu.Lock()
	if d.cfg.InvertReading {
		sample = -sample
	}
	d.win.push(sample)
	vs := d.win.ordered()
	filtered := mean(vs) - d.tareOffset
	sd := stddev(vs)
	stable := sd < d.cfg.StableStddevThreshold
	trend := d.computeTrend(vs)
	d.snapshot = Snapshot{Filtered: filtered, Stddev: sd, Stable: stable, Trend: trend, Tared: d.tareOffset != 0}
	d.checkOverflowLocked(filtered)
	d.checkDrainCompleteLocked(filtered, stable, trend)
	d.mu.Unlock()
}

// computeTrend halves the window and compares means; the threshold itself
// provides hysteresis since small deltas classify as STABLE regardless of
// direction.
func (d *Driver) computeTrend(vs []float64) Trend {
	if len(vs) < 2 {
		return TrendStable
	}
	mid := len(vs) / 2
	older := mean(vs[:mid])
	recent := mean(vs[mid:])
	delta := recent - older
	switch {
	case delta > d.cfg.TrendThreshold:
		return TrendIncreasing
	case delta < -d.cfg.TrendThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func (d *Driver) checkOverflowLocked(filtered float64) {
	over := filtered > d.cfg.MaxBottleWeightG-d.cfg.OverflowMarginG
	if over && !d.overflowed && d.onOverflow != nil {
		d.onOverflow()
	}
	d.overflowed = over
}

func (d *Driver) checkDrainCompleteLocked(filtered float64, stable bool, trend Trend) {
	if !stable || trend != TrendStable {
		d.drainStableSince = time.Time{}
		return
	}
	if d.drainStableSince.IsZero() {
		d.drainStableSince = time.Now()
		return
	}
	if time.Since(d.drainStableSince) < time.Duration(d.cfg.DrainStableDurationS*float64(time.Second)) {
		return
	}
	if d.lastFireWeight != nil && math.Abs(filtered-*d.lastFireWeight) <= d.cfg.TrendThreshold {
		return // already fired for this episode
	}
	w := filtered
	d.lastFireWeight = &w
	if d.onDrainComplete != nil {
		cb := d.onDrainComplete
		go cb(w)
	}
}

// Snapshot returns the most recently computed derived fields.
func (d *Driver) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot
}

func (d *Driver) DynamicEmpty() (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dynamicEmpty == nil {
		return 0, false
	}
	return *d.dynamicEmpty, true
}

func (d *Driver) setDynamicEmpty(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dynamicEmpty = &v
}

// ResetDynamicEmpty discards the earned baseline.
func (d *Driver) ResetDynamicEmpty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dynamicEmpty = nil
}

func (d *Driver) isNearBaseline(filtered, tolerance float64) bool {
	base, ok := d.DynamicEmpty()
	if !ok {
		return true
	}
	return math.Abs(filtered-base) <= tolerance
}

// WaitForEmptyBottleResult is the wait_for_empty_bottle outcome.
type WaitForEmptyBottleResult struct {
	Success    bool
	EmptyWeight float64
}

// WaitForEmptyBottle polls at 500 ms. Success requires three consecutive
// near-baseline stable samples, then — if stabilityWindowS > 0 — a
// contiguous window of that length whose spread is < 0.5 g. On success it
// updates the dynamic empty baseline. On timeout it returns failure and
// leaves the baseline untouched.
func (d *Driver) WaitForEmptyBottle(ctx context.Context, tolerance, timeoutS, stabilityWindowS float64) (WaitForEmptyBottleResult, error) {
	deadline := time.Now().Add(time.Duration(timeoutS * float64(time.Second)))
	ticker := time.NewTicker(waitTick)
	defer ticker.Stop()

	consecutive := 0
	var windowStart time.Time
	var windowReadings []float64

	for {
		select {
		case <-ctx.Done():
			return WaitForEmptyBottleResult{}, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return WaitForEmptyBottleResult{}, nil
		}

		snap := d.Snapshot()
		if !snap.Stable || !d.isNearBaseline(snap.Filtered, tolerance) {
			consecutive = 0
			windowStart = time.Time{}
			windowReadings = nil
			continue
		}
		consecutive++
		if consecutive < 3 {
			continue
		}
		if stabilityWindowS <= 0 {
			d.setDynamicEmpty(snap.Filtered)
			return WaitForEmptyBottleResult{Success: true, EmptyWeight: snap.Filtered}, nil
		}
		if windowStart.IsZero() {
			windowStart = time.Now()
			windowReadings = []float64{snap.Filtered}
			continue
		}
		windowReadings = append(windowReadings, snap.Filtered)
		if time.Since(windowStart) >= time.Duration(stabilityWindowS*float64(time.Second)) {
			if spread(windowReadings) < emptyWindowSpreadG {
				d.setDynamicEmpty(snap.Filtered)
				return WaitForEmptyBottleResult{Success: true, EmptyWeight: snap.Filtered}, nil
			}
			windowStart = time.Now()
			windowReadings = []float64{snap.Filtered}
		}
	}
}

// wizardState is the calibration wizard's phase.
type wizardState int

const (
	wizardIdle wizardState = iota
	wizardZeroPoint
	wizardReferenceWeight
	wizardVerify
	wizardComplete
)

func (s wizardState) String() string {
	switch s {
	case wizardZeroPoint:
		return "ZERO_POINT"
	case wizardReferenceWeight:
		return "REFERENCE_WEIGHT"
	case wizardVerify:
		return "VERIFY"
	case wizardComplete:
		return "COMPLETE"
	default:
		return "IDLE"
	}
}

// WizardAdvance drives the wizard-style calibration state machine one step
// forward, emitting the matching firmware command and an advisory message.
func (d *Driver) WizardAdvance(referenceGrams int) (state string, advisory string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.wizard {
	case wizardIdle:
		if err := d.transport.SendCommand("LOAD_CELL_TARE LOAD_CELL=load_cell"); err != nil {
			return d.wizard.String(), "", err
		}
		d.wizard = wizardZeroPoint
		return d.wizard.String(), "zero point captured; place the reference weight", nil
	case wizardZeroPoint:
		if err := d.transport.SendCommand("LOAD_CELL_CALIBRATE LOAD_CELL=load_cell"); err != nil {
			return d.wizard.String(), "", err
		}
		if err := d.transport.SendCommand(formatCalibrateGrams(referenceGrams)); err != nil {
			return d.wizard.String(), "", err
		}
		d.wizard = wizardReferenceWeight
		return d.wizard.String(), "reference weight applied; verify the reading before accepting", nil
	case wizardReferenceWeight:
		if err := d.transport.SendCommand("ACCEPT"); err != nil {
			return d.wizard.String(), "", err
		}
		d.wizard = wizardVerify
		return d.wizard.String(), "calibration accepted; confirm to save", nil
	case wizardVerify:
		if err := d.transport.SendCommand("SAVE_CONFIG"); err != nil {
			return d.wizard.String(), "", err
		}
		d.wizard = wizardComplete
		return d.wizard.String(), "calibration saved", nil
	case wizardComplete:
		d.wizard = wizardIdle
		return d.wizard.String(), "", nil
	default:
		return d.wizard.String(), "", obserr.New(obserr.ErrStateTransition, "unknown wizard state")
	}
}

// WizardCancel returns to IDLE from any non-terminal step.
func (d *Driver) WizardCancel() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wizard == wizardIdle {
		return d.wizard.String(), nil
	}
	if err := d.transport.SendCommand("ABORT"); err != nil {
		return d.wizard.String(), err
	}
	d.wizard = wizardIdle
	return d.wizard.String(), nil
}

func (d *Driver) WizardState() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wizard.String()
}

func formatCalibrateGrams(g int) string {
	return "CALIBRATE GRAMS=" + strconv.Itoa(g)
}
