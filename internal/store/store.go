// Package store defines the persistence seam (C11): run records,
// consumable-consumption accounting, and calibration storage, decoupled
// from any particular backing engine.
package store

import (
	"context"

	"github.com/gsq7474741/rpi-odor/internal/loadcell"
)

// ConsumableEvent is one consumable-consumption record forwarded to the
// store for maintenance accounting.
type ConsumableEvent struct {
	Kind      string // e.g. "pump_dispense"
	PumpIndex int
	LiquidID  string
	AmountML  float64
	DurationS float64
}

// Repository is the persistence seam the orchestrator depends on; main also
// loads the load-cell calibration through it. The core never references a global DB pool; an instance is
// constructed in main and threaded through explicitly.
type Repository interface {
	OpenRun(ctx context.Context, programID, programVersion string) (runID string, err error)
	CloseRun(ctx context.Context, runID string, outcome string, errMsg string) error
	RecordConsumable(ctx context.Context, runID string, ev ConsumableEvent) error
	LoadCalibration(ctx context.Context) (loadcell.Calibration, error)
	SaveCalibration(ctx context.Context, c loadcell.Calibration) error
}
