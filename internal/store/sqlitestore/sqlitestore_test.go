package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gsq7474741/rpi-odor/internal/loadcell"
	"github.com/gsq7474741/rpi-odor/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunAndCloseRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	runID, err := s.OpenRun(ctx, "prog-1", "v1")
	if err != nil {
		t.Fatalf("unexpected error opening run: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a non-empty run id")
	}
	if err := s.CloseRun(ctx, runID, "completed", ""); err != nil {
		t.Fatalf("unexpected error closing run: %v", err)
	}
}

func TestRecordConsumable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	runID, err := s.OpenRun(ctx, "prog-1", "v1")
	if err != nil {
		t.Fatalf("unexpected error opening run: %v", err)
	}
	ev := store.ConsumableEvent{Kind: "pump_dispense", PumpIndex: 0, LiquidID: "water", AmountML: 5, DurationS: 1.2}
	if err := s.RecordConsumable(ctx, runID, ev); err != nil {
		t.Fatalf("unexpected error recording consumable: %v", err)
	}
}

func TestLoadCalibrationDefaultsWhenUnset(t *testing.T) {
	s := openTestStore(t)
	c, err := s.LoadCalibration(context.Background())
	if err != nil {
		t.Fatalf("unexpected error loading calibration: %v", err)
	}
	if c != loadcell.DefaultCalibration() {
		t.Errorf("expected factory defaults for an unset calibration, got %+v", c)
	}
}

func TestSaveAndLoadCalibrationRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := loadcell.DefaultCalibration()
	want.PumpMMToML = 2.5
	want.WeightOffset = 1.75

	if err := s.SaveCalibration(ctx, want); err != nil {
		t.Fatalf("unexpected error saving calibration: %v", err)
	}
	got, err := s.LoadCalibration(ctx)
	if err != nil {
		t.Fatalf("unexpected error loading calibration: %v", err)
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestSaveCalibrationOverwritesPriorValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := loadcell.DefaultCalibration()
	first.PumpMMToML = 1.0
	if err := s.SaveCalibration(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := first
	second.PumpMMToML = 9.0
	if err := s.SaveCalibration(ctx, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.LoadCalibration(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PumpMMToML != 9.0 {
		t.Errorf("expected the second save to overwrite the first, got PumpMMToML=%f", got.PumpMMToML)
	}
}
