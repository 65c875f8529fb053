package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-trainhelper/checkpoints"
)

var _ checkpoints.Observer = (*Journal)(nil)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestCheckpointRecords(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for epoch := 0; epoch < 3; epoch++ {
		paths := []string{"opt", "weights"}
		if err := j.CheckpointSaved(epoch, "gen", paths); err != nil {
			t.Fatalf("CheckpointSaved failed: %v", err)
		}
	}
	if err := j.CheckpointPruned(2, "gen", []string{"opt", "weights"}); err != nil {
		t.Fatalf("CheckpointPruned failed: %v", err)
	}

	records, err := j.Checkpoints(ctx, "gen")
	if err != nil {
		t.Fatalf("Checkpoints failed: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("Expected 6 records, got %d", len(records))
	}
	if records[0].PrunedAt != nil || records[5].PrunedAt == nil {
		t.Error("Expected only epoch 2 to be marked pruned")
	}

	epoch, ok, err := j.LatestEpoch(ctx, "gen")
	if err != nil || !ok || epoch != 1 {
		t.Errorf("Expected latest epoch 1, got %d (ok=%v, err=%v)", epoch, ok, err)
	}

	if _, ok, _ := j.LatestEpoch(ctx, "disc"); ok {
		t.Error("Expected no epoch for an unknown name")
	}

	// Saving again clears the prune mark
	if err := j.CheckpointSaved(2, "gen", []string{"opt"}); err != nil {
		t.Fatal(err)
	}
	if epoch, _, _ := j.LatestEpoch(ctx, "gen"); epoch != 2 {
		t.Errorf("Expected latest epoch 2 after re-save, got %d", epoch)
	}
}

func TestValidationRecords(t *testing.T) {
	j := openTestJournal(t)
	j.now = func() time.Time { return time.Unix(100, 0) }
	ctx := context.Background()

	if err := j.RecordValidation(ctx, 1, map[string]float64{"loss": 0.5, "psnr": 21}); err != nil {
		t.Fatalf("RecordValidation failed: %v", err)
	}
	if err := j.RecordValidation(ctx, 2, map[string]float64{"loss": 0.25}); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordValidation(ctx, 1, map[string]float64{"loss": 0.75}); err != nil {
		t.Fatal(err)
	}

	metrics, err := j.Validation(ctx, 1)
	if err != nil {
		t.Fatalf("Validation failed: %v", err)
	}
	if metrics["loss"] != 0.75 || metrics["psnr"] != 21 {
		t.Errorf("Unexpected metrics %v", metrics)
	}

	epoch, value, ok, err := j.Best(ctx, "loss")
	if err != nil || !ok {
		t.Fatalf("Best failed: %v", err)
	}
	if epoch != 2 || value != 0.25 {
		t.Errorf("Expected best epoch 2 at 0.25, got %d at %f", epoch, value)
	}

	if _, _, ok, _ := j.Best(ctx, "missing"); ok {
		t.Error("Expected no best for an unknown metric")
	}
}
