package training

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-trainhelper/distributed"
	"github.com/tsawler/go-trainhelper/journal"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestResolveResumeEpoch(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	for epoch := 0; epoch < 3; epoch++ {
		if err := j.CheckpointSaved(epoch, "gen", []string{"gen.pth"}); err != nil {
			t.Fatal(err)
		}
	}
	for epoch := 0; epoch < 2; epoch++ {
		if err := j.CheckpointSaved(epoch, "disc", []string{"disc.pth"}); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("Explicit", func(t *testing.T) {
		for _, requested := range []int{ResumeNone, 0, 7} {
			got, err := ResolveResumeEpoch(ctx, requested, nil, nil, nil)
			if err != nil || got != requested {
				t.Errorf("Expected %d unchanged, got %d (%v)", requested, got, err)
			}
		}
	})

	t.Run("LatestCommon", func(t *testing.T) {
		got, err := ResolveResumeEpoch(ctx, ResumeLatest, j, []string{"gen", "disc"}, nil)
		if err != nil {
			t.Fatalf("ResolveResumeEpoch failed: %v", err)
		}
		if got != 1 {
			t.Errorf("Expected epoch 1, the newest both models have, got %d", got)
		}
	})

	t.Run("NothingRecorded", func(t *testing.T) {
		got, err := ResolveResumeEpoch(ctx, ResumeLatest, j, []string{"gen", "critic"}, nil)
		if err != nil || got != ResumeNone {
			t.Errorf("Expected a fresh start, got %d (%v)", got, err)
		}
	})

	t.Run("NoJournal", func(t *testing.T) {
		if _, err := ResolveResumeEpoch(ctx, ResumeLatest, nil, []string{"gen"}, nil); err == nil {
			t.Error("Expected an error without a journal")
		}
	})

	t.Run("Distributed", func(t *testing.T) {
		comms := distributed.NewLocalGroup(2, 10*time.Second)
		results := make([]int, 2)
		errs := make([]error, 2)
		done := make(chan int, 2)
		for rank := range comms {
			go func(rank int) {
				var rj *journal.Journal
				if rank == 0 {
					rj = j
				}
				results[rank], errs[rank] = ResolveResumeEpoch(ctx, ResumeLatest, rj, []string{"gen"}, comms[rank])
				done <- rank
			}(rank)
		}
		<-done
		<-done
		for rank := range comms {
			if errs[rank] != nil || results[rank] != 2 {
				t.Errorf("Rank %d: expected epoch 2, got %d (%v)", rank, results[rank], errs[rank])
			}
		}
	})

	t.Run("DistributedLeaderFails", func(t *testing.T) {
		comms := distributed.NewLocalGroup(2, 10*time.Second)
		errs := make([]error, 2)
		done := make(chan int, 2)
		for rank := range comms {
			go func(rank int) {
				_, errs[rank] = ResolveResumeEpoch(ctx, ResumeLatest, nil, []string{"gen"}, comms[rank])
				done <- rank
			}(rank)
		}
		<-done
		<-done
		for rank, err := range errs {
			if err == nil {
				t.Errorf("Rank %d: expected the leader's failure to reach every rank", rank)
			}
		}
	})
}

func TestConfigResumeLatestNeedsJournal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResumeEpoch = ResumeLatest
	if err := cfg.Validate(); err == nil {
		t.Error("Expected resume from the latest epoch to need a journal")
	}
	cfg.Journal = "run.db"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected a valid config, got %v", err)
	}
	cfg.ResumeEpoch = -3
	if err := cfg.Validate(); err == nil {
		t.Error("Expected an unknown resume sentinel to be rejected")
	}
}
