package training

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainhelper/distributed"
	"github.com/tsawler/go-trainhelper/journal"
)

// Values of Config.ResumeEpoch that do not name an epoch
const (
	ResumeNone   = -1 // Start fresh
	ResumeLatest = -2 // Resume the newest epoch recorded in the journal
)

// ResolveResumeEpoch turns ResumeLatest into the newest epoch every named
// sub-model still has an unpruned file for, or ResumeNone when the journal
// holds nothing. Other requests are returned unchanged. The leader reads the
// journal and broadcasts the answer, so other ranks may pass a nil journal.
func ResolveResumeEpoch(ctx context.Context, requested int, j *journal.Journal, names []string, comm distributed.Communicator) (int, error) {
	if requested != ResumeLatest {
		return requested, nil
	}

	var epoch int
	var err error
	if distributed.IsLeader(comm) {
		epoch, err = latestCommonEpoch(ctx, j, names)
	}
	if comm != nil && comm.WorldSize() > 1 {
		buf := []float32{float32(epoch)}
		if err != nil {
			buf[0] = float32(math.NaN()) // the other ranks fail too
		}
		if berr := comm.Broadcast(ctx, "resume_epoch", buf); berr != nil {
			return ResumeNone, berr
		}
		if err == nil && math.IsNaN(float64(buf[0])) {
			return ResumeNone, errors.New("resume: leader could not resolve the latest epoch")
		}
		epoch = int(buf[0])
	}
	if err != nil {
		return ResumeNone, err
	}
	return epoch, nil
}

func latestCommonEpoch(ctx context.Context, j *journal.Journal, names []string) (int, error) {
	if j == nil {
		return ResumeNone, errors.New("resume: latest epoch needs a journal")
	}
	epoch := ResumeNone
	for i, name := range names {
		latest, ok, err := j.LatestEpoch(ctx, name)
		if err != nil {
			return ResumeNone, errors.Wrapf(err, "resume: latest epoch of %s", name)
		}
		if !ok {
			return ResumeNone, nil
		}
		if i == 0 || latest < epoch {
			epoch = latest
		}
	}
	return epoch, nil
}
