package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RetentionPolicy bounds how many epochs of optimizer and weight files are
// kept for one name.
type RetentionPolicy struct {
	MaxCount int           // Epochs kept between long gaps (<= 0 keeps everything)
	MaxTime  time.Duration // A gap longer than this starts a new window and spares that save
}

// DefaultRetentionPolicy keeps everything, with a two hour window
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		MaxCount: -1,
		MaxTime:  2 * time.Hour,
	}
}

// Observer is told about files written and removed by a Store
type Observer interface {
	CheckpointSaved(epoch int, name string, paths []string) error
	CheckpointPruned(epoch int, name string, paths []string) error
}

// Store lays out checkpoint files under one directory:
//
//	{epoch}_optimizer_{name}.pth
//	{epoch}_weights_{name}.pth
//	{epoch}_weights_{name}_ema.pth
type Store struct {
	dir      string
	saver    *CheckpointSaver
	observer Observer
	now      func() time.Time
	created  time.Time

	mu        sync.Mutex
	retention map[string]*retention
}

type retention struct {
	epochs    []int
	lastReset time.Time
}

// NewStore creates the directory if needed
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	s := &Store{
		dir:       dir,
		saver:     NewCheckpointSaver(FormatBinary),
		now:       time.Now,
		retention: make(map[string]*retention),
	}
	s.created = s.now()
	return s, nil
}

// Dir returns the checkpoint directory
func (s *Store) Dir() string {
	return s.dir
}

// SetObserver installs o; pass nil to remove it
func (s *Store) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// SetClock replaces the time source; the retention window restarts from the
// new clock's current time.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.created = now()
	s.retention = make(map[string]*retention)
}

// OptimizerPath is the optimizer file for (epoch, name)
func (s *Store) OptimizerPath(epoch int, name string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_optimizer_%s.pth", epoch, name))
}

// WeightsPath is the weights file for (epoch, name)
func (s *Store) WeightsPath(epoch int, name string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_weights_%s.pth", epoch, name))
}

// EMAPath is the EMA shadow weights file for (epoch, name)
func (s *Store) EMAPath(epoch int, name string) string {
	return s.WeightsPath(epoch, name+"_ema")
}

// Write saves sd to path
func (s *Store) Write(path string, sd *StateDict) error {
	if err := s.saver.Save(sd, path); err != nil {
		return errors.WithMessagef(err, "save %s", path)
	}
	klog.V(1).Infof("save: %s", path)
	return nil
}

// Read loads the state dict at path; see CheckpointMissingError
func (s *Store) Read(path string) (*StateDict, error) {
	return s.saver.Load(path)
}

// Exists reports whether a checkpoint file is present
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// NotifySaved forwards a completed save to the observer
func (s *Store) NotifySaved(epoch int, name string, paths []string) {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()
	if o == nil {
		return
	}
	if err := o.CheckpointSaved(epoch, name, paths); err != nil {
		klog.Warningf("checkpoint observer failed to record save of %s@%d: %v", name, epoch, err)
	}
}

// Retain applies the retention policy after epoch was saved for name and
// returns the epochs whose optimizer and weight files were removed.
//
// A call arriving more than MaxTime after the window started restarts the
// window and is not itself recorded, so it never becomes a pruning candidate.
// EMA weight files are never removed.
func (s *Store) Retain(epoch int, name string, policy RetentionPolicy) ([]int, error) {
	if policy.MaxCount <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	r := s.retention[name]
	if r == nil {
		r = &retention{lastReset: s.created}
		s.retention[name] = r
	}

	now := s.now()
	if now.Sub(r.lastReset) > policy.MaxTime {
		r.lastReset = now
		s.mu.Unlock()
		return nil, nil
	}

	r.epochs = append(r.epochs, epoch)
	var pruned []int
	for len(r.epochs) > policy.MaxCount && policy.MaxCount > 1 {
		pruned = append(pruned, r.epochs[0])
		r.epochs = r.epochs[1:]
	}
	o := s.observer
	s.mu.Unlock()

	for _, old := range pruned {
		paths := []string{s.OptimizerPath(old, name), s.WeightsPath(old, name)}
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return pruned, errors.Wrapf(err, "failed to remove old checkpoint %s", p)
			}
		}
		klog.V(1).Infof("pruned checkpoint %s@%d", name, old)
		if o != nil {
			if err := o.CheckpointPruned(old, name, paths); err != nil {
				klog.Warningf("checkpoint observer failed to record prune of %s@%d: %v", name, old, err)
			}
		}
	}
	return pruned, nil
}

// Retained returns the epochs currently tracked for name
func (s *Store) Retained(name string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.retention[name]; r != nil {
		return append([]int(nil), r.epochs...)
	}
	return nil
}
