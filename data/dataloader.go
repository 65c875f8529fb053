// Package data feeds batches to the training loop.
package data

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-trainhelper/nn"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                            // Total number of samples
	Get(idx int) (features, target []float32, err error) // Returns a single sample
}

// Loader is the restartable, finite batch sequence the training loop consumes
type Loader interface {
	Len() int              // Batches per epoch for this rank
	Reset()                // Starts a new pass
	Next() (*Batch, error) // Returns nil at the end of the pass
}

// Batch represents a batch of features and targets
type Batch struct {
	Inputs  *nn.Value // [Size, features]
	Targets []float32 // Size*targetWidth values, row-major
	Indices []int     // Dataset indices in batch order
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Indices)
}

// Config controls batching and sharding
type Config struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	Rank      int // Shard of the dataset read by this loader
	WorldSize int // Number of shards; <= 1 reads everything
}

// DefaultConfig returns an unsharded, unshuffled configuration
func DefaultConfig() Config {
	return Config{
		BatchSize: 32,
		Shuffle:   false,
		Seed:      1,
		Rank:      0,
		WorldSize: 1,
	}
}

// DataLoader provides batching, shuffling and rank sharding.
//
// With WorldSize > 1 the index list is padded by wrapping around until it
// divides evenly, then rank r takes every WorldSize-th index starting at r,
// so every rank sees the same number of batches.
type DataLoader struct {
	dataset Dataset
	config  Config
	epoch   int
	indices []int
	pos     int
	mutex   sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.WorldSize <= 0 {
		config.WorldSize = 1
	}
	if config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", config.Rank, config.WorldSize)
	}
	dl := &DataLoader{dataset: dataset, config: config}
	dl.indices = dl.shard()
	return dl, nil
}

// SetEpoch reseeds the shuffle so every rank draws the same permutation
func (dl *DataLoader) SetEpoch(epoch int) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.epoch = epoch
}

func (dl *DataLoader) shard() []int {
	n := dl.dataset.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if dl.config.Shuffle {
		rng := rand.New(rand.NewSource(dl.config.Seed + int64(dl.epoch)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	world := dl.config.WorldSize
	if world == 1 || n == 0 {
		return order
	}
	for i := 0; len(order)%world != 0; i++ {
		order = append(order, order[i%n])
	}
	shard := make([]int, 0, len(order)/world)
	for i := dl.config.Rank; i < len(order); i += world {
		shard = append(shard, order[i])
	}
	return shard
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.pos = 0
	dl.indices = dl.shard()
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.pos >= len(dl.indices) {
		return nil, nil
	}
	end := dl.pos + dl.config.BatchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	indices := append([]int(nil), dl.indices[dl.pos:end]...)
	dl.pos = end

	batch, err := dl.loadBatch(indices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}
	return batch, nil
}

func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	var inputs, targets []float32
	width := -1
	for _, idx := range indices {
		features, target, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		if width == -1 {
			width = len(features)
		} else if len(features) != width {
			return nil, fmt.Errorf("sample %d has %d features, expected %d", idx, len(features), width)
		}
		inputs = append(inputs, features...)
		targets = append(targets, target...)
	}

	value, err := nn.NewValue(len(indices), width, inputs)
	if err != nil {
		return nil, err
	}
	return &Batch{Inputs: value, Targets: targets, Indices: indices}, nil
}

// TensorDataset is an in-memory dataset of equally sized rows
type TensorDataset struct {
	Features [][]float32
	Targets  [][]float32
}

func (d *TensorDataset) Len() int {
	return len(d.Features)
}

func (d *TensorDataset) Get(idx int) ([]float32, []float32, error) {
	if idx < 0 || idx >= len(d.Features) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.Features))
	}
	return d.Features[idx], d.Targets[idx], nil
}
