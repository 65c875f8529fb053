package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	// FormatBinary is the on-disk .pth format: protobuf wire fields framed by a
	// magic header and a blake2b digest.
	FormatBinary CheckpointFormat = iota
	// FormatJSON is a human readable dump, used for inspection only.
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatBinary:
		return "Binary"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// State dict kinds
const (
	KindWeights   = "weights"
	KindOptimizer = "optimizer"
)

// Tensor is one named parameter or optimizer buffer
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// StateDict is the serializable state of a model or an optimizer.
// Tensors keep insertion order; names are unique.
type StateDict struct {
	Kind      string             `json:"kind"`
	CreatedAt time.Time          `json:"created_at"`
	Scalars   map[string]float64 `json:"scalars,omitempty"`
	Tensors   []Tensor           `json:"tensors"`
}

// NewStateDict creates an empty state dict of the given kind
func NewStateDict(kind string) *StateDict {
	return &StateDict{
		Kind:    kind,
		Scalars: make(map[string]float64),
	}
}

// Add appends a copy of data under name
func (sd *StateDict) Add(name string, shape []int, data []float32) {
	sd.Tensors = append(sd.Tensors, Tensor{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  append([]float32(nil), data...),
	})
}

// Tensor looks up a tensor by name
func (sd *StateDict) Tensor(name string) (*Tensor, bool) {
	for i := range sd.Tensors {
		if sd.Tensors[i].Name == name {
			return &sd.Tensors[i], true
		}
	}
	return nil, false
}

// Names returns tensor names in stored order
func (sd *StateDict) Names() []string {
	names := make([]string, len(sd.Tensors))
	for i, t := range sd.Tensors {
		names[i] = t.Name
	}
	return names
}

// Scalar returns a scalar entry or def when absent
func (sd *StateDict) Scalar(key string, def float64) float64 {
	if v, ok := sd.Scalars[key]; ok {
		return v
	}
	return def
}

// SetScalar stores a scalar entry
func (sd *StateDict) SetScalar(key string, v float64) {
	if sd.Scalars == nil {
		sd.Scalars = make(map[string]float64)
	}
	sd.Scalars[key] = v
}

func (sd *StateDict) scalarKeys() []string {
	keys := make([]string, 0, len(sd.Scalars))
	for k := range sd.Scalars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CheckpointSaver reads and writes state dict files in one format
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Save writes sd to path, replacing any existing file atomically
func (cs *CheckpointSaver) Save(sd *StateDict, path string) error {
	if sd.CreatedAt.IsZero() {
		sd.CreatedAt = time.Now().UTC()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer os.Remove(tmp.Name())

	if err := cs.Encode(tmp, sd); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to flush checkpoint file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to move checkpoint into place at %s", path)
	}
	return nil
}

// Load reads a state dict from path. A missing file yields *CheckpointMissingError.
func (cs *CheckpointSaver) Load(path string) (*StateDict, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &CheckpointMissingError{Path: path}
		}
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	return cs.Decode(file)
}

// Encode writes sd to w in the saver's format
func (cs *CheckpointSaver) Encode(w io.Writer, sd *StateDict) error {
	switch cs.format {
	case FormatBinary:
		data, err := Marshal(sd)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return errors.Wrap(err, "failed to write checkpoint")
		}
		return nil
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(sd); err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
		return nil
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Decode reads a state dict from r in the saver's format
func (cs *CheckpointSaver) Decode(r io.Reader) (*StateDict, error) {
	switch cs.format {
	case FormatBinary:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read checkpoint")
		}
		return Unmarshal(data)
	case FormatJSON:
		var sd StateDict
		if err := json.NewDecoder(r).Decode(&sd); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return &sd, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// CheckpointMissingError reports a load that targeted an absent file
type CheckpointMissingError struct {
	Path string
}

func (e *CheckpointMissingError) Error() string {
	return fmt.Sprintf("%s not exists yet", e.Path)
}

// IsMissing reports whether err (or anything it wraps) is a *CheckpointMissingError
func IsMissing(err error) bool {
	var missing *CheckpointMissingError
	return errors.As(err, &missing)
}
