package training

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainhelper/nn"
)

// Factory builds a model from its JSON configuration
type Factory func(cfg json.RawMessage) (nn.Module, error)

// Registry maps class paths to model factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds classPath to factory. A class path can be bound once.
func (r *Registry) Register(classPath string, factory Factory) error {
	if classPath == "" || factory == nil {
		return errors.New("register: class path and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[classPath]; ok {
		return errors.Errorf("register: class path %q already bound", classPath)
	}
	r.factories[classPath] = factory
	return nil
}

// Create builds a model through the factory registered for classPath
func (r *Registry) Create(classPath string, cfg json.RawMessage) (nn.Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[classPath]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownModelTypeError{ClassPath: classPath}
	}
	m, err := factory(cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "create %s", classPath)
	}
	return m, nil
}

// ClassPaths lists the registered class paths
func (r *Registry) ClassPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.factories))
	for p := range r.factories {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// MLPConfig configures the built-in "nn.MLP" model
type MLPConfig struct {
	Prefix string `json:"prefix"`
	Sizes  []int  `json:"sizes"`
}

// NewMLPFactory decodes an MLPConfig and builds the network
func NewMLPFactory() Factory {
	return func(raw json.RawMessage) (nn.Module, error) {
		cfg := MLPConfig{Prefix: "net"}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return nil, errors.Wrap(err, "decode mlp config")
			}
		}
		return nn.NewMLP(cfg.Prefix, cfg.Sizes...)
	}
}

// DefaultRegistry returns a registry holding the built-in models
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("nn.MLP", NewMLPFactory())
	return r
}
