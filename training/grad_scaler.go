package training

import (
	"math"

	"github.com/tsawler/go-trainhelper/optimizer"
	"gonum.org/v1/gonum/blas/blas32"
	"k8s.io/klog/v2"
)

// GradScalerConfig controls dynamic loss scaling
type GradScalerConfig struct {
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int // Clean steps before the scale grows
}

// DefaultGradScalerConfig returns the usual dynamic scaling constants
func DefaultGradScalerConfig() GradScalerConfig {
	return GradScalerConfig{
		InitScale:      65536.0,
		GrowthFactor:   2.0,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// GradScaler multiplies the loss before backward so small half precision
// gradients survive, then unscales them and skips steps whose gradients
// overflowed.
type GradScaler struct {
	config        GradScalerConfig
	scale         float64
	growthTracker int
	foundInf      bool

	Skipped uint64 // Optimizer steps dropped because of inf/NaN gradients
}

// NewGradScaler creates a scaler; zero fields of config take the defaults
func NewGradScaler(config GradScalerConfig) *GradScaler {
	def := DefaultGradScalerConfig()
	if config.InitScale <= 0 {
		config.InitScale = def.InitScale
	}
	if config.GrowthFactor <= 1 {
		config.GrowthFactor = def.GrowthFactor
	}
	if config.BackoffFactor <= 0 || config.BackoffFactor >= 1 {
		config.BackoffFactor = def.BackoffFactor
	}
	if config.GrowthInterval <= 0 {
		config.GrowthInterval = def.GrowthInterval
	}
	return &GradScaler{config: config, scale: config.InitScale}
}

// Scale returns the factor the loss is multiplied by before backward
func (s *GradScaler) Scale() float32 {
	return float32(s.scale)
}

// Step unscales the optimizer's gradients and steps it unless any gradient
// is inf or NaN. It reports whether the step was taken.
func (s *GradScaler) Step(opt optimizer.Optimizer) (bool, error) {
	inv := float32(1 / s.scale)
	s.foundInf = false
	for _, group := range opt.ParamGroups() {
		for _, p := range group.Params {
			blas32.Scal(inv, blas32.Vector{N: len(p.Grad), Inc: 1, Data: p.Grad})
			if !s.foundInf && !allFinite(p.Grad) {
				s.foundInf = true
			}
		}
	}
	if s.foundInf {
		s.Skipped++
		klog.V(1).Infof("grad scaler: non-finite gradients at scale %g, step skipped", s.scale)
		return false, nil
	}
	return true, opt.Step()
}

// Update adjusts the scale after a Step: back off after an overflow, grow
// after GrowthInterval clean steps in a row.
func (s *GradScaler) Update() {
	if s.foundInf {
		s.scale *= s.config.BackoffFactor
		s.growthTracker = 0
		s.foundInf = false
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.config.GrowthInterval {
		s.scale *= s.config.GrowthFactor
		s.growthTracker = 0
	}
}

func allFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return false
		}
	}
	return true
}
