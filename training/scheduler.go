package training

import (
	"math"
)

// LRScheduler computes the learning rate of a sub-model for an epoch.
// Implementations other than ReduceLROnPlateau are pure functions of their
// arguments.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch and step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler multiplies the rate by Gamma every StepSize epochs
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string { return "StepLR" }

// ExponentialLRScheduler multiplies the rate by Gamma every epoch
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string { return "ExponentialLR" }

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax
// epochs along half a cosine period
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string { return "CosineAnnealingLR" }

// LinearDownLRScheduler keeps the base rate until StartEpoch and then decays
// it linearly, reaching MinLR at EndEpoch
type LinearDownLRScheduler struct {
	StartEpoch int
	EndEpoch   int
	MinLR      float64
}

// NewLinearDownLRScheduler creates a linear decay scheduler. An end epoch
// not after the start epoch collapses to a step down to minLR.
func NewLinearDownLRScheduler(startEpoch, endEpoch int, minLR float64) *LinearDownLRScheduler {
	if startEpoch < 0 {
		startEpoch = 0
	}
	if endEpoch < startEpoch {
		endEpoch = startEpoch
	}
	if minLR < 0 {
		minLR = 0
	}
	return &LinearDownLRScheduler{StartEpoch: startEpoch, EndEpoch: endEpoch, MinLR: minLR}
}

func (s *LinearDownLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	switch {
	case epoch < s.StartEpoch:
		return baseLR
	case epoch >= s.EndEpoch:
		return s.MinLR
	}
	frac := float64(epoch-s.StartEpoch) / float64(s.EndEpoch-s.StartEpoch)
	return baseLR - (baseLR-s.MinLR)*frac
}

func (s *LinearDownLRScheduler) GetName() string { return "LinearDownLR" }

// ReduceLROnPlateauScheduler reduces the rate when a validation metric has
// stopped improving. It is the only stateful scheduler: Step must be fed
// once per epoch, see PlateauCallback.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	Mode      string // "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step records one epoch's metric and returns the rate to use from now on
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
		return s.currentLR
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.currentLR *= s.Factor
		s.badEpochs = 0
	}
	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string { return "ReduceLROnPlateau" }

// NoOpScheduler keeps the base rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 { return baseLR }

func (s *NoOpScheduler) GetName() string { return "ConstantLR" }

// NewScheduler builds a scheduler from a config tag. Unknown or empty tags
// give the constant scheduler.
func NewScheduler(cfg SchedulerConfig) LRScheduler {
	switch cfg.Type {
	case "step":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma)
	case "exponential":
		return NewExponentialLRScheduler(cfg.Gamma)
	case "cosine":
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.MinLR)
	case "linear_down":
		return NewLinearDownLRScheduler(cfg.StartEpoch, cfg.EndEpoch, cfg.MinLR)
	case "plateau":
		return NewReduceLROnPlateauScheduler(cfg.Gamma, cfg.Patience, cfg.Threshold, cfg.Mode)
	default:
		return &NoOpScheduler{}
	}
}
