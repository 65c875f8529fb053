package training

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainhelper/device"
	"github.com/tsawler/go-trainhelper/distributed"
)

// SchedulerConfig selects and parameterizes a learning rate scheduler, see
// NewScheduler
type SchedulerConfig struct {
	Type       string  `json:"type"` // step, exponential, cosine, linear_down, plateau
	StepSize   int     `json:"step_size"`
	Gamma      float64 `json:"gamma"`
	TMax       int     `json:"t_max"`
	MinLR      float64 `json:"min_lr"`
	StartEpoch int     `json:"start_epoch"`
	EndEpoch   int     `json:"end_epoch"`
	Patience   int     `json:"patience"`
	Threshold  float64 `json:"threshold"`
	Mode       string  `json:"mode"`
	Metric     string  `json:"metric"` // Validation metric for plateau
}

// ModelConfig declares one sub-model of a run
type ModelConfig struct {
	Name       string          `json:"name"`
	Class      string          `json:"class"`
	InitLR     float64         `json:"init_lr"`
	Optimizer  string          `json:"optimizer"`
	EMA        bool            `json:"ema"`
	FindUnused bool            `json:"find_unused_parameters"`
	Config     json.RawMessage `json:"config"`
	Scheduler  SchedulerConfig `json:"scheduler"`
}

// Config is the run configuration file
type Config struct {
	StartEpoch     int           `json:"start_epoch"`
	TotalEpoch     int           `json:"total_epoch"`
	CkptDir        string        `json:"ckpt_dir"`
	AMP            bool          `json:"amp"`
	GPUIDs         []int         `json:"gpu_ids"`
	BatchPerGPU    int           `json:"batch_per_gpu"`
	MasterHost     string        `json:"master_host"`
	Port           int           `json:"port"`
	BarrierTimeout int           `json:"barrier_timeout"` // Seconds, 0 waits forever
	MaxMessageMB   int           `json:"max_message_mb"`  // Rendezvous payload cap; 0 uses the default
	SaveFrequency  int           `json:"save_frequency"`
	SaveMaxCount   int           `json:"save_max_count"`
	SaveMaxTime    int           `json:"save_max_time"` // Seconds
	WarmupEpoch    int           `json:"warmup_epoch"`
	ResumeEpoch    int           `json:"resume_epoch"` // ResumeNone or ResumeLatest, or an epoch
	Seed           int64         `json:"seed"`
	Journal        string        `json:"journal"` // SQLite path; empty disables the journal
	Models         []ModelConfig `json:"models"`
}

// DefaultConfig returns a single-process CPU configuration
func DefaultConfig() Config {
	return Config{
		StartEpoch:    0,
		TotalEpoch:    10,
		CkptDir:       "./checkpoints",
		BatchPerGPU:   32,
		MasterHost:    "127.0.0.1",
		Port:          23456,
		SaveFrequency: 1,
		SaveMaxCount:  -1,
		SaveMaxTime:   2 * 60 * 60,
		WarmupEpoch:   -1,
		ResumeEpoch:   ResumeNone,
		Seed:          0,
	}
}

// LoadConfig reads a JSON file over the defaults, then applies TRAINHELPER_*
// environment overrides. An empty path uses the defaults only.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from TRAINHELPER_* variables
func (c *Config) ApplyEnv() {
	c.CkptDir = envOr("TRAINHELPER_CKPT_DIR", c.CkptDir)
	c.StartEpoch = envOrInt("TRAINHELPER_START_EPOCH", c.StartEpoch)
	c.TotalEpoch = envOrInt("TRAINHELPER_TOTAL_EPOCH", c.TotalEpoch)
	c.BatchPerGPU = envOrInt("TRAINHELPER_BATCH_PER_GPU", c.BatchPerGPU)
	c.MasterHost = envOr("TRAINHELPER_MASTER_HOST", c.MasterHost)
	c.Port = envOrInt("TRAINHELPER_PORT", c.Port)
	c.WarmupEpoch = envOrInt("TRAINHELPER_WARMUP_EPOCH", c.WarmupEpoch)
	c.ResumeEpoch = envOrInt("TRAINHELPER_RESUME_EPOCH", c.ResumeEpoch)
	c.Journal = envOr("TRAINHELPER_JOURNAL", c.Journal)
	if v := os.Getenv("TRAINHELPER_AMP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AMP = b
		}
	}
}

// Validate checks epoch bounds and the per-model declarations
func (c Config) Validate() error {
	if c.CkptDir == "" {
		return errors.New("config: ckpt_dir is required")
	}
	if c.StartEpoch < 0 || c.TotalEpoch < c.StartEpoch {
		return errors.Errorf("config: invalid epoch range [%d, %d)", c.StartEpoch, c.TotalEpoch)
	}
	if c.BatchPerGPU <= 0 {
		return errors.Errorf("config: batch_per_gpu must be positive, got %d", c.BatchPerGPU)
	}
	if c.BarrierTimeout < 0 {
		return errors.New("config: barrier_timeout must not be negative")
	}
	if c.MaxMessageMB < 0 {
		return errors.New("config: max_message_mb must not be negative")
	}
	if c.ResumeEpoch < ResumeLatest {
		return errors.Errorf("config: invalid resume_epoch %d", c.ResumeEpoch)
	}
	if c.ResumeEpoch == ResumeLatest && c.Journal == "" {
		return errors.New("config: resume from the latest epoch needs a journal")
	}
	seen := make(map[string]bool)
	for i, m := range c.Models {
		if m.Name == "" || m.Class == "" {
			return errors.Errorf("config: model %d needs a name and a class", i)
		}
		if seen[m.Name] {
			return errors.Errorf("config: model %q declared twice", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// WorldSize is one rank per configured GPU, or 1 on the host
func (c Config) WorldSize() int {
	if len(c.GPUIDs) == 0 {
		return 1
	}
	return len(c.GPUIDs)
}

// MaxTime is the retention window as a duration
func (c Config) MaxTime() time.Duration {
	return time.Duration(c.SaveMaxTime) * time.Second
}

// Distributed returns the rank configuration for rank
func (c Config) Distributed(rank int) distributed.Config {
	return distributed.Config{
		Rank:           rank,
		WorldSize:      c.WorldSize(),
		MasterAddr:     net.JoinHostPort(c.MasterHost, strconv.Itoa(c.Port)),
		BarrierTimeout: time.Duration(c.BarrierTimeout) * time.Second,
		MaxMessageSize: c.MaxMessageMB << 20,
	}
}

// Group returns the model group configuration for rank
func (c Config) Group(rank int) (GroupConfig, error) {
	dev, err := device.ForRank(c.GPUIDs, rank)
	if err != nil {
		return GroupConfig{}, err
	}
	return GroupConfig{CkptDir: c.CkptDir, AMP: c.AMP, Device: dev}, nil
}

// Loop returns the loop configuration
func (c Config) Loop() LoopConfig {
	return LoopConfig{
		StartEpoch:  c.StartEpoch,
		TotalEpoch:  c.TotalEpoch,
		WarmupEpoch: c.WarmupEpoch,
		GPUCount:    c.WorldSize(),
	}
}

// Checkpoint returns the checkpoint callback configuration
func (c Config) Checkpoint() CheckpointConfig {
	cc := DefaultCheckpointConfig()
	cc.SaveFrequency = c.SaveFrequency
	cc.MaxCount = c.SaveMaxCount
	cc.MaxTime = c.MaxTime()
	return cc
}

// Spec turns a model declaration into a ModelSpec with its scheduler
func (m ModelConfig) Spec(loss LossFunc) ModelSpec {
	opt := m.Optimizer
	if opt == "" {
		opt = "adam"
	}
	return ModelSpec{
		Name:                 m.Name,
		ClassPath:            m.Class,
		Config:               m.Config,
		InitLR:               m.InitLR,
		OptimizerType:        opt,
		Loss:                 loss,
		Scheduler:            NewScheduler(m.Scheduler),
		FindUnusedParameters: m.FindUnused,
	}
}

func (m ModelConfig) String() string {
	return fmt.Sprintf("%s(%s, %s lr=%g)", m.Name, m.Class, m.Optimizer, m.InitLR)
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envOrInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
