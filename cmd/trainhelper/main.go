// Command trainhelper trains a group of regression models on a synthetic
// dataset with checkpointing, EMA shadows and optional multi-rank gradient
// synchronization.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainhelper/checkpoints"
	"github.com/tsawler/go-trainhelper/data"
	"github.com/tsawler/go-trainhelper/device"
	"github.com/tsawler/go-trainhelper/distributed"
	"github.com/tsawler/go-trainhelper/journal"
	"github.com/tsawler/go-trainhelper/nn"
	"github.com/tsawler/go-trainhelper/training"
	"github.com/tsawler/go-trainhelper/vis"
	"k8s.io/klog/v2"
)

var (
	flagConfig   = flag.String("config", "", "JSON run configuration; empty uses the defaults")
	flagRank     = flag.Int("rank", 0, "Rank of this process")
	flagLocal    = flag.Bool("local", false, "Run every rank as a goroutine in this process")
	flagSamples  = flag.Int("samples", 1024, "Synthetic training samples")
	flagPrefetch = flag.Int("prefetch", 2, "Training batches read ahead of the loop")
	flagInspect  = flag.String("inspect", "", "Print a .pth checkpoint as JSON and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *flagInspect != "" {
		if err := inspect(*flagInspect); err != nil {
			klog.Fatalf("inspect: %v", err)
		}
		return
	}

	cfg, err := training.LoadConfig(*flagConfig)
	if err != nil {
		klog.Fatalf("config: %v", err)
	}
	nn.SetRandomSeed(cfg.Seed)
	klog.Infof("host: %s", device.HostDescription())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *flagLocal {
		err = runLocal(ctx, cfg)
	} else {
		err = runRank(ctx, cfg, *flagRank, nil)
	}
	if err != nil {
		klog.Fatalf("training failed: %v", err)
	}
}

// runLocal starts cfg.WorldSize() ranks sharing an in-process hub
func runLocal(ctx context.Context, cfg training.Config) error {
	world := cfg.WorldSize()
	comms := distributed.NewLocalGroup(world, time.Duration(cfg.BarrierTimeout)*time.Second)

	var wg sync.WaitGroup
	errs := make([]error, world)
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = runRank(ctx, cfg, rank, comms[rank])
		}(rank)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			return errors.WithMessagef(err, "rank %d", rank)
		}
	}
	return nil
}

// runRank trains one rank. A nil comm joins the rendezvous from cfg.
func runRank(ctx context.Context, cfg training.Config, rank int, comm distributed.Communicator) error {
	if comm == nil {
		var err error
		if comm, err = distributed.Init(ctx, cfg.Distributed(rank)); err != nil {
			return err
		}
	}
	defer comm.Close()
	leader := distributed.IsLeader(comm)

	groupCfg, err := cfg.Group(rank)
	if err != nil {
		return err
	}
	group, err := training.NewModelGroup(groupCfg, training.DefaultRegistry(), comm)
	if err != nil {
		return err
	}
	task := newRegressionTask(group)
	group.Bind(task)

	models := cfg.Models
	if len(models) == 0 {
		models = []training.ModelConfig{defaultModel()}
	}
	var plateaus []*training.PlateauCallback
	for _, m := range models {
		spec := m.Spec(task.Loss(m.Name))
		if err := group.AddModel(ctx, spec); err != nil {
			return err
		}
		if m.EMA {
			if err := group.AddEMAModel(m.Name); err != nil {
				return err
			}
		}
		if p, ok := spec.Scheduler.(*training.ReduceLROnPlateauScheduler); ok {
			metric := m.Scheduler.Metric
			if metric == "" {
				metric = "loss"
			}
			plateaus = append(plateaus, training.NewPlateauCallback(m.Name, metric, p))
		}
	}
	if leader {
		klog.Infof("model group: %s", group)
		if err := group.WriteNetwork(filepath.Join(cfg.CkptDir, "network.txt")); err != nil {
			return err
		}
	}

	var j *journal.Journal
	if cfg.Journal != "" && leader {
		if j, err = journal.Open(cfg.Journal); err != nil {
			return err
		}
		defer j.Close()
	}

	loopCfg := cfg.Loop()
	resume, err := training.ResolveResumeEpoch(ctx, cfg.ResumeEpoch, j, group.Names(), comm)
	if err != nil {
		return err
	}
	if resume >= 0 {
		loaded, err := group.LoadModel(ctx, resume)
		if err != nil {
			return errors.WithMessagef(err, "resume from epoch %d", resume)
		}
		klog.Infof("rank %d: resumed %d/%d models from epoch %d", rank, loaded, len(models), resume)
		if loopCfg.StartEpoch <= resume {
			loopCfg.StartEpoch = resume + 1
		}
	}

	shard, err := data.NewDataLoader(newDataset(*flagSamples, cfg.Seed), data.Config{
		BatchSize: cfg.BatchPerGPU,
		Shuffle:   true,
		Seed:      cfg.Seed,
		Rank:      rank,
		WorldSize: cfg.WorldSize(),
	})
	if err != nil {
		return err
	}
	trainLoader, err := data.NewPrefetchLoader(shard, *flagPrefetch)
	if err != nil {
		return err
	}
	defer trainLoader.Close()
	valLoader, err := data.NewDataLoader(newDataset(*flagSamples/4, cfg.Seed+1), data.Config{
		BatchSize: cfg.BatchPerGPU,
		WorldSize: 1,
	})
	if err != nil {
		return err
	}

	if leader {
		loopCfg.Progress = os.Stderr
	}
	loop := training.NewLoop(group, trainLoader, valLoader, loopCfg)
	if leader {
		w, err := vis.NewJSONLWriter(filepath.Join(cfg.CkptDir, "vis"))
		if err != nil {
			return err
		}
		defer w.Close()
		loop.Vis = w
	}

	loop.AddCallback(training.NewCheckpointCallback(cfg.Checkpoint()))
	if j != nil {
		loop.AddCallback(training.NewJournalCallback(j))
	}
	for _, p := range plateaus {
		loop.AddCallback(p)
	}
	loop.AddCallback(&prefetchStats{loader: trainLoader})

	if err := loop.Run(ctx); err != nil {
		return err
	}
	if j != nil {
		reportBest(ctx, j)
	}
	return nil
}

// prefetchStats logs how far the training reader ran ahead
type prefetchStats struct {
	training.BaseCallback
	loader *data.PrefetchLoader
}

func (p *prefetchStats) OnEndEpoch(ctx context.Context, l *training.Loop, epoch int) error {
	s := p.loader.Stats()
	klog.V(1).Infof("epoch %d: prefetched %d batches, %d/%d queued", epoch, s.Produced, s.Queued, s.Capacity)
	return nil
}

func reportBest(ctx context.Context, j *journal.Journal) {
	epoch, value, ok, err := j.Best(ctx, "loss")
	if err != nil {
		klog.Warningf("journal best epoch: %v", err)
		return
	}
	if ok {
		klog.Infof("best validation loss %.6f at epoch %d", value, epoch)
	}
}

func defaultModel() training.ModelConfig {
	return training.ModelConfig{
		Name:      "net",
		Class:     "nn.MLP",
		InitLR:    1e-3,
		Optimizer: "adam",
		EMA:       true,
		Config:    []byte(`{"prefix":"net","sizes":[2,16,16,1]}`),
	}
}

func inspect(path string) error {
	sd, err := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary).Load(path)
	if err != nil {
		return err
	}
	return checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).Encode(os.Stdout, sd)
}
