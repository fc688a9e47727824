package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"

	"sparsecnn/internal/config"
	"sparsecnn/internal/dataset"
	"sparsecnn/internal/export"
	"sparsecnn/internal/metrics"
	"sparsecnn/internal/model"
	"sparsecnn/internal/pruning"
	"sparsecnn/internal/trainer"
)

// Result summarizes one end-to-end run.
type Result struct {
	RunID           string
	Baseline        metrics.History
	Pruned          metrics.History
	Report          export.Report
	Schedule        pruning.PolynomialDecay
	Artifacts       []string
	UploadedObjects []string
}

// Run executes load, balance, split, normalize, baseline training, pruning
// and export in order. Inspection output and the final report go to out.
func Run(ctx context.Context, cfg *config.Config, out io.Writer) (*Result, error) {
	res := &Result{RunID: uuid.NewString()}
	log.Printf("run=%s cpu=%q cores=%d threads=%d avx2=%t", res.RunID,
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.Has(cpuid.AVX2))

	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: output dir: %w", err)
	}

	split, err := prepareData(ctx, cfg, out)
	if err != nil {
		return nil, err
	}

	arch := model.Architecture{
		Side:       dataset.Side,
		Filters:    cfg.Model.Filters,
		KernelSize: cfg.Model.KernelSize,
		PoolSize:   cfg.Model.PoolSize,
		NumClasses: cfg.Model.NumClasses,
	}
	if cfg.Model.Variant == config.VariantL1 {
		arch.L1 = cfg.Model.L1
	}
	if err := checkLabels(split, arch.NumClasses); err != nil {
		return nil, err
	}

	baseline, err := model.NewConvNet(arch, cfg.Train.LearningRate, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build model: %w", err)
	}
	res.Baseline, err = trainer.Fit(ctx, baseline, split.Train, trainer.FitConfig{
		Name:            "baseline",
		Epochs:          cfg.Train.Epochs,
		BatchSize:       cfg.Train.BatchSize,
		ValidationSplit: cfg.Train.ValidationSplit,
		LogEvery:        cfg.LogEvery,
		Seed:            cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: baseline fit: %w", err)
	}
	_, baselineAcc := trainer.Evaluate(baseline, split.Test, cfg.Train.BatchSize)
	fmt.Fprintf(out, "Baseline test accuracy: %.4f\n", baselineAcc)

	baselinePath := filepath.Join(cfg.Output.Dir, "baseline.scnn")
	if err := export.SaveDense(baselinePath, baseline); err != nil {
		return nil, err
	}
	res.Artifacts = append(res.Artifacts, baselinePath)
	if err := res.plot(res.Baseline, "baseline", cfg); err != nil {
		return nil, err
	}

	res.Schedule = schedule(cfg, split.Train.Len())
	wrapped, err := pruning.Wrap(baseline, res.Schedule)
	if err != nil {
		return nil, fmt.Errorf("pipeline: wrap for pruning: %w", err)
	}
	log.Printf("pruning initial=%.2f final=%.2f begin=%d end=%d frequency=%d power=%.1f",
		res.Schedule.InitialSparsity, res.Schedule.FinalSparsity, res.Schedule.BeginStep,
		res.Schedule.EndStep, res.Schedule.Frequency, res.Schedule.Power)
	res.Pruned, err = trainer.Fit(ctx, wrapped, split.Train, trainer.FitConfig{
		Name:            "pruning",
		Epochs:          cfg.Pruning.Epochs,
		BatchSize:       cfg.Pruning.BatchSize,
		ValidationSplit: cfg.Pruning.ValidationSplit,
		LogEvery:        cfg.LogEvery,
		Seed:            cfg.Seed,
		OnStep:          wrapped.UpdateStep,
		Sparsity:        wrapped.Sparsity,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: pruning fit: %w", err)
	}
	if wrapped.Step() < res.Schedule.EndStep {
		log.Printf("pruning stopped at step=%d before end_step=%d; applying final sparsity", wrapped.Step(), res.Schedule.EndStep)
		wrapped.UpdateStep(res.Schedule.EndStep)
	}
	for name, s := range wrapped.LayerSparsity() {
		log.Printf("pruned layer=%s sparsity=%.4f", name, s)
	}
	if err := res.plot(res.Pruned, "pruned", cfg); err != nil {
		return nil, err
	}

	stripped := wrapped.Strip()
	_, wrappedAcc := trainer.Evaluate(wrapped, split.Test, cfg.Pruning.BatchSize)
	_, prunedAcc := trainer.Evaluate(stripped, split.Test, cfg.Pruning.BatchSize)
	if wrappedAcc != prunedAcc {
		log.Printf("warning: stripped accuracy %.4f differs from wrapped %.4f", prunedAcc, wrappedAcc)
	}

	files := export.Artifacts{
		Baseline: baselinePath,
		Pruned:   filepath.Join(cfg.Output.Dir, "pruned.scnn"),
	}
	if err := export.SaveDense(files.Pruned, stripped); err != nil {
		return nil, err
	}
	res.Artifacts = append(res.Artifacts, files.Pruned)
	if cfg.Output.WriteLite {
		files.Lite = filepath.Join(cfg.Output.Dir, "pruned.msgpack")
		if err := export.SaveLite(files.Lite, stripped); err != nil {
			return nil, err
		}
		res.Artifacts = append(res.Artifacts, files.Lite)
	}

	res.Report, err = export.Compare(res.RunID, baselineAcc, prunedAcc, wrapped.Sparsity(), files)
	if err != nil {
		return nil, err
	}
	res.Report.Print(out)

	if cfg.Output.WriteHistory {
		path := filepath.Join(cfg.Output.Dir, "history.parquet")
		if err := export.WriteHistory(path, map[string]metrics.History{"baseline": res.Baseline, "pruned": res.Pruned}); err != nil {
			return nil, err
		}
		res.Artifacts = append(res.Artifacts, path)
	}

	if cfg.Upload.Endpoint != "" {
		uploader, err := export.NewUploader(export.UploadConfig(cfg.Upload))
		if err != nil {
			return nil, err
		}
		res.UploadedObjects, err = uploader.Upload(ctx, res.RunID, res.Artifacts)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// prepareData loads the configured source and applies balancing, splitting
// and normalization in that order.
func prepareData(ctx context.Context, cfg *config.Config, out io.Writer) (dataset.Split, error) {
	split, err := load(ctx, cfg)
	if err != nil {
		return dataset.Split{}, err
	}
	if cfg.Balance {
		fmt.Fprintf(out, "n before under sampling: %d\n", split.Train.Len())
		if split.Train, err = dataset.Undersample(split.Train, cfg.Seed); err != nil {
			return dataset.Split{}, fmt.Errorf("pipeline: balance: %w", err)
		}
		if err := split.Train.Validate(); err != nil {
			return dataset.Split{}, fmt.Errorf("pipeline: balance: %w", err)
		}
	}
	if cfg.Split {
		if split, err = dataset.SplitSet(split.Train, cfg.TestFraction, cfg.Seed); err != nil {
			return dataset.Split{}, fmt.Errorf("pipeline: split: %w", err)
		}
	}
	dataset.Inspect(out, split)

	norm, err := dataset.ParseNormalization(cfg.Normalization)
	if err != nil {
		return dataset.Split{}, fmt.Errorf("pipeline: %w", err)
	}
	normalizer, err := dataset.Fit(split.Train.Images, norm)
	if err != nil {
		return dataset.Split{}, fmt.Errorf("pipeline: %w", err)
	}
	split = normalizer.ApplySplit(split)
	log.Printf("normalization=%s offset=%.4f scale=%.4f", normalizer.Policy, normalizer.Offset, normalizer.Scale)
	if split.Train.Len() > 0 {
		s := dataset.Describe(split.Train.Images[0])
		fmt.Fprintf(out, "first train image after normalization: mean=%.4f std=%.4f min=%.4f max=%.4f\n", s.Mean, s.Std, s.Min, s.Max)
	}
	return split, nil
}

func load(ctx context.Context, cfg *config.Config) (dataset.Split, error) {
	var split dataset.Split
	var err error
	switch cfg.Source {
	case config.SourceNPZ:
		split, err = dataset.LoadNPZ(cfg.TrainArchive, cfg.ValidArchive)
	case config.SourceMNIST:
		split, err = dataset.LoadMNIST(ctx, cfg.MNISTDir)
	case config.SourceShards:
		split.Train, err = dataset.LoadShards(ctx, cfg.ShardRoots, cfg.Seed, cfg.NumWorkers)
	default:
		err = fmt.Errorf("unknown source %q", cfg.Source)
	}
	if err != nil {
		return dataset.Split{}, fmt.Errorf("pipeline: load %s: %w", cfg.Source, err)
	}
	log.Printf("source=%s train=%d test=%d", cfg.Source, split.Train.Len(), split.Test.Len())
	return split, nil
}

func schedule(cfg *config.Config, numTrain int) pruning.PolynomialDecay {
	p := cfg.Pruning
	end := p.EndStep
	if end == 0 {
		// last step the pruning fit executes
		end = max(pruning.EndStep(numTrain, p.ValidationSplit, p.BatchSize, p.Epochs)-1, p.BeginStep+1)
	}
	s := pruning.NewPolynomialDecay(p.InitialSparsity, p.FinalSparsity, p.BeginStep, end)
	s.Power = p.Power
	s.Frequency = p.Frequency
	return s
}

func checkLabels(split dataset.Split, numClasses int) error {
	for _, set := range []dataset.Set{split.Train, split.Test} {
		for _, l := range set.Labels {
			if l >= numClasses {
				return fmt.Errorf("pipeline: label %d exceeds num_classes %d", l, numClasses)
			}
		}
	}
	return nil
}

func (r *Result) plot(history metrics.History, name string, cfg *config.Config) error {
	paths, err := export.PlotHistory(history, name, cfg.Output.Dir, cfg.Output.PlotPrefix+"_"+name)
	if err != nil {
		return err
	}
	r.Artifacts = append(r.Artifacts, paths...)
	return nil
}
