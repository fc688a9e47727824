package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sparsecnn/internal/config"
	"sparsecnn/internal/pipeline"
)

func main() {
	cfgPath := flag.String("config", "configs/chexpert.yaml", "Path to YAML config")
	source := flag.String("source", "", "Override data source (npz, mnist, shards)")
	normalization := flag.String("normalization", "", "Override normalization (minmax, zscore)")
	variant := flag.String("variant", "", "Override model variant (baseline, l1)")
	epochs := flag.Int("epochs", 0, "Epochs for both the baseline and pruning fits")
	batchSize := flag.Int("batch-size", 0, "Baseline batch size")
	seed := flag.Int64("seed", 0, "PRNG seed")
	outputDir := flag.String("output-dir", "", "Directory for model files, plots and history")
	logEvery := flag.Int("log-every", 0, "Log every N steps")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		Source:        *source,
		Normalization: *normalization,
		Variant:       *variant,
		Epochs:        *epochs,
		BatchSize:     *batchSize,
		Seed:          *seed,
		OutputDir:     *outputDir,
		LogEvery:      *logEvery,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := pipeline.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("run failed: %v", err)
	}
}
