package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"sparsecnn/internal/dataset"
	"sparsecnn/internal/metrics"
	"sparsecnn/internal/model"
)

// FitConfig captures the knobs required by the training loop.
type FitConfig struct {
	Name            string
	Epochs          int
	BatchSize       int
	ValidationSplit float64
	LogEvery        int
	Seed            int64

	// OnStep runs before every optimizer step with the global step, starting at 0.
	OnStep   func(step int) bool
	// Sparsity, when set, is sampled at the end of each epoch.
	Sparsity func() float64
}

// Fit trains m on data and returns the per-epoch history. The last
// ValidationSplit fraction of data is held out, unshuffled, for validation.
func Fit(ctx context.Context, m model.Model, data dataset.Set, cfg FitConfig) (metrics.History, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.New("trainer: epochs must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("trainer: batch size must be > 0")
	}
	if cfg.ValidationSplit < 0 || cfg.ValidationSplit >= 1 {
		return nil, fmt.Errorf("trainer: validation split %g outside [0,1)", cfg.ValidationSplit)
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.Name == "" {
		cfg.Name = "fit"
	}

	train, valid := data.Tail(cfg.ValidationSplit)
	if train.Len() == 0 {
		return nil, errors.New("trainer: no training samples after validation split")
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	order := make([]int, train.Len())
	for i := range order {
		order[i] = i
	}

	var window metrics.Window
	history := make(metrics.History, 0, cfg.Epochs)
	step := 0
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		epochCtx, cancel := context.WithCancel(ctx)
		batches, batchErr := startBatches(epochCtx, train, order, cfg.BatchSize)

		var running metrics.Running
		for {
			startData := time.Now()
			batch, ok, err := nextBatch(ctx, batches, batchErr)
			if err != nil {
				cancel()
				return history, err
			}
			if !ok {
				break
			}
			dataTime := time.Since(startData)

			if cfg.OnStep != nil {
				cfg.OnStep(step)
			}
			startCompute := time.Now()
			loss, correct := m.TrainStep(batch)
			computeTime := time.Since(startCompute)

			n := len(batch.Inputs)
			running.Add(n, loss, correct)
			window.Record(n, correct, dataTime, computeTime, loss)
			step++

			if step%cfg.LogEvery == 0 {
				snap := window.Snapshot()
				log.Printf("fit=%s epoch=%d step=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f accuracy=%.4f",
					cfg.Name,
					epoch,
					step,
					snap.ImagesPerSec,
					snap.AvgDataMS,
					snap.AvgComputeMS,
					snap.LastLoss,
					snap.Accuracy,
				)
			}
		}
		cancel()

		rec := metrics.Epoch{Epoch: epoch}
		rec.Loss, rec.Accuracy = running.Mean()
		rec.ValLoss, rec.ValAccuracy = Evaluate(m, valid, cfg.BatchSize)
		if cfg.Sparsity != nil {
			rec.Sparsity = cfg.Sparsity()
		}
		history = append(history, rec)
		log.Printf("fit=%s epoch=%d/%d loss=%.4f accuracy=%.4f val_loss=%.4f val_accuracy=%.4f sparsity=%.4f",
			cfg.Name, epoch, cfg.Epochs, rec.Loss, rec.Accuracy, rec.ValLoss, rec.ValAccuracy, rec.Sparsity)
	}
	return history, nil
}

// Evaluate returns the sample-weighted mean loss and accuracy of m on set.
// An empty set scores zero.
func Evaluate(m model.Model, set dataset.Set, batchSize int) (loss, accuracy float64) {
	if batchSize <= 0 {
		batchSize = 32
	}
	var running metrics.Running
	for start := 0; start < set.Len(); start += batchSize {
		end := min(start+batchSize, set.Len())
		batch := model.Batch{Inputs: set.Images[start:end], Labels: set.Labels[start:end]}
		l, correct := m.Evaluate(batch)
		running.Add(end-start, l, correct)
	}
	return running.Mean()
}

// startBatches streams mini-batches of set in the given order. The final
// batch may be short. Both channels close once the order is exhausted.
func startBatches(ctx context.Context, set dataset.Set, order []int, batchSize int) (<-chan model.Batch, <-chan error) {
	out := make(chan model.Batch, 2)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for start := 0; start < len(order); start += batchSize {
			end := min(start+batchSize, len(order))
			batch := model.Batch{
				Inputs: make([][]float64, 0, end-start),
				Labels: make([]int, 0, end-start),
			}
			for _, idx := range order[start:end] {
				batch.Inputs = append(batch.Inputs, set.Images[idx])
				batch.Labels = append(batch.Labels, set.Labels[idx])
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- batch:
			}
		}
	}()
	return out, errCh
}

func nextBatch(ctx context.Context, batches <-chan model.Batch, errs <-chan error) (model.Batch, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Batch{}, false, err
	}
	select {
	case <-ctx.Done():
		return model.Batch{}, false, ctx.Err()
	case batch, ok := <-batches:
		if !ok {
			if err, ok := <-errs; ok && err != nil {
				return model.Batch{}, false, err
			}
			return model.Batch{}, false, nil
		}
		return batch, true, nil
	}
}
