package metrics

import "fmt"

// Series names accepted by History.Series.
const (
	Loss        = "loss"
	Accuracy    = "accuracy"
	ValLoss     = "val_loss"
	ValAccuracy = "val_accuracy"
	Sparsity    = "sparsity"
)

// Epoch holds the end-of-epoch training and validation metrics.
type Epoch struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
	Sparsity    float64 `json:"sparsity"`
}

// History is the per-epoch record of one fit, in epoch order.
type History []Epoch

// Series extracts one metric across all epochs.
func (h History) Series(name string) ([]float64, error) {
	out := make([]float64, len(h))
	for i, e := range h {
		switch name {
		case Loss:
			out[i] = e.Loss
		case Accuracy:
			out[i] = e.Accuracy
		case ValLoss:
			out[i] = e.ValLoss
		case ValAccuracy:
			out[i] = e.ValAccuracy
		case Sparsity:
			out[i] = e.Sparsity
		default:
			return nil, fmt.Errorf("metrics: unknown series %q", name)
		}
	}
	return out, nil
}

// Last returns the final epoch, or false when the history is empty.
func (h History) Last() (Epoch, bool) {
	if len(h) == 0 {
		return Epoch{}, false
	}
	return h[len(h)-1], true
}

// Running accumulates sample-weighted loss and correct counts over an epoch.
type Running struct {
	samples int
	correct int
	loss    float64
}

// Add records one batch of n samples with mean loss and correct predictions.
func (r *Running) Add(n int, loss float64, correct int) {
	r.samples += n
	r.correct += correct
	r.loss += loss * float64(n)
}

// Samples returns the number of samples recorded.
func (r *Running) Samples() int { return r.samples }

// Mean returns the sample-weighted mean loss and accuracy.
func (r *Running) Mean() (loss, accuracy float64) {
	if r.samples == 0 {
		return 0, 0
	}
	return r.loss / float64(r.samples), float64(r.correct) / float64(r.samples)
}
