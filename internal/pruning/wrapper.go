package pruning

import (
	"fmt"
	"math"
	"sort"

	"sparsecnn/internal/model"
)

// Wrapped is a copy of a trained network whose kernels carry binary masks.
// Masks only ever grow: a weight pruned at one step stays zero afterwards.
type Wrapped struct {
	net      *model.ConvNet
	schedule PolynomialDecay
	layers   []maskedParam
	step     int
}

type maskedParam struct {
	name   string
	values []float64
	mask   []bool // true means pruned
	pruned int
}

// Wrap copies net, resets its optimizer and attaches all-pass masks to every
// prunable tensor.
func Wrap(net *model.ConvNet, schedule PolynomialDecay) (*Wrapped, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	clone := net.Clone()
	w := &Wrapped{net: clone, schedule: schedule, step: -1}
	for _, p := range clone.Params() {
		if !p.Prunable {
			continue
		}
		w.layers = append(w.layers, maskedParam{name: p.Name, values: p.Values, mask: make([]bool, len(p.Values))})
	}
	if len(w.layers) == 0 {
		return nil, fmt.Errorf("pruning: model has no prunable tensors")
	}
	return w, nil
}

// UpdateStep records the current global step and, when the schedule fires,
// prunes each tensor to the scheduled sparsity. It reports whether masks changed.
func (w *Wrapped) UpdateStep(step int) bool {
	w.step = step
	if !w.schedule.ShouldPrune(step) {
		return false
	}
	target := w.schedule.Sparsity(step)
	changed := false
	for i := range w.layers {
		if w.layers[i].pruneTo(target) {
			changed = true
		}
	}
	return changed
}

// TrainStep runs one optimizer step on the underlying network and re-applies the masks.
func (w *Wrapped) TrainStep(batch model.Batch) (float64, int) {
	w.applyMasks()
	loss, correct := w.net.TrainStep(batch)
	w.applyMasks()
	return loss, correct
}

// Evaluate scores batch with masked weights.
func (w *Wrapped) Evaluate(batch model.Batch) (float64, int) {
	w.applyMasks()
	return w.net.Evaluate(batch)
}

// Step returns the last step passed to UpdateStep, or -1.
func (w *Wrapped) Step() int {
	return w.step
}

// Sparsity returns the fraction of masked weights across all prunable tensors.
func (w *Wrapped) Sparsity() float64 {
	var pruned, total int
	for _, l := range w.layers {
		pruned += l.pruned
		total += len(l.mask)
	}
	return float64(pruned) / float64(total)
}

// LayerSparsity returns the masked fraction per prunable tensor.
func (w *Wrapped) LayerSparsity() map[string]float64 {
	out := make(map[string]float64, len(w.layers))
	for _, l := range w.layers {
		out[l.name] = float64(l.pruned) / float64(len(l.mask))
	}
	return out
}

// Strip returns a plain network with the same architecture whose pruned
// weights are exactly zero. The wrapper remains usable.
func (w *Wrapped) Strip() *model.ConvNet {
	w.applyMasks()
	return w.net.Clone()
}

func (w *Wrapped) applyMasks() {
	for _, l := range w.layers {
		if l.pruned == 0 {
			continue
		}
		for i, m := range l.mask {
			if m {
				l.values[i] = 0
			}
		}
	}
}

// pruneTo masks the lowest-magnitude weights until round(target*n) are masked.
// Already masked positions sort first so the mask is monotone.
func (l *maskedParam) pruneTo(target float64) bool {
	n := len(l.values)
	want := int(math.Round(target * float64(n)))
	if want <= l.pruned {
		return false
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if l.mask[ia] != l.mask[ib] {
			return l.mask[ia]
		}
		return math.Abs(l.values[ia]) < math.Abs(l.values[ib])
	})
	for _, idx := range order[:want] {
		if !l.mask[idx] {
			l.mask[idx] = true
			l.values[idx] = 0
		}
	}
	l.pruned = want
	return true
}
