package pruning

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSchedule indicates schedule bounds that cannot produce a
// non-decreasing sparsity ramp.
var ErrInvalidSchedule = errors.New("pruning: invalid schedule")

// PolynomialDecay ramps the target sparsity from InitialSparsity at BeginStep
// to FinalSparsity at EndStep along a polynomial of degree Power. Masks are
// recomputed every Frequency steps inside the range and once more at EndStep.
type PolynomialDecay struct {
	InitialSparsity float64
	FinalSparsity   float64
	BeginStep       int
	EndStep         int
	Power           float64
	Frequency       int
}

// NewPolynomialDecay returns a schedule with the conventional power 3 and
// frequency 100.
func NewPolynomialDecay(initial, final float64, begin, end int) PolynomialDecay {
	return PolynomialDecay{
		InitialSparsity: initial,
		FinalSparsity:   final,
		BeginStep:       begin,
		EndStep:         end,
		Power:           3,
		Frequency:       100,
	}
}

// Validate checks the schedule bounds.
func (s PolynomialDecay) Validate() error {
	switch {
	case s.BeginStep < 0:
		return fmt.Errorf("%w: begin step %d is negative", ErrInvalidSchedule, s.BeginStep)
	case s.EndStep <= s.BeginStep:
		return fmt.Errorf("%w: end step %d must exceed begin step %d", ErrInvalidSchedule, s.EndStep, s.BeginStep)
	case s.InitialSparsity < 0 || s.InitialSparsity >= 1:
		return fmt.Errorf("%w: initial sparsity %g outside [0,1)", ErrInvalidSchedule, s.InitialSparsity)
	case s.FinalSparsity < 0 || s.FinalSparsity >= 1:
		return fmt.Errorf("%w: final sparsity %g outside [0,1)", ErrInvalidSchedule, s.FinalSparsity)
	case s.InitialSparsity > s.FinalSparsity:
		return fmt.Errorf("%w: initial sparsity %g exceeds final %g", ErrInvalidSchedule, s.InitialSparsity, s.FinalSparsity)
	case s.Power <= 0:
		return fmt.Errorf("%w: power %g must be > 0", ErrInvalidSchedule, s.Power)
	case s.Frequency < 1:
		return fmt.Errorf("%w: frequency %d must be >= 1", ErrInvalidSchedule, s.Frequency)
	}
	return nil
}

// Sparsity returns the target sparsity at step.
func (s PolynomialDecay) Sparsity(step int) float64 {
	p := float64(step-s.BeginStep) / float64(s.EndStep-s.BeginStep)
	p = math.Min(1, math.Max(0, p))
	return s.FinalSparsity + (s.InitialSparsity-s.FinalSparsity)*math.Pow(1-p, s.Power)
}

// ShouldPrune reports whether masks are recomputed at step.
func (s PolynomialDecay) ShouldPrune(step int) bool {
	if step < s.BeginStep || step > s.EndStep {
		return false
	}
	return (step-s.BeginStep)%s.Frequency == 0 || step == s.EndStep
}

// EndStep is the number of optimizer steps in a fit over numImages samples
// with the given validation fraction held out.
func EndStep(numImages int, validationSplit float64, batchSize, epochs int) int {
	if batchSize <= 0 || epochs <= 0 {
		return 0
	}
	train := float64(numImages) * (1 - validationSplit)
	return int(math.Ceil(train/float64(batchSize))) * epochs
}
