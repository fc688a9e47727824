package dataset

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Normalization selects how pixel intensities are rescaled.
type Normalization string

const (
	// MinMax divides by the global training maximum.
	MinMax Normalization = "minmax"
	// ZScore subtracts the training mean and divides by the training standard deviation.
	ZScore Normalization = "zscore"
)

// Normalizer holds statistics computed from training data only. Apply maps
// x to (x-Offset)/Scale.
type Normalizer struct {
	Policy Normalization
	Offset float64
	Scale  float64
}

// ParseNormalization maps a config value to a Normalization.
func ParseNormalization(s string) (Normalization, error) {
	switch Normalization(s) {
	case MinMax, ZScore:
		return Normalization(s), nil
	}
	return "", fmt.Errorf("unknown normalization %q", s)
}

// Fit computes the policy's statistics from the training images.
func Fit(train [][]float64, policy Normalization) (Normalizer, error) {
	if len(train) == 0 {
		return Normalizer{}, errors.New("normalize: no training images")
	}
	switch policy {
	case MinMax:
		peak := math.Inf(-1)
		for _, img := range train {
			if len(img) == 0 {
				continue
			}
			peak = math.Max(peak, floats.Max(img))
		}
		if peak <= 0 || math.IsInf(peak, 0) {
			return Normalizer{}, fmt.Errorf("normalize: training maximum is %g", peak)
		}
		return Normalizer{Policy: policy, Scale: peak}, nil
	case ZScore:
		mean, std := populationMeanStd(train)
		if std == 0 || math.IsNaN(std) {
			return Normalizer{}, errors.New("normalize: training standard deviation is zero")
		}
		return Normalizer{Policy: policy, Offset: mean, Scale: std}, nil
	}
	return Normalizer{}, fmt.Errorf("normalize: unknown policy %q", policy)
}

// Apply returns a new normalized copy of images.
func (n Normalizer) Apply(images [][]float64) [][]float64 {
	out := make([][]float64, len(images))
	for i, img := range images {
		dst := append([]float64(nil), img...)
		floats.AddConst(-n.Offset, dst)
		floats.Scale(1/n.Scale, dst)
		out[i] = dst
	}
	return out
}

// ApplySplit normalizes both partitions with the same statistics.
func (n Normalizer) ApplySplit(split Split) Split {
	return Split{
		Train: Set{Images: n.Apply(split.Train.Images), Labels: split.Train.Labels},
		Test:  Set{Images: n.Apply(split.Test.Images), Labels: split.Test.Labels},
	}
}

func populationMeanStd(images [][]float64) (mean, std float64) {
	var count int
	var sum float64
	for _, img := range images {
		sum += floats.Sum(img)
		count += len(img)
	}
	if count == 0 {
		return 0, 0
	}
	mean = sum / float64(count)

	var sq float64
	centre := make([]float64, 0, Pixels)
	for _, img := range images {
		if cap(centre) < len(img) {
			centre = make([]float64, 0, len(img))
		}
		centre = centre[:len(img)]
		for i := range centre {
			centre[i] = mean
		}
		d := floats.Distance(img, centre, 2)
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(count))
}
