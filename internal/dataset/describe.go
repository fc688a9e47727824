package dataset

import (
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary is a describe-style summary of a sample of values.
type Summary struct {
	Count int
	Mean  float64
	Std   float64
	Min   float64
	Q25   float64
	Q50   float64
	Q75   float64
	Max   float64
}

// Describe summarizes values. Std is the sample standard deviation and the
// quartiles interpolate linearly between order statistics at rank (n-1)p.
func Describe(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	return Summary{
		Count: len(sorted),
		Mean:  mean,
		Std:   std,
		Min:   floats.Min(sorted),
		Q25:   quantile(sorted, 0.25),
		Q50:   quantile(sorted, 0.50),
		Q75:   quantile(sorted, 0.75),
		Max:   floats.Max(sorted),
	}
}

// quantile is numpy's default linear rule on sorted input. stat.LinInterp
// uses a different plotting position and disagrees on small samples.
func quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	h := float64(n-1) * p
	lo := int(h)
	if lo >= n-1 {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// Inspect writes partition sizes, label distributions and a summary of the
// first training image.
func Inspect(w io.Writer, split Split) {
	fmt.Fprintf(w, "n train data: %d\n", split.Train.Len())
	fmt.Fprintf(w, "n test data: %d\n", split.Test.Len())
	writeCounts(w, "train", split.Train.Labels)
	writeCounts(w, "test", split.Test.Labels)
	if split.Train.Len() == 0 {
		return
	}
	s := Describe(split.Train.Images[0])
	fmt.Fprintf(w, "first train image (label %d): count=%d mean=%.4f std=%.4f min=%.4f 25%%=%.4f 50%%=%.4f 75%%=%.4f max=%.4f\n",
		split.Train.Labels[0], s.Count, s.Mean, s.Std, s.Min, s.Q25, s.Q50, s.Q75, s.Max)
}

func writeCounts(w io.Writer, name string, labels []int) {
	counts := LabelCounts(labels)
	fmt.Fprintf(w, "%s labels:", name)
	for _, c := range Classes(labels) {
		fmt.Fprintf(w, " %d=%d", c, counts[c])
	}
	fmt.Fprintln(w)
}
