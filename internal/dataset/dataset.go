package dataset

import (
	"errors"
	"fmt"
	"sort"
)

// Side is the edge length of every image grid handled by the pipeline.
const Side = 28

// Pixels is the flattened length of one image.
const Pixels = Side * Side

var (
	// ErrShapeMismatch indicates images and labels disagree in count or shape.
	ErrShapeMismatch = errors.New("dataset: shape mismatch")
	// ErrEmptyClass indicates a class with no samples where one is required.
	ErrEmptyClass = errors.New("dataset: empty class")
	// ErrMalformedArchive indicates an archive that could not be decoded.
	ErrMalformedArchive = errors.New("dataset: malformed archive")
)

// Set is an index-aligned collection of flattened images and class labels.
type Set struct {
	Images [][]float64
	Labels []int
}

// Split pairs the train and test partitions.
type Split struct {
	Train Set
	Test  Set
}

// Len returns the number of samples.
func (s Set) Len() int {
	return len(s.Labels)
}

// Validate checks that images and labels stay aligned and every image has Pixels values.
func (s Set) Validate() error {
	if len(s.Images) != len(s.Labels) {
		return fmt.Errorf("%w: %d images vs %d labels", ErrShapeMismatch, len(s.Images), len(s.Labels))
	}
	for i, img := range s.Images {
		if len(img) != Pixels {
			return fmt.Errorf("%w: image %d has %d values, want %d", ErrShapeMismatch, i, len(img), Pixels)
		}
	}
	for i, l := range s.Labels {
		if l < 0 {
			return fmt.Errorf("%w: label %d is negative (%d)", ErrShapeMismatch, i, l)
		}
	}
	return nil
}

// Subset materializes the samples at indices, in order, into a new Set.
func (s Set) Subset(indices []int) Set {
	out := Set{
		Images: make([][]float64, len(indices)),
		Labels: make([]int, len(indices)),
	}
	for i, idx := range indices {
		out.Images[i] = append([]float64(nil), s.Images[idx]...)
		out.Labels[i] = s.Labels[idx]
	}
	return out
}

// Tail splits off the last fraction of the set, preserving order.
func (s Set) Tail(fraction float64) (head, tail Set) {
	cut := int(float64(s.Len()) * (1 - fraction))
	if cut < 0 {
		cut = 0
	}
	head = Set{Images: s.Images[:cut], Labels: s.Labels[:cut]}
	tail = Set{Images: s.Images[cut:], Labels: s.Labels[cut:]}
	return head, tail
}

// LabelCounts returns the number of samples per class.
func LabelCounts(labels []int) map[int]int {
	counts := make(map[int]int)
	for _, l := range labels {
		counts[l]++
	}
	return counts
}

// Classes returns the distinct labels in ascending order.
func Classes(labels []int) []int {
	counts := LabelCounts(labels)
	out := make([]int, 0, len(counts))
	for l := range counts {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}
