package dataset

import (
	"errors"
	"math/rand"
	"testing"
)

func TestUndersampleUniform(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 20; trial++ {
		classes := 2 + rng.Intn(4)
		n := classes + rng.Intn(200)
		set := syntheticSet(n, func(i int) int {
			if i < classes {
				return i
			}
			return rng.Intn(classes)
		})

		balanced, err := Undersample(set, int64(trial))
		if err != nil {
			t.Fatalf("trial %d: Undersample: %v", trial, err)
		}
		counts := LabelCounts(balanced.Labels)
		if len(counts) != classes {
			t.Fatalf("trial %d: expected %d classes, got %v", trial, classes, counts)
		}
		want := counts[0]
		for c, got := range counts {
			if got != want {
				t.Fatalf("trial %d: class %d has %d samples, want %d", trial, c, got, want)
			}
		}
		if len(balanced.Images) != len(balanced.Labels) {
			t.Fatalf("trial %d: images/labels out of step", trial)
		}
	}
}

func TestUndersampleKeepsPairsAligned(t *testing.T) {
	set := syntheticSet(30, func(i int) int {
		if i%3 == 0 {
			return 1
		}
		return 0
	})
	balanced, err := Undersample(set, 1)
	if err != nil {
		t.Fatalf("Undersample: %v", err)
	}
	for i, img := range balanced.Images {
		orig := int(img[0])
		if set.Labels[orig] != balanced.Labels[i] {
			t.Fatalf("sample %d: label %d does not match source label %d", i, balanced.Labels[i], set.Labels[orig])
		}
	}
}

func TestUndersampleDeterministic(t *testing.T) {
	set := syntheticSet(50, func(i int) int { return i % 3 / 2 })
	a, err := Undersample(set, 5)
	if err != nil {
		t.Fatalf("Undersample: %v", err)
	}
	b, err := Undersample(set, 5)
	if err != nil {
		t.Fatalf("Undersample: %v", err)
	}
	for i := range a.Images {
		if a.Images[i][0] != b.Images[i][0] {
			t.Fatalf("runs diverged at %d", i)
		}
	}
}

func TestUndersampleEmptyClass(t *testing.T) {
	set := syntheticSet(10, func(i int) int {
		if i%2 == 0 {
			return 0
		}
		return 2
	})
	_, err := Undersample(set, 1)
	if !errors.Is(err, ErrEmptyClass) {
		t.Fatalf("expected ErrEmptyClass, got %v", err)
	}

	_, err = Undersample(Set{}, 1)
	if !errors.Is(err, ErrEmptyClass) {
		t.Fatalf("expected ErrEmptyClass for empty input, got %v", err)
	}
}

func TestUndersampleShapeMismatch(t *testing.T) {
	set := syntheticSet(4, func(i int) int { return i % 2 })
	set.Labels = set.Labels[:3]
	if _, err := Undersample(set, 1); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

// syntheticSet builds n images whose first pixel records their source index.
func syntheticSet(n int, label func(i int) int) Set {
	set := Set{Images: make([][]float64, n), Labels: make([]int, n)}
	for i := 0; i < n; i++ {
		img := make([]float64, Pixels)
		img[0] = float64(i)
		set.Images[i] = img
		set.Labels[i] = label(i)
	}
	return set
}
