package dataset

import (
	"fmt"
	"math/rand"
	"sort"
)

// Undersample randomly drops samples of the larger classes, without replacement,
// until every class holds as many samples as the smallest one. Classes are the
// ids 0..max(label); a gap in that range is an empty class and fails the call.
// Surviving samples keep their original relative order.
func Undersample(set Set, seed int64) (Set, error) {
	if err := set.Validate(); err != nil {
		return Set{}, err
	}
	if set.Len() == 0 {
		return Set{}, fmt.Errorf("%w: nothing to balance", ErrEmptyClass)
	}

	byClass := groupByClass(set.Labels)
	minority := -1
	for class, idx := range byClass {
		if len(idx) == 0 {
			return Set{}, fmt.Errorf("%w: class %d has no samples", ErrEmptyClass, class)
		}
		if minority < 0 || len(idx) < minority {
			minority = len(idx)
		}
	}

	rng := rand.New(rand.NewSource(seed))
	keep := make([]int, 0, minority*len(byClass))
	for _, idx := range byClass {
		keep = append(keep, chooseWithoutReplacement(rng, idx, minority)...)
	}
	sort.Ints(keep)

	out := set.Subset(keep)
	if err := out.Validate(); err != nil {
		return Set{}, err
	}
	return out, nil
}

// groupByClass returns sample indices per class id, indexed 0..max(label).
func groupByClass(labels []int) [][]int {
	maxLabel := -1
	for _, l := range labels {
		if l > maxLabel {
			maxLabel = l
		}
	}
	byClass := make([][]int, maxLabel+1)
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}
	return byClass
}

// chooseWithoutReplacement returns k distinct elements of pool using a partial
// Fisher-Yates shuffle on a copy.
func chooseWithoutReplacement(rng *rand.Rand, pool []int, k int) []int {
	cp := append([]int(nil), pool...)
	for i := 0; i < k; i++ {
		j := i + rng.Intn(len(cp)-i)
		cp[i], cp[j] = cp[j], cp[i]
	}
	return cp[:k]
}
