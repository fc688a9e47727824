package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// StratifiedSplit performs one stratified shuffle split of labels. The test
// partition holds ceil(n*testFraction) samples allocated across classes in
// proportion to their frequency. The returned index sets are disjoint and
// together cover 0..n-1 exactly once.
func StratifiedSplit(labels []int, testFraction float64, seed int64) (train, test []int, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("split: test fraction must be in (0,1) (got %g)", testFraction)
	}
	n := len(labels)
	nTest := int(math.Ceil(testFraction * float64(n)))
	nTrain := n - nTest
	if nTest < 1 || nTrain < 1 {
		return nil, nil, errors.New("split: not enough samples for a train/test split")
	}

	classes := Classes(labels)
	byClass := make(map[int][]int, len(classes))
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}
	counts := make([]int, len(classes))
	for i, c := range classes {
		counts[i] = len(byClass[c])
	}
	alloc := allocate(counts, nTest)

	rng := rand.New(rand.NewSource(seed))
	train = make([]int, 0, nTrain)
	test = make([]int, 0, nTest)
	for i, c := range classes {
		idx := append([]int(nil), byClass[c]...)
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
		test = append(test, idx[:alloc[i]]...)
		train = append(train, idx[alloc[i]:]...)
	}
	rng.Shuffle(len(train), func(a, b int) { train[a], train[b] = train[b], train[a] })
	rng.Shuffle(len(test), func(a, b int) { test[a], test[b] = test[b], test[a] })
	return train, test, nil
}

// SplitSet applies StratifiedSplit to set.
func SplitSet(set Set, testFraction float64, seed int64) (Split, error) {
	if err := set.Validate(); err != nil {
		return Split{}, err
	}
	trainIdx, testIdx, err := StratifiedSplit(set.Labels, testFraction, seed)
	if err != nil {
		return Split{}, err
	}
	split := Split{Train: set.Subset(trainIdx), Test: set.Subset(testIdx)}
	if err := split.Train.Validate(); err != nil {
		return Split{}, err
	}
	if err := split.Test.Validate(); err != nil {
		return Split{}, err
	}
	return split, nil
}

// allocate distributes total across buckets proportionally to counts using the
// largest remainder method, never exceeding a bucket's count.
func allocate(counts []int, total int) []int {
	n := 0
	for _, c := range counts {
		n += c
	}
	alloc := make([]int, len(counts))
	rem := make([]float64, len(counts))
	assigned := 0
	for i, c := range counts {
		share := float64(c) * float64(total) / float64(n)
		alloc[i] = int(math.Floor(share))
		rem[i] = share - float64(alloc[i])
		assigned += alloc[i]
	}
	order := make([]int, len(counts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return rem[order[a]] > rem[order[b]] })
	for assigned < total {
		progressed := false
		for _, i := range order {
			if assigned == total {
				break
			}
			if alloc[i] < counts[i] {
				alloc[i]++
				assigned++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return alloc
}
