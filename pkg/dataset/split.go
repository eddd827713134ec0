// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"math"
	"math/rand"
	"sort"

	"github.com/gomlx/denoiser/pkg/failure"
)

// Split is a (train, test) partition of a LabeledImageSet.
type Split struct {
	Train, Test *LabeledImageSet

	// TrainIndices and TestIndices are the indices in the original set of the examples in Train and Test.
	// They are disjoint and together cover the original set.
	TrainIndices, TestIndices []int
}

// StratifiedSplit partitions set into train and test subsets, with testFraction of the examples going to test,
// preserving the per-class proportions.
//
// The test size is ceil(testFraction * N), distributed among the classes proportionally to their sizes (largest
// remainders first, ties by class index), with every class keeping at least one example on each side.
// Examples are then picked at random within each class, and both subsets are shuffled.
//
// It is a pure function of (set, testFraction, seed).
//
// It fails with a failure.KindSplit error if testFraction is outside (0, 1), or if any class has fewer than
// 2 examples.
func StratifiedSplit(set *LabeledImageSet, testFraction float64, seed int64) (*Split, error) {
	const op = "dataset.StratifiedSplit"
	if !(testFraction > 0 && testFraction < 1) {
		return nil, failure.New(failure.KindSplit, op, "test fraction must be in (0, 1), got %g", testFraction)
	}
	classes, err := set.ClassIndices()
	if err != nil {
		return nil, failure.Wrap(failure.KindSplit, op, err)
	}

	// Group example indices by class.
	members := make([][]int, set.NumClasses())
	for example, class := range classes {
		members[class] = append(members[class], example)
	}
	for class, m := range members {
		if len(m) == 1 {
			return nil, failure.New(failure.KindSplit, op,
				"class #%d has only 1 example, at least 2 are needed to stratify", class)
		}
	}

	testCounts := allocateTestCounts(members, len(classes), testFraction)
	rng := rand.New(rand.NewSource(seed))
	split := &Split{}
	for class, m := range members {
		if len(m) == 0 {
			continue
		}
		perm := rng.Perm(len(m))
		for ii, p := range perm {
			if ii < testCounts[class] {
				split.TestIndices = append(split.TestIndices, m[p])
			} else {
				split.TrainIndices = append(split.TrainIndices, m[p])
			}
		}
	}
	rng.Shuffle(len(split.TrainIndices), func(i, j int) {
		split.TrainIndices[i], split.TrainIndices[j] = split.TrainIndices[j], split.TrainIndices[i]
	})
	rng.Shuffle(len(split.TestIndices), func(i, j int) {
		split.TestIndices[i], split.TestIndices[j] = split.TestIndices[j], split.TestIndices[i]
	})

	if split.Train, err = set.Subset(split.TrainIndices); err != nil {
		return nil, failure.Wrap(failure.KindSplit, op, err)
	}
	if split.Test, err = set.Subset(split.TestIndices); err != nil {
		return nil, failure.Wrap(failure.KindSplit, op, err)
	}
	return split, nil
}

// allocateTestCounts returns the number of test examples per class.
func allocateTestCounts(members [][]int, total int, testFraction float64) []int {
	// epsilon absorbs floating point noise, e.g. 0.7*10 = 7.000000000000001.
	const epsilon = 1e-9
	numTest := int(math.Ceil(testFraction*float64(total) - epsilon))
	counts := make([]int, len(members))
	type remainder struct {
		class int
		frac  float64
	}
	var remainders []remainder
	allocated := 0
	for class, m := range members {
		exact := testFraction * float64(len(m))
		counts[class] = int(math.Floor(exact + epsilon))
		allocated += counts[class]
		remainders = append(remainders, remainder{class, exact - float64(counts[class])})
	}
	sort.SliceStable(remainders, func(i, j int) bool { return remainders[i].frac > remainders[j].frac })
	for ii := 0; allocated < numTest && ii < len(remainders); ii++ {
		class := remainders[ii].class
		if counts[class] < len(members[class]) {
			counts[class]++
			allocated++
		}
	}

	// Keep at least one example of each class on both sides.
	for class, m := range members {
		if len(m) == 0 {
			continue
		}
		counts[class] = max(1, min(counts[class], len(m)-1))
	}
	return counts
}
