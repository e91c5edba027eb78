package spmd

import (
	"fmt"
	"sort"

	"github.com/Workiva/go-datastructures/bitarray"
	"github.com/Workiva/go-datastructures/queue"
)

// Assignment is one process of the launch tree.
type Assignment struct {
	// Rank is the process's own rank.
	Rank int
	// Span is how many ranks the process's subtree covers, itself included:
	// [Rank, Rank+Span).
	Span int
	// Parent is the rank of the spawning process, -1 for the root.
	Parent int
	// Depth counts parent links up to the root.
	Depth int
	// Step is the sequential spawn round in which the process was started.
	// The root is step 0.
	Step int
}

// children lists the processes a starts, in spawn order. Each spawn gives the
// upper half of a's remaining span to the child; a keeps the lower half.
func children(a Assignment) []Assignment {
	var out []Assignment
	rank, span := a.Rank, a.Span
	for span > 1 {
		c := span / 2
		out = append(out, Assignment{
			Rank:   rank + span - c,
			Span:   c,
			Parent: a.Rank,
			Depth:  a.Depth + 1,
			Step:   a.Step + len(out) + 1,
		})
		span -= c
	}
	return out
}

// Plan computes the whole launch tree for n processes, sorted by rank. It
// fails unless the ranks cover [0, n) exactly once.
func Plan(n int) ([]Assignment, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: need at least one process, got %d", ErrLaunch, n)
	}
	q := queue.New(int64(n))
	if err := q.Put(Assignment{Rank: 0, Span: n, Parent: -1}); err != nil {
		return nil, err
	}
	seen := bitarray.NewBitArray(uint64(n))
	out := make([]Assignment, 0, n)
	for !q.Empty() {
		items, err := q.Get(1)
		if err != nil {
			return nil, err
		}
		a := items[0].(Assignment)
		if a.Rank < 0 || a.Rank >= n {
			return nil, fmt.Errorf("rank %d outside [0, %d)", a.Rank, n)
		}
		if dup, _ := seen.GetBit(uint64(a.Rank)); dup {
			return nil, fmt.Errorf("rank %d assigned twice", a.Rank)
		}
		if err := seen.SetBit(uint64(a.Rank)); err != nil {
			return nil, err
		}
		out = append(out, a)
		for _, c := range children(a) {
			if err := q.Put(c); err != nil {
				return nil, err
			}
		}
	}
	if len(out) != n {
		return nil, fmt.Errorf("plan produced %d processes, want %d", len(out), n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// MaxStep is the number of sequential spawn rounds the plan needs.
func MaxStep(plan []Assignment) int {
	m := 0
	for _, a := range plan {
		if a.Step > m {
			m = a.Step
		}
	}
	return m
}
