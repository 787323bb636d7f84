package domain

import (
	"cmp"
	"slices"
)

// Position is the sort key of a column within its board or of a task within
// its column.
type Position int64

const (
	// DefaultGap is the spacing used when allocating at either end of a list
	// and when rebalancing.
	DefaultGap Position = 1000
	// MinGap is the smallest spacing between neighbours before a list is
	// considered too dense for further midpoint inserts.
	MinGap Position = 10
)

// Ranked pairs an id with its position.
type Ranked struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
}

// ComputeInsertPosition returns a key between prev and next. A nil bound
// means the slot is at that end of the list. Between two present bounds the
// floored midpoint is returned, which collides with prev when the bounds are
// adjacent; use CanSplit to detect that case first.
func ComputeInsertPosition(prev, next *Position) Position {
	switch {
	case prev == nil && next == nil:
		return DefaultGap
	case next == nil:
		return *prev + DefaultGap
	case prev == nil:
		return *next - DefaultGap
	}
	// arithmetic shift floors toward negative infinity
	return *prev + (*next-*prev)>>1
}

// CanSplit reports whether a distinct key exists strictly between prev and
// next.
func CanSplit(prev, next *Position) bool {
	if prev == nil || next == nil {
		return true
	}
	return *next-*prev >= 2
}

// AppendPosition returns the key for a new task placed after every task in
// tasks, which must be in position order.
func AppendPosition(tasks []Task) Position {
	if len(tasks) == 0 {
		return ComputeInsertPosition(nil, nil)
	}
	last := tasks[len(tasks)-1].Position
	return ComputeInsertPosition(&last, nil)
}

// NeedsRebalance reports whether any two neighbouring keys are closer than
// MinGap.
func NeedsRebalance(positions []Position) bool {
	if len(positions) < 2 {
		return false
	}
	sorted := slices.Clone(positions)
	slices.Sort(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i]-sorted[i-1] < MinGap {
			return true
		}
	}
	return false
}

// Rebalance orders items by position, keeping the given order among equal
// keys, and respaces them DefaultGap apart starting at zero.
func Rebalance(items []Ranked) []Ranked {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b Ranked) int { return cmp.Compare(a.Position, b.Position) })
	for i := range out {
		out[i].Position = Position(i) * DefaultGap
	}
	return out
}

// Positions returns the keys of tasks in slice order.
func Positions(tasks []Task) []Position {
	out := make([]Position, len(tasks))
	for i, t := range tasks {
		out[i] = t.Position
	}
	return out
}

// Ranks returns id and key of tasks in slice order.
func Ranks(tasks []Task) []Ranked {
	out := make([]Ranked, len(tasks))
	for i, t := range tasks {
		out[i] = t.ranked()
	}
	return out
}
