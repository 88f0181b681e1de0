// Package order computes gap-based position keys for board entities.
//
// Siblings are ordered by a float64 key. Inserting or moving an entity only
// ever writes the moved entity's own key; neighbours are never renumbered.
// The same arithmetic runs on the speculative client path and on the
// authoritative server path so both usually agree.
package order

// BaseGap is the key assigned to the first entity of an empty container and
// the spacing added on every append.
const BaseGap = 1000

// precisionFloor is the smallest neighbour gap considered healthy. Below it
// midpoints start losing bits; see GapExhausted.
const precisionFloor = 1e-9

// Allocate returns the key for an entity inserted at index into the ordered
// sibling keys. keys must be sorted ascending and must not include the entity
// being placed.
//
// Rules: empty container gets BaseGap; index 0 halves the first key; an
// append adds BaseGap to the last key; anything else takes the midpoint of
// its neighbours. Allocate never fails: even when the neighbour gap is below
// the precision floor it still returns the midpoint.
func Allocate(keys []float64, index int) float64 {
	if len(keys) == 0 {
		return BaseGap
	}
	if index <= 0 {
		return keys[0] / 2
	}
	if index >= len(keys) {
		return keys[len(keys)-1] + BaseGap
	}
	return (keys[index-1] + keys[index]) / 2
}

// ArrivalIndex corrects a destination index for a move within the same
// container. The caller virtually removes the moved entity before calling
// Allocate; when the entity moves downward that removal shifts the
// destination one slot to the left.
func ArrivalIndex(current, dest int) int {
	if current >= 0 && dest > current {
		return dest - 1
	}
	return dest
}

// GapExhausted reports whether the gap between two neighbour keys has fallen
// below the precision floor. Repeated insertions converging on one point will
// eventually exhaust float64 precision; there is no renormalization pass, so
// callers may at most log the condition.
func GapExhausted(lo, hi float64) bool {
	return hi-lo < precisionFloor
}
