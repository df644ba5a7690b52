package detection

import (
	"slices"
	"sort"
)

// MaxDetections caps the number of boxes kept after suppression.
const MaxDetections = 300

// NMS performs class-aware non-maximum suppression. Candidates are visited
// in descending score order; a candidate is dropped when it overlaps an
// already kept box of the same class by more than iouThresh. The result is
// ordered by descending score, ties keeping input order.
func NMS(candidates []Candidate, iouThresh float32) []Candidate {
	order := make([]Candidate, len(candidates))
	copy(order, candidates)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Score > order[j].Score
	})

	kept := make([]Candidate, 0, len(order))
	for _, c := range order {
		suppressed := false
		for _, k := range kept {
			if k.ClassID == c.ClassID && k.Box.IoU(c.Box) > iouThresh {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		kept = append(kept, c)
		if len(kept) == MaxDetections {
			break
		}
	}
	return kept
}

// Reversed returns the kept boxes in reverse output order.
//
// The detector returns the first valid box of this sequence, which is the
// lowest scoring survivor when several plates remain after suppression.
// Callers must not assume the selected plate is the most confident one.
func Reversed(kept []Candidate) []Candidate {
	out := slices.Clone(kept)
	slices.Reverse(out)
	return out
}
