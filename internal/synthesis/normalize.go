package synthesis

import (
	"math"
	"sort"
	"strings"
)

const (
	// minStepWidth is the window forced onto degenerate (end <= start)
	// steps.
	minStepWidth = 1.0
	// uniformEpsilon is the slack for the uniform-spacing guard.
	uniformEpsilon = 0.5
)

// Normalize repairs step timings into the invariant shape: sorted by
// start, 1-based ord, start < end, no overlaps, everything inside
// [0, total]. A non-positive total disables the upper clamp (duration
// unknown).
func Normalize(steps []Step, total float64) []Step {
	kept := make([]Step, 0, len(steps))
	for _, step := range steps {
		step.Text = strings.TrimSpace(step.Text)
		if step.Text == "" {
			continue
		}
		kept = append(kept, step)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Start < kept[j].Start
	})

	// Infer missing ends from the next start, or from total for the
	// last step, before clamping moves anything.
	for i := range kept {
		if kept[i].End > kept[i].Start {
			continue
		}
		if i+1 < len(kept) && kept[i+1].Start > kept[i].Start {
			kept[i].End = kept[i+1].Start
		} else if total > 0 && total > kept[i].Start {
			kept[i].End = total
		}
	}

	ret := make([]Step, 0, len(kept))
	var prevEnd float64
	for _, step := range kept {
		if step.Start < 0 {
			step.Start = 0
		}
		if step.End < 0 {
			step.End = 0
		}
		if total > 0 {
			step.Start = math.Min(step.Start, total)
			step.End = math.Min(step.End, total)
		}

		// Nudge an overlapping start forward to the previous end.
		if step.Start < prevEnd {
			step.Start = prevEnd
		}
		if step.End <= step.Start {
			step.End = step.Start + minStepWidth
			if total > 0 && step.End > total {
				step.End = total
			}
		}
		// Nothing left of the window after clamping: drop the step.
		if step.End <= step.Start {
			continue
		}

		step.Ord = len(ret) + 1
		prevEnd = step.End
		ret = append(ret, step)
	}
	return ret
}

// LooksUniform detects the signature of placeholder output: every step
// the same duration, edge to edge, spanning [0, total]. A heuristic —
// genuinely uniform content trips it too, which callers accept.
func LooksUniform(steps []Step, total float64) bool {
	if len(steps) < 2 {
		return false
	}
	if math.Abs(steps[0].Start) > uniformEpsilon {
		return false
	}
	if total > 0 && math.Abs(steps[len(steps)-1].End-total) > uniformEpsilon {
		return false
	}

	firstDur := steps[0].End - steps[0].Start
	for i, step := range steps {
		if math.Abs((step.End-step.Start)-firstDur) > uniformEpsilon {
			return false
		}
		if i > 0 && math.Abs(step.Start-steps[i-1].End) > uniformEpsilon {
			return false
		}
	}
	return true
}
