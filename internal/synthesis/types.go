// Package synthesis turns a transcript into an ordered list of
// time-coded steps. Three strategies feed one shared normalizer; a
// uniform-spacing guard rejects fabricated placeholder timings.
package synthesis

import "errors"

// Step is one synthesized instruction window, in seconds.
type Step struct {
	Ord   int     `json:"order"`
	Text  string  `json:"text"`
	Start float64 `json:"startTime"`
	End   float64 `json:"endTime"`
	// Approximate marks windows invented without real timing data so
	// downstream consumers can prefer content-derived timings.
	Approximate bool `json:"approximate,omitempty"`
}

// ErrNoSteps is returned when no strategy produced usable steps.
var ErrNoSteps = errors.New("no usable steps produced")
