// Package repro scores merged intervals by how many replicate samples
// support them.
package repro

import (
	"math"

	"github.com/me/dammer/internal/interval"
	"github.com/me/dammer/pkg/model"
)

// Class is the two-bucket reproducibility classification.
type Class string

const (
	ClassHigh Class = "high"
	ClassLow  Class = "low"
)

// Track colors (itemRgb) for each class.
const (
	ColorHigh = "48,8,177"
	ColorLow  = "213,24,14"
)

// Color returns the itemRgb triple for c.
func (c Class) Color() string {
	if c == ClassHigh {
		return ColorHigh
	}
	return ColorLow
}

// Scored is a merged interval with its reproducibility percentage and class.
type Scored struct {
	interval.Merged
	Reproducibility float64
	Class           Class
}

// Reproducible reports whether more than half of the samples support s.
func (s Scored) Reproducible() bool {
	return s.Reproducibility > 50
}

// Score computes 100*count/total rounded to two decimals (ties to even) and
// classifies m as high when its count exceeds total/2 in integer division.
// It fails with InvalidSampleCount when total is not positive or m claims
// more samples than exist.
func Score(m interval.Merged, total int) (Scored, error) {
	if total <= 0 {
		return Scored{}, model.NewError(model.KindInvalidSampleCount, m.String(), "total samples must be positive, got %d", total)
	}
	if m.SampleCount < 0 || m.SampleCount > total {
		return Scored{}, model.NewError(model.KindInvalidSampleCount, m.String(), "sample count %d outside [0, %d]", m.SampleCount, total)
	}
	s := Scored{
		Merged:          m,
		Reproducibility: Percent(m.SampleCount, total),
		Class:           ClassLow,
	}
	if m.SampleCount > total/2 {
		s.Class = ClassHigh
	}
	return s, nil
}

// ScoreAll scores every merged interval against the same total.
func ScoreAll(ms []interval.Merged, total int) ([]Scored, error) {
	out := make([]Scored, 0, len(ms))
	for _, m := range ms {
		s, err := Score(m, total)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Percent returns 100*count/total rounded to two decimals, ties to even.
func Percent(count, total int) float64 {
	return math.RoundToEven(float64(count)/float64(total)*100*100) / 100
}
