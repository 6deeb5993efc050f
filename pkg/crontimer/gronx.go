package crontimer

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// GronxEvaluator evaluates expressions with adhocore/gronx.
//
// gronx decides the seconds field from the segment count itself, so format is
// only used for error context. Occurrences are computed in loc.
type GronxEvaluator struct {
	loc *time.Location
}

// NewGronxEvaluator returns a gronx backed evaluator. A nil location means UTC.
func NewGronxEvaluator(loc *time.Location) *GronxEvaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &GronxEvaluator{loc: loc}
}

func (e *GronxEvaluator) Next(expr string, format Format, from time.Time) (time.Time, bool, error) {
	g := gronx.New()
	if !g.IsValid(expr) {
		return time.Time{}, false, fmt.Errorf("%w: %q (%s)", ErrParse, expr, format)
	}
	next, err := gronx.NextTickAfter(expr, from.In(e.loc), false)
	if err != nil {
		// A valid expression that gronx cannot advance has run out of occurrences.
		return time.Time{}, false, nil
	}
	// gronx rolls impossible dates (Feb 30) into the next month; such a
	// result does not match the expression and means there is none.
	if due, err := g.IsDue(expr, next); err != nil || !due {
		return time.Time{}, false, nil
	}
	return next, true, nil
}
