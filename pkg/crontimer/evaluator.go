package crontimer

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Format selects how an expression's fields are interpreted.
type Format int

const (
	// FormatStandard is minute, hour, day-of-month, month, day-of-week.
	FormatStandard Format = iota
	// FormatSeconds prepends a seconds field to FormatStandard.
	FormatSeconds
)

func (f Format) String() string {
	switch f {
	case FormatStandard:
		return "standard"
	case FormatSeconds:
		return "seconds"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// DetectFormat derives the format from the literal field count:
// six whitespace-separated fields means seconds are included.
// A leading "CRON_TZ=" or "TZ=" zone selector is not counted.
func DetectFormat(expr string) Format {
	fields := strings.Fields(expr)
	if len(fields) > 0 && hasZonePrefix(fields[0]) {
		fields = fields[1:]
	}
	if len(fields) == 6 {
		return FormatSeconds
	}
	return FormatStandard
}

func hasZonePrefix(s string) bool {
	return strings.HasPrefix(s, "CRON_TZ=") || strings.HasPrefix(s, "TZ=")
}

// Evaluator computes occurrences of a schedule expression.
//
// Next returns the first occurrence strictly after from. ok is false when the
// expression has no future occurrence. Syntax errors wrap ErrParse.
type Evaluator interface {
	Next(expr string, format Format, from time.Time) (next time.Time, ok bool, err error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(expr string, format Format, from time.Time) (time.Time, bool, error)

func (f EvaluatorFunc) Next(expr string, format Format, from time.Time) (time.Time, bool, error) {
	return f(expr, format, from)
}

// CronEvaluator evaluates expressions with robfig/cron.
//
// Both parsers accept descriptors ("@hourly", "@every 90s"). Expressions are
// re-parsed on every call; nothing is cached.
type CronEvaluator struct {
	loc      *time.Location
	standard cron.Parser
	seconds  cron.Parser
}

// NewCronEvaluator returns a robfig/cron backed evaluator. A nil location means UTC.
func NewCronEvaluator(loc *time.Location) *CronEvaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &CronEvaluator{
		loc:      loc,
		standard: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		seconds:  cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (e *CronEvaluator) Location() *time.Location { return e.loc }

func (e *CronEvaluator) Next(expr string, format Format, from time.Time) (time.Time, bool, error) {
	p := e.standard
	if format == FormatSeconds {
		p = e.seconds
	}
	sched, err := p.Parse(expr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %q: %v", ErrParse, expr, err)
	}
	// The parser defaults to time.Local; evaluate in the configured zone
	// unless the expression picked its own.
	if ss, ok := sched.(*cron.SpecSchedule); ok && !hasZonePrefix(strings.TrimSpace(expr)) {
		ss.Location = e.loc
	}
	// robfig/cron gives up after five years and reports the zero time.
	next := sched.Next(from.In(e.loc))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}
