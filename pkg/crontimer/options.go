package crontimer

import (
	"time"

	logx "crontimer/pkg/logx"
)

// Option configures a Timer at construction.
type Option func(*Timer)

// WithEvaluator replaces the default robfig/cron evaluator (UTC).
func WithEvaluator(e Evaluator) Option {
	return func(t *Timer) {
		if e != nil {
			t.eval = e
		}
	}
}

// WithDelay replaces the default time.AfterFunc delay primitive.
func WithDelay(f DelayFactory) Option {
	return func(t *Timer) {
		if f != nil {
			t.newDelay = f
		}
	}
}

// WithClock sets the source of "now" used as the reference instant.
func WithClock(now func() time.Time) Option {
	return func(t *Timer) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger enables debug logging of rearm cycles and firings.
func WithLogger(log logx.Logger) Option {
	return func(t *Timer) { t.log = log }
}
