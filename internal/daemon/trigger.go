package daemon

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"crontimer/internal/config"
	"crontimer/internal/eventbus"
	"crontimer/pkg/crontimer"
	logx "crontimer/pkg/logx"
)

// trigger is one configured schedule and the timer driving it.
type trigger struct {
	// cfg holds the applied settings; Timezone is the effective zone.
	cfg   config.TriggerConfig
	timer *crontimer.Timer
	log   logx.Logger

	// warn throttles background failure warnings.
	warn *rate.Limiter
}

// normalized trims the expression the way config.DiffTriggers compares it.
func normalized(tc config.TriggerConfig) config.TriggerConfig {
	tc.Expression = strings.TrimSpace(tc.Expression)
	return tc
}

func (d *Daemon) newTrigger(cfg *config.Config, tc config.TriggerConfig) (*trigger, error) {
	tc = normalized(tc)
	tz := cfg.EffectiveTimezone(tc)
	ev, err := newEvaluator(tc, tz)
	if err != nil {
		return nil, err
	}

	log := d.log.With(logx.String("trigger", tc.Name))
	opts := append([]crontimer.Option{
		crontimer.WithEvaluator(ev),
		crontimer.WithLogger(log.With(logx.String("comp", "timer"))),
	}, d.timerOpts...)
	t, err := crontimer.New(tc.Expression, opts...)
	if err != nil {
		return nil, err
	}

	applied := tc
	applied.Timezone = tz
	tr := &trigger{
		cfg:   applied,
		timer: t,
		log:   log,
		warn:  rate.NewLimiter(rate.Every(time.Minute), 3),
	}
	tr.subscribe(d.bus)

	if tc.Enabled {
		if err := t.Start(); err != nil {
			t.Dispose()
			return nil, err
		}
	}
	return tr, nil
}

func (tr *trigger) subscribe(bus eventbus.Bus) {
	name := tr.cfg.Name
	tr.timer.OnElapsed(tr.safe("elapsed", func() {
		next, _ := tr.timer.Next()
		tr.log.Info("trigger fired", logx.Time("next", next))
		bus.Publish(eventbus.Event{Type: eventbus.TypeFired, Trigger: name, Next: next})
	}))
	tr.timer.OnExhausted(tr.safe("exhausted", func() {
		tr.log.Info("trigger has no future occurrence; disabled", logx.String("expr", tr.timer.Expression()))
		bus.Publish(eventbus.Event{Type: eventbus.TypeExhausted, Trigger: name})
	}))
	tr.timer.OnError(func(err error) {
		tr.safe("error", func() {
			if tr.warn.Allow() {
				tr.log.Warn("trigger failed; disabled", logx.Err(err))
			}
			bus.Publish(eventbus.Event{Type: eventbus.TypeFailed, Trigger: name, Err: err.Error()})
		})()
	})
}

// safe keeps a panicking listener from unwinding into the timer.
func (tr *trigger) safe(what string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				tr.log.Error("trigger listener panicked", logx.String("listener", what), logx.Any("panic", r))
			}
		}()
		fn()
	}
}

// update applies expression and enabled changes in place.
func (tr *trigger) update(tc config.TriggerConfig) error {
	tc = normalized(tc)
	var errs []error
	if tc.Expression != tr.cfg.Expression {
		if err := tr.timer.SetExpression(tc.Expression); err != nil {
			errs = append(errs, err)
		} else {
			tr.cfg.Expression = tc.Expression
		}
	}
	if err := tr.timer.SetEnabled(tc.Enabled); err != nil {
		errs = append(errs, err)
	} else {
		tr.cfg.Enabled = tc.Enabled
	}
	return errors.Join(errs...)
}
