package crontimer

import (
	"strings"
	"sync"
	"time"

	logx "crontimer/pkg/logx"
)

// Timer fires at every occurrence of a cron expression until stopped.
//
// A Timer starts disabled. Start (or SetEnabled(true)) computes the next
// occurrence and arms the delay; each firing recomputes the following
// occurrence, re-arms, then notifies OnElapsed listeners. The delay is armed
// only while the timer is enabled and a next occurrence exists.
//
// All methods are safe for concurrent use. Listeners run synchronously on the
// delay's callback goroutine, after the timer's lock is released, so they may
// call back into the Timer. The next occurrence is already armed when
// listeners run, so a listener that outlives the gap between occurrences
// overlaps with the next notification.
type Timer struct {
	mu sync.Mutex

	expr     string
	enabled  bool
	next     time.Time
	hasNext  bool
	disposed bool

	fired      uint64
	suppressed uint64

	eval     Evaluator
	newDelay DelayFactory
	delay    Delay
	now      func() time.Time
	log      logx.Logger

	elapsed   listenerList[func()]
	exhausted listenerList[func()]
	failed    listenerList[func(error)]
}

// Snapshot is a point-in-time view of a Timer.
type Snapshot struct {
	Expression string
	Format     Format
	Enabled    bool
	Disposed   bool
	Next       time.Time // zero when no occurrence is remembered
	Fired      uint64    // notifications delivered
	Suppressed uint64    // firings dropped as a repeat of the previous occurrence
}

// New creates a disabled Timer. If expr is non-empty one rearm cycle runs
// immediately, so a malformed expression is reported here; the delay is not
// armed until Start.
func New(expr string, opts ...Option) (*Timer, error) {
	t := &Timer{expr: expr}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	if t.eval == nil {
		t.eval = NewCronEvaluator(time.UTC)
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	if t.newDelay == nil {
		t.newDelay = NewAfterFuncDelay
	}
	t.delay = t.newDelay(t.onFire)

	if strings.TrimSpace(expr) == "" {
		return t, nil
	}
	t.mu.Lock()
	o, err := t.evaluateLocked(expr)
	if err == nil {
		t.applyLocked(o)
	}
	t.mu.Unlock()
	if err != nil {
		t.delay.Release()
		return nil, err
	}
	return t, nil
}

// Expression returns the current schedule text.
func (t *Timer) Expression() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expr
}

// SetExpression replaces the schedule and runs a rearm cycle whether or not
// the timer is enabled. On failure nothing changes and the error is returned.
// If the new expression has no future occurrence the timer is disabled and
// OnExhausted listeners are notified.
func (t *Timer) SetExpression(expr string) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	o, err := t.evaluateLocked(expr)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.expr = expr
	_, exhausted := t.applyLocked(o)
	var onExhausted []func()
	if exhausted {
		onExhausted = t.exhausted.snapshot()
	}
	t.mu.Unlock()

	notify(onExhausted)
	return nil
}

// Enabled reports whether the timer is scheduling.
func (t *Timer) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled calls Start or Stop.
func (t *Timer) SetEnabled(v bool) error {
	if v {
		return t.Start()
	}
	return t.Stop()
}

// Start enables the timer and arms it for the next occurrence.
// It is a no-op if the timer is already enabled.
func (t *Timer) Start() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if t.enabled {
		t.mu.Unlock()
		return nil
	}
	o, err := t.evaluateLocked(t.expr)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.enabled = true
	_, exhausted := t.applyLocked(o)
	var onExhausted []func()
	if exhausted {
		onExhausted = t.exhausted.snapshot()
	}
	t.mu.Unlock()

	notify(onExhausted)
	return nil
}

// Stop disables the timer and disarms the pending delay.
// It is a no-op if the timer is already disabled. A firing that has already
// begun when Stop is called is dropped before it notifies.
func (t *Timer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return ErrDisposed
	}
	if !t.enabled {
		return nil
	}
	t.enabled = false
	t.delay.Disarm()
	t.log.Debug("timer stopped", logx.String("expr", t.expr))
	return nil
}

// Dispose disables the timer, releases the delay and drops all listeners.
// It is safe to call more than once. Mutating calls afterwards return ErrDisposed.
func (t *Timer) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	t.disposed = true
	t.enabled = false
	t.delay.Release()
	t.elapsed.reset()
	t.exhausted.reset()
	t.failed.reset()
}

// Next returns the most recently computed occurrence.
func (t *Timer) Next() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next, t.hasNext
}

// Info returns a snapshot of the timer's state.
func (t *Timer) Info() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		Expression: t.expr,
		Format:     DetectFormat(t.expr),
		Enabled:    t.enabled,
		Disposed:   t.disposed,
		Fired:      t.fired,
		Suppressed: t.suppressed,
	}
	if t.hasNext {
		s.Next = t.next
	}
	return s
}

// OnElapsed registers fn to run at every occurrence. The returned function
// removes it.
func (t *Timer) OnElapsed(fn func()) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil || t.disposed {
		return func() {}
	}
	id := t.elapsed.add(fn)
	return func() {
		t.mu.Lock()
		t.elapsed.remove(id)
		t.mu.Unlock()
	}
}

// OnExhausted registers fn to run when a rearm cycle finds no future
// occurrence and disables the timer.
func (t *Timer) OnExhausted(fn func()) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil || t.disposed {
		return func() {}
	}
	id := t.exhausted.add(fn)
	return func() {
		t.mu.Lock()
		t.exhausted.remove(id)
		t.mu.Unlock()
	}
}

// OnError registers fn to receive evaluation failures from the firing path,
// where there is no caller to return them to. The timer is already disabled
// when fn runs.
func (t *Timer) OnError(fn func(error)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil || t.disposed {
		return func() {}
	}
	id := t.failed.add(fn)
	return func() {
		t.mu.Lock()
		t.failed.remove(id)
		t.mu.Unlock()
	}
}

// onFire is the delay's callback.
func (t *Timer) onFire() {
	t.mu.Lock()
	if t.disposed || !t.enabled {
		t.mu.Unlock()
		return
	}
	o, err := t.evaluateLocked(t.expr)
	if err != nil {
		t.enabled = false
		t.delay.Disarm()
		onError := t.failed.snapshot()
		expr := t.expr
		t.mu.Unlock()

		t.log.Warn("rearm failed; timer disabled", logx.String("expr", expr), logx.Err(err))
		for _, fn := range onError {
			fn(err)
		}
		return
	}

	repeat, exhausted := t.applyLocked(o)
	var onElapsed, onExhausted []func()
	if repeat {
		t.suppressed++
	} else {
		t.fired++
		onElapsed = t.elapsed.snapshot()
	}
	if exhausted {
		onExhausted = t.exhausted.snapshot()
	}
	t.mu.Unlock()

	if repeat {
		t.log.Debug("firing suppressed; occurrence already reported", logx.Time("next", o.at))
		return
	}
	notify(onElapsed)
	notify(onExhausted)
}

// occurrence is the result of evaluating an expression at a reference instant.
type occurrence struct {
	ref time.Time
	at  time.Time
	ok  bool
}

// evaluateLocked asks the evaluator for the first occurrence after now.
// It does not touch timer state.
func (t *Timer) evaluateLocked(expr string) (occurrence, error) {
	if strings.TrimSpace(expr) == "" {
		return occurrence{}, ErrEmptyExpression
	}
	ref := t.now()
	at, ok, err := t.eval.Next(expr, DetectFormat(expr), ref.UTC())
	if err != nil {
		return occurrence{}, err
	}
	return occurrence{ref: ref, at: at, ok: ok}, nil
}

// applyLocked disarms the delay, remembers the occurrence and re-arms for it
// if the timer is enabled. repeat is true when the occurrence equals the one
// remembered from the previous cycle. exhausted is true when there is no
// occurrence; the timer is then disabled and left disarmed.
func (t *Timer) applyLocked(o occurrence) (repeat, exhausted bool) {
	t.delay.Disarm()

	repeat = o.ok && t.hasNext && o.at.Sub(t.next) == 0
	t.next, t.hasNext = o.at, o.ok

	if !o.ok {
		t.enabled = false
		t.next = time.Time{}
		t.log.Debug("no future occurrence; timer disabled", logx.String("expr", t.expr))
		return repeat, true
	}

	// A non-positive duration is passed through; the delay fires at once.
	d := o.at.Sub(o.ref)
	t.delay.Configure(d)
	if t.enabled {
		t.delay.Arm()
		t.log.Debug("timer armed",
			logx.String("expr", t.expr),
			logx.String("format", DetectFormat(t.expr).String()),
			logx.Time("next", o.at),
			logx.Duration("in", d),
		)
	}
	return repeat, false
}

func notify(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
