package crontimer

import (
	"errors"
	"sync"
	"time"
)

var t0 = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

// fakeDelay never fires on its own; tests call elapse.
type fakeDelay struct {
	mu       sync.Mutex
	fire     func()
	d        time.Duration
	armed    bool
	released bool
	arms     int
}

func (f *fakeDelay) Configure(d time.Duration) {
	f.mu.Lock()
	f.d = d
	f.mu.Unlock()
}

func (f *fakeDelay) Arm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return
	}
	f.armed = true
	f.arms++
}

func (f *fakeDelay) Disarm() {
	f.mu.Lock()
	f.armed = false
	f.mu.Unlock()
}

func (f *fakeDelay) Release() {
	f.mu.Lock()
	f.released = true
	f.armed = false
	f.mu.Unlock()
}

// elapse runs the fire callback if the delay is armed and reports whether it did.
func (f *fakeDelay) elapse() bool {
	f.mu.Lock()
	if !f.armed {
		f.mu.Unlock()
		return false
	}
	f.armed = false
	fire := f.fire
	f.mu.Unlock()
	fire()
	return true
}

func (f *fakeDelay) state() (d time.Duration, armed bool, arms int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.d, f.armed, f.arms
}

type step struct {
	at  time.Time
	ok  bool
	err error
}

func at(t time.Time) step { return step{at: t, ok: true} }

var errScriptDone = errors.New("script exhausted")

// scriptedEvaluator replays a fixed sequence of results.
type scriptedEvaluator struct {
	mu      sync.Mutex
	steps   []step
	formats []Format
}

func (s *scriptedEvaluator) Next(expr string, format Format, from time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formats = append(s.formats, format)
	if len(s.steps) == 0 {
		return time.Time{}, false, errScriptDone
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.at, st.ok, st.err
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
