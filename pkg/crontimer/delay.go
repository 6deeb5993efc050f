package crontimer

import (
	"sync"
	"time"
)

// Delay is a one-shot wall-clock wait owned by exactly one Timer.
//
// Configure replaces the duration used by the next Arm. Arm starts the wait;
// when it elapses the fire callback given to the DelayFactory runs once, and
// the delay stays disarmed until armed again. Disarm cancels a pending wait.
// Release disarms for good; Arm after Release is a no-op.
type Delay interface {
	Configure(d time.Duration)
	Arm()
	Disarm()
	Release()
}

// DelayFactory builds the Delay for a Timer. fire is the Timer's firing handler.
type DelayFactory func(fire func()) Delay

// NewAfterFuncDelay is the default DelayFactory, backed by time.AfterFunc.
// The underlying time.Timer is created on first Arm and reset afterwards.
// Non-positive durations fire immediately.
func NewAfterFuncDelay(fire func()) Delay {
	return &afterFuncDelay{fire: fire}
}

type afterFuncDelay struct {
	mu       sync.Mutex
	fire     func()
	d        time.Duration
	t        *time.Timer
	released bool
}

func (a *afterFuncDelay) Configure(d time.Duration) {
	a.mu.Lock()
	a.d = d
	a.mu.Unlock()
}

func (a *afterFuncDelay) Arm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return
	}
	if a.t == nil {
		a.t = time.AfterFunc(a.d, a.fire)
		return
	}
	a.t.Stop()
	a.t.Reset(a.d)
}

func (a *afterFuncDelay) Disarm() {
	a.mu.Lock()
	if a.t != nil {
		a.t.Stop()
	}
	a.mu.Unlock()
}

func (a *afterFuncDelay) Release() {
	a.mu.Lock()
	a.released = true
	if a.t != nil {
		a.t.Stop()
		a.t = nil
	}
	a.mu.Unlock()
}
