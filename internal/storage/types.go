package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Record kinds.
const (
	KindFired     = "fired"
	KindExhausted = "exhausted"
	KindFailed    = "failed"
)

// Config configures storage. If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Keep        int           // records kept per trigger; 0 means unlimited
}

// Record is one entry of a trigger's history.
type Record struct {
	Trigger string    `json:"trigger"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Next    time.Time `json:"next,omitempty"`
	Err     string    `json:"err,omitempty"`
}

// Store is the persistence API used by the daemon.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to n records for trigger, oldest first.
	Recent(ctx context.Context, trigger string, n int) ([]Record, error)
	Close() error
}
