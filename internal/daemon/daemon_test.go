package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"crontimer/internal/config"
	"crontimer/internal/eventbus"
	"crontimer/internal/storage"
	"crontimer/pkg/crontimer"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// manualDelay fires only when the test calls fire.
type manualDelay struct {
	mu    sync.Mutex
	cb    func()
	armed bool
	d     time.Duration
}

func (m *manualDelay) Configure(d time.Duration) {
	m.mu.Lock()
	m.d = d
	m.mu.Unlock()
}

func (m *manualDelay) Arm() {
	m.mu.Lock()
	m.armed = true
	m.mu.Unlock()
}

func (m *manualDelay) Disarm() {
	m.mu.Lock()
	m.armed = false
	m.mu.Unlock()
}

func (m *manualDelay) Release() { m.Disarm() }

func (m *manualDelay) fire() {
	m.mu.Lock()
	armed := m.armed
	m.armed = false
	m.mu.Unlock()
	if armed {
		m.cb()
	}
}

type delays struct {
	mu   sync.Mutex
	list []*manualDelay
}

func (ds *delays) factory(cb func()) crontimer.Delay {
	m := &manualDelay{cb: cb}
	ds.mu.Lock()
	ds.list = append(ds.list, m)
	ds.mu.Unlock()
	return m
}

func (ds *delays) last() *manualDelay {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.list[len(ds.list)-1]
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestDaemon(t *testing.T, body string) (*Daemon, *testClock, *delays) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crontimer.yaml")
	writeConfig(t, path, body)
	d, err := New(path)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	clock := &testClock{now: t0}
	ds := &delays{}
	d.timerOpts = []crontimer.Option{crontimer.WithClock(clock.Now), crontimer.WithDelay(ds.factory)}
	return d, clock, ds
}

func byName(t *testing.T, d *Daemon, name string) TriggerStatus {
	t.Helper()
	for _, s := range d.Snapshot() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("trigger %q not found", name)
	return TriggerStatus{}
}

const baseConfig = `
logging: { level: error, console: true }
triggers:
  - name: heartbeat
    expression: "* * * * *"
    enabled: true
  - name: nightly
    expression: "0 3 * * *"
    evaluator: gronx
`

func TestStartCreatesTimers(t *testing.T) {
	d, _, _ := newTestDaemon(t, baseConfig)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer d.Stop(context.Background())

	snap := d.Snapshot()
	if len(snap) != 2 || snap[0].Name != "heartbeat" || snap[1].Name != "nightly" {
		t.Fatalf("Snapshot = %+v", snap)
	}
	hb := snap[0]
	if !hb.Enabled || !hb.Next.Equal(t0.Add(time.Minute)) || hb.Evaluator != config.EvaluatorRobfig {
		t.Fatalf("heartbeat = %+v", hb)
	}
	nightly := snap[1]
	if nightly.Enabled || nightly.Evaluator != config.EvaluatorGronx || !nightly.Next.Equal(t0.Add(3*time.Hour)) {
		t.Fatalf("nightly = %+v", nightly)
	}
}

func TestNewRejectsBadExpression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crontimer.yaml")
	writeConfig(t, path, `
triggers:
  - name: broken
    expression: "61 * * * *"
`)
	if _, err := New(path); err == nil || !strings.Contains(err.Error(), "triggers[0].expression") {
		t.Fatalf("New error = %v, want expression error", err)
	}
}

func TestApplyReconciles(t *testing.T) {
	d, _, _ := newTestDaemon(t, baseConfig+`
  - name: doomed
    expression: "*/5 * * * *"
    enabled: true
`)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer d.Stop(context.Background())

	next := &config.Config{Triggers: []config.TriggerConfig{
		{Name: "heartbeat", Expression: "*/2 * * * *", Enabled: true},
		{Name: "nightly", Expression: "0 3 * * *", Evaluator: "gronx", Enabled: true},
		{Name: "added", Expression: "0 0 1 * *", Enabled: true, Evaluator: "robfig"},
	}}
	if err := d.Apply(next); err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	snap := d.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot = %+v, want 3 triggers", snap)
	}
	if hb := byName(t, d, "heartbeat"); hb.Expression != "*/2 * * * *" || !hb.Next.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("heartbeat = %+v", hb)
	}
	if n := byName(t, d, "nightly"); !n.Enabled {
		t.Fatalf("nightly should be enabled: %+v", n)
	}
	if a := byName(t, d, "added"); !a.Enabled || !a.Next.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("added = %+v", a)
	}
}

func TestApplyRebuildsOnTimezoneChange(t *testing.T) {
	d, _, _ := newTestDaemon(t, baseConfig)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer d.Stop(context.Background())

	next := &config.Config{Timezone: "UTC", Triggers: []config.TriggerConfig{
		{Name: "heartbeat", Expression: "* * * * *", Enabled: true, Timezone: "Local"},
		{Name: "nightly", Expression: "0 3 * * *", Evaluator: "gronx"},
	}}
	if err := d.Apply(next); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if hb := byName(t, d, "heartbeat"); hb.Timezone != "Local" || !hb.Enabled {
		t.Fatalf("heartbeat = %+v", hb)
	}
	if n := byName(t, d, "nightly"); n.Timezone != "UTC" {
		t.Fatalf("nightly timezone = %q, want UTC", n.Timezone)
	}
}

func TestApplyKeepsTriggerOnBadExpression(t *testing.T) {
	d, _, _ := newTestDaemon(t, baseConfig)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer d.Stop(context.Background())

	bad := &config.Config{Triggers: []config.TriggerConfig{
		{Name: "heartbeat", Expression: "not a cron", Enabled: true},
		{Name: "nightly", Expression: "0 3 * * *", Evaluator: "gronx"},
	}}
	err := d.Apply(bad)
	if err == nil || !strings.Contains(err.Error(), `trigger "heartbeat"`) {
		t.Fatalf("Apply error = %v, want heartbeat error", err)
	}
	hb := byName(t, d, "heartbeat")
	if hb.Expression != "* * * * *" || !hb.Enabled || !hb.Next.Equal(t0.Add(time.Minute)) {
		t.Fatalf("heartbeat changed after failed apply: %+v", hb)
	}

	// The failed trigger is retried on the next apply.
	good := &config.Config{Triggers: []config.TriggerConfig{
		{Name: "heartbeat", Expression: "*/10 * * * *", Enabled: true},
		{Name: "nightly", Expression: "0 3 * * *", Evaluator: "gronx"},
	}}
	if err := d.Apply(good); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if hb := byName(t, d, "heartbeat"); hb.Expression != "*/10 * * * *" {
		t.Fatalf("heartbeat = %+v", hb)
	}
}

func TestApplyKeepsTriggerOnFailedRebuild(t *testing.T) {
	d, _, _ := newTestDaemon(t, baseConfig)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer d.Stop(context.Background())

	tests := []struct {
		name string
		tc   config.TriggerConfig
	}{
		{"evaluator switch", config.TriggerConfig{Name: "heartbeat", Expression: "not a cron", Enabled: true, Evaluator: "gronx"}},
		{"timezone switch", config.TriggerConfig{Name: "heartbeat", Expression: "not a cron", Enabled: true, Timezone: "Local"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := &config.Config{Triggers: []config.TriggerConfig{
				tt.tc,
				{Name: "nightly", Expression: "0 3 * * *", Evaluator: "gronx"},
			}}
			err := d.Apply(bad)
			if err == nil || !strings.Contains(err.Error(), `trigger "heartbeat"`) {
				t.Fatalf("Apply error = %v, want heartbeat error", err)
			}
			if len(d.Snapshot()) != 2 {
				t.Fatalf("Snapshot = %+v, want both triggers", d.Snapshot())
			}
			hb := byName(t, d, "heartbeat")
			if hb.Evaluator != config.EvaluatorRobfig || hb.Timezone != "" || hb.Disposed {
				t.Fatalf("heartbeat replaced after failed rebuild: %+v", hb)
			}
			if hb.Expression != "* * * * *" || !hb.Enabled || !hb.Next.Equal(t0.Add(time.Minute)) {
				t.Fatalf("heartbeat changed after failed rebuild: %+v", hb)
			}
		})
	}

	good := &config.Config{Triggers: []config.TriggerConfig{
		{Name: "heartbeat", Expression: "*/2 * * * *", Enabled: true, Evaluator: "gronx"},
		{Name: "nightly", Expression: "0 3 * * *", Evaluator: "gronx"},
	}}
	if err := d.Apply(good); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if hb := byName(t, d, "heartbeat"); hb.Evaluator != config.EvaluatorGronx || !hb.Next.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("heartbeat after rebuild = %+v", hb)
	}
}

func TestApplyTrimsExpression(t *testing.T) {
	d, _, _ := newTestDaemon(t, baseConfig)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer d.Stop(context.Background())

	padded := &config.Config{Triggers: []config.TriggerConfig{
		{Name: "heartbeat", Expression: "  */2 * * * *\t", Enabled: true},
		{Name: "nightly", Expression: " 0 3 * * * ", Evaluator: "gronx"},
		{Name: "extra", Expression: " 0 0 1 * * ", Enabled: true},
	}}
	if err := d.Apply(padded); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	for name, want := range map[string]string{
		"heartbeat": "*/2 * * * *",
		"nightly":   "0 3 * * *",
		"extra":     "0 0 1 * *",
	} {
		if got := byName(t, d, name).Expression; got != want {
			t.Fatalf("%s expression = %q, want %q", name, got, want)
		}
	}

	// Re-applying the trimmed form is not a change.
	trimmed := &config.Config{Triggers: []config.TriggerConfig{
		{Name: "heartbeat", Expression: "*/2 * * * *", Enabled: true},
		{Name: "nightly", Expression: "0 3 * * *", Evaluator: "gronx"},
		{Name: "extra", Expression: "0 0 1 * *", Enabled: true},
	}}
	d.mu.Lock()
	diff := config.DiffTriggers(d.appliedLocked(), trimmed)
	d.mu.Unlock()
	if !diff.Empty() {
		t.Fatalf("diff after trim = %+v, want empty", diff)
	}
}

func TestFatalTaskErrorStopsDaemon(t *testing.T) {
	d, _, _ := newTestDaemon(t, baseConfig)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer d.Stop(context.Background())

	boom := errors.New("boom")
	d.sup.Go("broken", func(ctx context.Context) error { return boom })

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop after a task error")
	}
	if err := d.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err = %v, want %v", err, boom)
	}
}

func TestFiringIsPublishedAndRecorded(t *testing.T) {
	dir := t.TempDir()
	d, clock, ds := newTestDaemon(t, `
logging: { level: error, console: true }
storage: { driver: file, path: "`+filepath.Join(dir, "history.jsonl")+`" }
triggers:
  - name: heartbeat
    expression: "* * * * *"
    enabled: true
`)
	events, unsub := d.Bus().Subscribe(8)
	defer unsub()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer d.Stop(context.Background())

	clock.Set(t0.Add(time.Minute))
	ds.last().fire()

	select {
	case e := <-events:
		if e.Type != eventbus.TypeFired || e.Trigger != "heartbeat" || !e.Next.Equal(t0.Add(2*time.Minute)) {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fired event not published")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, err := d.History(context.Background(), "heartbeat", 10)
		if err != nil {
			t.Fatalf("History error: %v", err)
		}
		if len(recs) == 1 {
			if recs[0].Kind != storage.KindFired {
				t.Fatalf("record = %+v", recs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history has %d records, want 1", len(recs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopDisposesTimers(t *testing.T) {
	d, _, _ := newTestDaemon(t, baseConfig)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if len(d.Snapshot()) != 0 {
		t.Fatal("Stop should drop all triggers")
	}
	if err := d.Apply(&config.Config{}); err == nil {
		t.Fatal("Apply after Stop should fail")
	}
	if _, err := d.History(context.Background(), "heartbeat", 1); err != storage.ErrDisabled {
		t.Fatalf("History error = %v, want ErrDisabled", err)
	}
}
