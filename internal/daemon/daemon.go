package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"

	"crontimer/internal/config"
	"crontimer/internal/eventbus"
	"crontimer/internal/runtime/supervisor"
	"crontimer/internal/storage"
	"crontimer/pkg/crontimer"
	logx "crontimer/pkg/logx"
)

// Daemon runs one timer per configured trigger and keeps them in line with
// the config file.
type Daemon struct {
	cfgm  *config.Manager
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sup   *supervisor.Supervisor

	// timerOpts are appended to every timer's options.
	timerOpts []crontimer.Option

	mu       sync.Mutex
	cfg      *config.Config
	triggers map[string]*trigger
	stopped  bool
}

// TriggerStatus is the state of one trigger.
type TriggerStatus struct {
	Name      string
	Evaluator string
	Timezone  string
	crontimer.Snapshot
}

func New(cfgPath string) (*Daemon, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := checkTriggers(cfg, time.Now()); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "daemon"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	return &Daemon{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		store:    store,
		triggers: map[string]*trigger{},
	}, nil
}

// Bus returns the event bus occurrences are published on.
func (d *Daemon) Bus() eventbus.Bus { return d.bus }

// Done is closed when the daemon's supervisor stops (fatal error or Stop).
func (d *Daemon) Done() <-chan struct{} {
	if d.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return d.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (d *Daemon) Err() error {
	if d.sup == nil {
		return nil
	}
	return d.sup.Err()
}

func (d *Daemon) Start(ctx context.Context) error {
	d.sup = supervisor.New(ctx,
		supervisor.WithLogger(d.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	d.cfgm.SetLogger(d.log.With(logx.String("comp", "config")))
	d.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return checkTriggers(cfg, time.Now())
	})

	if d.store != nil {
		events, unsub := d.bus.Subscribe(256)
		d.sup.Go("history.record", func(c context.Context) error {
			defer unsub()
			d.recordHistory(c, events)
			return nil
		})
	}

	if err := d.Apply(d.cfgm.Get()); err != nil {
		d.log.Warn("some triggers could not be started", logx.Err(err))
	}

	sub := d.cfgm.Subscribe(4)
	d.sup.Go("config.reload", func(c context.Context) error {
		defer d.cfgm.Unsubscribe(sub)
		d.reloadLoop(c, sub)
		return nil
	})
	d.sup.GoRestart("config.watch", d.cfgm.Watch)

	d.notify(sd.SdNotifyReady)
	d.log.Info("daemon started", logx.Int("triggers", len(d.Snapshot())), logx.String("config", d.cfgm.Path()))
	return nil
}

// Apply reconciles the running timers with cfg. Triggers that fail to apply
// keep their previous state; their errors are joined in the result.
func (d *Daemon) Apply(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return crontimer.ErrDisposed
	}

	diff := config.DiffTriggers(d.appliedLocked(), cfg)
	var errs []error

	for _, name := range diff.Removed {
		if tr := d.triggers[name]; tr != nil {
			tr.timer.Dispose()
			delete(d.triggers, name)
			tr.log.Debug("trigger removed")
		}
	}
	// A replacement is built before the old timer goes away, so a trigger
	// that fails to rebuild keeps running as before.
	for _, name := range append(append([]string(nil), diff.Added...), diff.Rebuild...) {
		tc, _ := cfg.Find(name)
		tr, err := d.newTrigger(cfg, tc)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %q: %w", name, err))
			continue
		}
		if old := d.triggers[name]; old != nil {
			old.timer.Dispose()
			tr.log.Debug("trigger rebuilt", logx.String("evaluator", tr.cfg.EvaluatorName()), logx.String("timezone", tr.cfg.Timezone))
		} else {
			tr.log.Debug("trigger added", logx.String("expr", tr.cfg.Expression), logx.Bool("enabled", tc.Enabled))
		}
		d.triggers[name] = tr
	}

	updated := map[string]bool{}
	for _, name := range append(append([]string(nil), diff.Expression...), diff.Enabled...) {
		if updated[name] {
			continue
		}
		updated[name] = true
		tr := d.triggers[name]
		if tr == nil {
			continue
		}
		tc, _ := cfg.Find(name)
		if err := tr.update(tc); err != nil {
			errs = append(errs, fmt.Errorf("trigger %q: %w", name, err))
		}
	}

	d.cfg = cfg
	if !diff.Empty() {
		d.log.Debug("triggers reconciled",
			logx.Int("added", len(diff.Added)),
			logx.Int("removed", len(diff.Removed)),
			logx.Int("rebuilt", len(diff.Rebuild)),
			logx.Int("updated", len(updated)),
		)
	}
	return errors.Join(errs...)
}

// appliedLocked describes what the timers actually run, which can lag the
// last config when a trigger failed to apply.
func (d *Daemon) appliedLocked() *config.Config {
	out := &config.Config{Triggers: make([]config.TriggerConfig, 0, len(d.triggers))}
	for _, tr := range d.triggers {
		out.Triggers = append(out.Triggers, tr.cfg)
	}
	return out
}

// Snapshot returns the state of every trigger, sorted by name.
func (d *Daemon) Snapshot() []TriggerStatus {
	d.mu.Lock()
	out := make([]TriggerStatus, 0, len(d.triggers))
	for _, tr := range d.triggers {
		out = append(out, TriggerStatus{
			Name:      tr.cfg.Name,
			Evaluator: tr.cfg.EvaluatorName(),
			Timezone:  tr.cfg.Timezone,
			Snapshot:  tr.timer.Info(),
		})
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns up to n recorded occurrences of a trigger, oldest first.
func (d *Daemon) History(ctx context.Context, name string, n int) ([]storage.Record, error) {
	if d.store == nil {
		return nil, storage.ErrDisabled
	}
	return d.store.Recent(ctx, name, n)
}

func (d *Daemon) Stop(ctx context.Context) error {
	d.notify(sd.SdNotifyStopping)

	d.mu.Lock()
	d.stopped = true
	for name, tr := range d.triggers {
		tr.timer.Dispose()
		delete(d.triggers, name)
	}
	d.mu.Unlock()

	var errs []error
	if d.sup != nil {
		if err := d.sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, st := range d.sup.Tasks() {
			d.log.Debug("task summary",
				logx.String("name", st.Name),
				logx.Int("active", st.Active),
				logx.Int("restarts", st.Restarts),
				logx.Int("panics", st.Panics),
				logx.String("last_err", st.LastErr),
			)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.log.Info("daemon stopped", logx.Uint64("events_dropped", eventbus.Dropped(d.bus)))
	if d.logs != nil {
		_ = d.logs.Close()
	}
	return errors.Join(errs...)
}

func (d *Daemon) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := d.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}

			sections, fields := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				d.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
			d.log.Info("config reloaded", fields...)

			d.notify(sd.SdNotifyReloading)
			d.logs.Apply(mapLogConfig(newCfg))
			if storageChanged(lastApplied, newCfg) {
				d.log.Warn("storage settings changed; restart to apply")
			}
			if err := d.Apply(newCfg); err != nil {
				d.log.Warn("config applied with errors", logx.Err(err))
			}
			lastApplied = newCfg
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeReloaded})
			d.notify(sd.SdNotifyReady)
		}
	}
}

func storageChanged(a, b *config.Config) bool {
	var sa, sb config.StorageConfig
	if a != nil && a.Storage != nil {
		sa = *a.Storage
	}
	if b != nil && b.Storage != nil {
		sb = *b.Storage
	}
	return sa != sb
}

func (d *Daemon) recordHistory(ctx context.Context, events <-chan eventbus.Event) {
	warn := rate.NewLimiter(rate.Every(time.Minute), 1)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			r := storage.Record{Trigger: e.Trigger, At: e.Time, Next: e.Next, Err: e.Err}
			switch e.Type {
			case eventbus.TypeFired:
				r.Kind = storage.KindFired
			case eventbus.TypeExhausted:
				r.Kind = storage.KindExhausted
			case eventbus.TypeFailed:
				r.Kind = storage.KindFailed
			default:
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := d.store.Append(wctx, r)
			cancel()
			if err != nil && warn.Allow() {
				d.log.Warn("history append failed", logx.String("trigger", e.Trigger), logx.Err(err))
			}
		}
	}
}

// notify reports state to systemd. Outside a notify-type unit it does nothing.
func (d *Daemon) notify(state string) {
	if _, err := sd.SdNotify(false, state); err != nil {
		d.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}
