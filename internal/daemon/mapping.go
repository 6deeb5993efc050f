package daemon

import (
	"fmt"
	"strings"
	"time"

	"crontimer/internal/config"
	"crontimer/internal/storage"
	"crontimer/pkg/crontimer"
	logx "crontimer/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig reports enabled=false when the storage section is absent
// or names no driver.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	bt, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: bt,
		Keep:        cfg.Storage.Keep,
	}, true, nil
}

// newEvaluator builds the evaluator a trigger asked for, in its zone.
func newEvaluator(tc config.TriggerConfig, tz string) (crontimer.Evaluator, error) {
	loc, err := config.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("trigger %q: timezone: %w", tc.Name, err)
	}
	switch tc.EvaluatorName() {
	case config.EvaluatorRobfig:
		return crontimer.NewCronEvaluator(loc), nil
	case config.EvaluatorGronx:
		return crontimer.NewGronxEvaluator(loc), nil
	default:
		return nil, fmt.Errorf("trigger %q: unknown evaluator %q", tc.Name, tc.Evaluator)
	}
}

// checkTriggers parses every trigger expression without creating timers.
func checkTriggers(cfg *config.Config, now time.Time) error {
	var errs []string
	for i, tc := range cfg.Triggers {
		tc = normalized(tc)
		ev, err := newEvaluator(tc, cfg.EffectiveTimezone(tc))
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if _, _, err := ev.Next(tc.Expression, crontimer.DetectFormat(tc.Expression), now); err != nil {
			errs = append(errs, fmt.Sprintf("triggers[%d].expression: %v", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid triggers: %s", strings.Join(errs, "; "))
	}
	return nil
}
