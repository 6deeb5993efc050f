package config

import (
	"errors"
	"fmt"
	"strings"

	logx "crontimer/pkg/logx"
)

// Validate checks the config for mistakes that can be caught without
// evaluating expressions. Expression syntax is checked when triggers are built.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if _, err := LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path: required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDuration("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if s.Keep < 0 {
			errs = append(errs, errors.New("storage.keep: must be >= 0"))
		}
	}

	seen := make(map[string]int, len(cfg.Triggers))
	for i, t := range cfg.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if j, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: %q already used by triggers[%d]", path, name, j))
		} else {
			seen[name] = i
		}
		if strings.TrimSpace(t.Expression) == "" {
			errs = append(errs, fmt.Errorf("%s.expression: required", path))
		}
		switch t.EvaluatorName() {
		case EvaluatorRobfig, EvaluatorGronx:
		default:
			errs = append(errs, fmt.Errorf("%s.evaluator: unknown evaluator %q", path, t.Evaluator))
		}
		if _, err := LoadLocation(t.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("%s.timezone: %w", path, err))
		}
	}
	return errors.Join(errs...)
}
