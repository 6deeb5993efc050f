package config

import (
	"sort"
	"strings"

	logx "crontimer/pkg/logx"
)

// TriggerDiff lists trigger names by how they changed between two configs.
type TriggerDiff struct {
	Added   []string
	Removed []string
	// Rebuild holds triggers whose evaluator or effective timezone changed;
	// their timers must be recreated.
	Rebuild []string
	// Expression and Enabled hold triggers that can be updated in place.
	Expression []string
	Enabled    []string
}

func (d TriggerDiff) Empty() bool {
	return len(d.Added)+len(d.Removed)+len(d.Rebuild)+len(d.Expression)+len(d.Enabled) == 0
}

// EffectiveTimezone returns the trigger's timezone, falling back to the config's.
func (c *Config) EffectiveTimezone(t TriggerConfig) string {
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		return tz
	}
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Timezone)
}

// DiffTriggers compares the trigger sets of two configs. A nil config is empty.
func DiffTriggers(oldCfg, newCfg *Config) TriggerDiff {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var d TriggerDiff
	for _, nt := range newCfg.Triggers {
		ot, ok := oldCfg.Find(nt.Name)
		if !ok {
			d.Added = append(d.Added, nt.Name)
			continue
		}
		if ot.EvaluatorName() != nt.EvaluatorName() || oldCfg.EffectiveTimezone(ot) != newCfg.EffectiveTimezone(nt) {
			d.Rebuild = append(d.Rebuild, nt.Name)
			continue
		}
		if strings.TrimSpace(ot.Expression) != strings.TrimSpace(nt.Expression) {
			d.Expression = append(d.Expression, nt.Name)
		}
		if ot.Enabled != nt.Enabled {
			d.Enabled = append(d.Enabled, nt.Name)
		}
	}
	for _, ot := range oldCfg.Triggers {
		if _, ok := newCfg.Find(ot.Name); !ok {
			d.Removed = append(d.Removed, ot.Name)
		}
	}

	for _, s := range [][]string{d.Added, d.Removed, d.Rebuild, d.Expression, d.Enabled} {
		sort.Strings(s)
	}
	return d
}

// SummarizeChange returns the changed top-level sections and log fields
// describing them.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	fields := make([]logx.Field, 0, 8)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newS.Driver))
	}
	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		fields = append(fields, logx.String("timezone", newCfg.Timezone))
	}
	if d := DiffTriggers(oldCfg, newCfg); !d.Empty() {
		changed = append(changed, "triggers")
		fields = append(fields,
			logx.Int("triggers.added", len(d.Added)),
			logx.Int("triggers.removed", len(d.Removed)),
			logx.Int("triggers.rebuilt", len(d.Rebuild)),
			logx.Int("triggers.expression_changed", len(d.Expression)),
			logx.Int("triggers.enabled_changed", len(d.Enabled)),
		)
	}
	sort.Strings(changed)
	return changed, fields
}
