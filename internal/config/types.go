package config

// Config is the daemon's file configuration (JSON, or YAML with a .yaml/.yml extension).
//
// Example:
//
//	logging:  { level: info, console: true }
//	storage:  { driver: sqlite, path: ./crontimer.db }
//	timezone: Asia/Jakarta
//	triggers:
//	  - { name: heartbeat, expression: "*/5 * * * *", enabled: true }
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Timezone string          `json:"timezone,omitempty"`
	Triggers []TriggerConfig `json:"triggers"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional occurrence history.
//
// Driver values: "file" (JSON lines), "sqlite", or "none"/"" (disabled).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Keep        int    `json:"keep,omitempty"`         // records kept per trigger; 0 means unlimited
}

// TriggerConfig declares one recurring trigger.
//
// Evaluator is "robfig" (default) or "gronx". Timezone overrides the top-level
// timezone for this trigger only.
type TriggerConfig struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Enabled    bool   `json:"enabled"`
	Evaluator  string `json:"evaluator,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

const (
	EvaluatorRobfig = "robfig"
	EvaluatorGronx  = "gronx"
)

// EvaluatorName returns the normalized evaluator name.
func (t TriggerConfig) EvaluatorName() string {
	switch t.Evaluator {
	case "", EvaluatorRobfig:
		return EvaluatorRobfig
	default:
		return t.Evaluator
	}
}

// Find returns the trigger with the given name.
func (c *Config) Find(name string) (TriggerConfig, bool) {
	if c == nil {
		return TriggerConfig{}, false
	}
	for _, t := range c.Triggers {
		if t.Name == name {
			return t, true
		}
	}
	return TriggerConfig{}, false
}
