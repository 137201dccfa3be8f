package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Task kinds understood by the workload package.
const (
	KindProcess   = "process"
	KindHeartbeat = "heartbeat"
	KindHTTP      = "http"
	KindTCP       = "tcp"
	KindGroup     = "group"
)

// Kinds lists every supported task kind in sorted order.
func Kinds() []string {
	return []string{KindGroup, KindHeartbeat, KindHTTP, KindProcess, KindTCP}
}

const (
	DefaultAddr             = "127.0.0.1:7664"
	DefaultInterval         = 10 * time.Second
	DefaultTimeout          = 5 * time.Second
	DefaultGracePeriod      = 2 * time.Second
	DefaultFailureThreshold = 3
)

// Duration wraps time.Duration for YAML and JSON unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Config mirrors the geark.yaml document structure.
type Config struct {
	Server          ServerSpec           `yaml:"server"`
	Logging         LoggingSpec          `yaml:"logging"`
	Runtime         string               `yaml:"runtime"`
	RestartCounting *bool                `yaml:"restartCounting"`
	Tasks           map[string]*TaskSpec `yaml:"tasks"`

	// Dir is the directory holding the loaded file. Relative workdirs and
	// env files resolve against it.
	Dir string `yaml:"-"`
}

// ServerSpec configures the control API.
type ServerSpec struct {
	Addr    string `yaml:"addr"`
	Metrics *bool  `yaml:"metrics"`
}

// MetricsEnabled reports whether /metrics should be served.
func (s ServerSpec) MetricsEnabled() bool {
	return s.Metrics == nil || *s.Metrics
}

// LoggingSpec configures the process-wide logger.
type LoggingSpec struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	NoColor bool   `yaml:"noColor"`
}

// TaskSpec declares one supervised task. Children are only meaningful for
// group tasks.
type TaskSpec struct {
	Kind             string               `yaml:"kind" json:"kind"`
	AutoRestart      bool                 `yaml:"autoRestart" json:"autoRestart,omitempty"`
	Command          []string             `yaml:"command" json:"command,omitempty"`
	Env              map[string]string    `yaml:"env" json:"env,omitempty"`
	EnvFromFile      string               `yaml:"envFromFile" json:"envFromFile,omitempty"`
	Workdir          string               `yaml:"workdir" json:"workdir,omitempty"`
	Interval         Duration             `yaml:"interval" json:"interval,omitempty"`
	Timeout          Duration             `yaml:"timeout" json:"timeout,omitempty"`
	GracePeriod      Duration             `yaml:"gracePeriod" json:"gracePeriod,omitempty"`
	URL              string               `yaml:"url" json:"url,omitempty"`
	ExpectStatus     []int                `yaml:"expectStatus" json:"expectStatus,omitempty"`
	Address          string               `yaml:"address" json:"address,omitempty"`
	FailureThreshold int                  `yaml:"failureThreshold" json:"failureThreshold,omitempty"`
	Children         map[string]*TaskSpec `yaml:"children" json:"children,omitempty"`
}

// ApplyDefaults fills unset server, logging and task fields.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.Metrics == nil {
		enabled := true
		c.Server.Metrics = &enabled
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	for _, spec := range c.Tasks {
		spec.ApplyDefaults()
	}
}

// RestartCountingEnabled reports whether restart counters should advance.
func (c *Config) RestartCountingEnabled() bool {
	return c.RestartCounting == nil || *c.RestartCounting
}

// ApplyDefaults fills unset fields on t and its children.
func (t *TaskSpec) ApplyDefaults() {
	if t == nil {
		return
	}
	t.Kind = strings.ToLower(strings.TrimSpace(t.Kind))
	switch t.Kind {
	case KindHeartbeat, KindHTTP, KindTCP:
		if t.Interval.Duration == 0 {
			t.Interval.Duration = DefaultInterval
		}
	}
	switch t.Kind {
	case KindHTTP, KindTCP:
		if t.Timeout.Duration == 0 {
			t.Timeout.Duration = DefaultTimeout
		}
		if t.FailureThreshold == 0 {
			t.FailureThreshold = DefaultFailureThreshold
		}
	case KindProcess:
		if t.GracePeriod.Duration == 0 {
			t.GracePeriod.Duration = DefaultGracePeriod
		}
	}
	for _, child := range t.Children {
		child.ApplyDefaults()
	}
}

// Clone creates a deep copy of the task specification.
func (t *TaskSpec) Clone() *TaskSpec {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Command = append([]string(nil), t.Command...)
	cp.ExpectStatus = append([]int(nil), t.ExpectStatus...)
	if t.Env != nil {
		cp.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			cp.Env[k] = v
		}
	}
	if t.Children != nil {
		cp.Children = make(map[string]*TaskSpec, len(t.Children))
		for k, v := range t.Children {
			cp.Children[k] = v.Clone()
		}
	}
	return &cp
}

// ChildrenSorted returns the child keys of t sorted alphabetically.
func (t *TaskSpec) ChildrenSorted() []string {
	return sortedKeys(t.Children)
}

// TasksSorted returns the top-level task keys sorted alphabetically.
func (c *Config) TasksSorted() []string {
	return sortedKeys(c.Tasks)
}

func sortedKeys(m map[string]*TaskSpec) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

// taskField builds a dotted path for a task nested under path, e.g.
// tasks.web.children.probe.url.
func taskField(path []string, parts ...string) string {
	pathParts := append(append([]string{"tasks"}, path...), parts...)
	return fieldPath(pathParts...)
}
