// Package config loads the daemon configuration: logging, graph settings,
// backends and the nodes and links declared at startup.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Memory backends.
const (
	MemoryHeap  = "heap"
	MemoryMemfd = "memfd"
)

// Trigger wakeup mechanisms.
const (
	WakeupLoop    = "loop"
	WakeupEventfd = "eventfd"
)

// Snapshot store backends.
const (
	StoreNone   = "none"
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreBadger = "badger"
)

// Config is the daemon configuration file.
type Config struct {
	Log    LogConfig    `yaml:"log" json:"log"`
	Graph  GraphConfig  `yaml:"graph" json:"graph"`
	Memory string       `yaml:"memory" json:"memory"`
	Store  StoreConfig  `yaml:"store" json:"store"`
	HTTP   HTTPConfig   `yaml:"http" json:"http"`
	MCP    MCPConfig    `yaml:"mcp" json:"mcp"`
	Nodes  []NodeConfig `yaml:"nodes" json:"nodes"`
	Links  []LinkConfig `yaml:"links" json:"links"`
}

// LogConfig selects level and handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// GraphConfig holds the scheduling settings.
type GraphConfig struct {
	Name      string        `yaml:"name" json:"name"`
	Quantum   QuantumConfig `yaml:"quantum" json:"quantum"`
	Rate      uint32        `yaml:"rate" json:"rate"`
	DataLoops int           `yaml:"data_loops" json:"data_loops"`

	// Wakeup selects how trigger signals reach a node: "loop" queues them
	// directly, "eventfd" goes through one eventfd per node.
	Wakeup string `yaml:"wakeup" json:"wakeup"`
}

// QuantumConfig bounds driver group quanta.
type QuantumConfig struct {
	Default uint32 `yaml:"default" json:"default"`
	Min     uint32 `yaml:"min" json:"min"`
	Max     uint32 `yaml:"max" json:"max"`
}

// StoreConfig selects where graph snapshots are published.
type StoreConfig struct {
	Kind     string `yaml:"kind" json:"kind"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	TTL      string `yaml:"ttl" json:"ttl"`
	Path     string `yaml:"path" json:"path"`
	Lock     bool   `yaml:"lock" json:"lock"`
	Debounce string `yaml:"debounce" json:"debounce"`
}

// HTTPConfig configures the introspection server. An empty address disables
// it.
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// MCPConfig enables the agent tool server on stdio.
type MCPConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// NodeConfig declares a node.
type NodeConfig struct {
	Name          string         `yaml:"name" json:"name"`
	Plugin        string         `yaml:"plugin" json:"plugin"`
	Driver        bool           `yaml:"driver" json:"driver"`
	Active        *bool          `yaml:"active" json:"active"`
	WantDriver    bool           `yaml:"want_driver" json:"want_driver"`
	NeedConfig    bool           `yaml:"need_config" json:"need_config"`
	Quantum       uint32         `yaml:"quantum" json:"quantum"`
	MaxQuantum    uint32         `yaml:"max_quantum" json:"max_quantum"`
	Group         string         `yaml:"group" json:"group"`
	PauseOnIdle   *bool          `yaml:"pause_on_idle" json:"pause_on_idle"`
	SuspendOnIdle bool           `yaml:"suspend_on_idle" json:"suspend_on_idle"`
	Props         map[string]any `yaml:"props" json:"props"`
}

// IsActive reports the active flag, which defaults to true.
func (n NodeConfig) IsActive() bool {
	return n.Active == nil || *n.Active
}

// PausesOnIdle reports the pause_on_idle flag, which defaults to true.
func (n NodeConfig) PausesOnIdle() bool {
	return n.PauseOnIdle == nil || *n.PauseOnIdle
}

// LinkConfig declares a link between two endpoints written "node" or
// "node:port", where port is an id or a port name.
type LinkConfig struct {
	Output     string `yaml:"output" json:"output"`
	Input      string `yaml:"input" json:"input"`
	Passive    bool   `yaml:"passive" json:"passive"`
	MinBuffers uint32 `yaml:"min_buffers" json:"min_buffers"`
}

// Endpoint is a parsed link endpoint.
type Endpoint struct {
	Node string
	Port string
}

// PortID returns the port as a numeric id.
func (e Endpoint) PortID() (uint32, bool) {
	if e.Port == "" {
		return 0, true
	}
	id, err := strconv.ParseUint(e.Port, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// ParseEndpoint splits "node:port".
func ParseEndpoint(s string) (Endpoint, error) {
	node, port, _ := strings.Cut(strings.TrimSpace(s), ":")
	if node == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing node", s)
	}
	return Endpoint{Node: node, Port: port}, nil
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Graph:  GraphConfig{Name: "default", Quantum: QuantumConfig{Default: 1024, Min: 32, Max: 8192}, Rate: 48000, DataLoops: 1, Wakeup: WakeupLoop},
		Memory: MemoryHeap,
		Store:  StoreConfig{Kind: StoreMemory, Prefix: "patchbay", Debounce: "250ms"},
	}
}

// Load reads a configuration file (YAML or JSON) on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, strings.ToLower(filepath.Ext(path)) == ".json")
}

// Parse decodes configuration data on top of the defaults.
func Parse(data []byte, isJSON bool) (*Config, error) {
	cfg := Default()
	if isJSON {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config yaml: %w", err)
		}
	}
	return cfg, nil
}

// LogLevel parses the configured level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// DebounceInterval parses the snapshot debounce interval.
func (s StoreConfig) DebounceInterval() (time.Duration, error) {
	return parseDuration("store.debounce", s.Debounce)
}

// TTLDuration parses the snapshot expiry. Zero keeps snapshots forever.
func (s StoreConfig) TTLDuration() (time.Duration, error) {
	return parseDuration("store.ttl", s.TTL)
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration", field)
	}
	return d, nil
}

// PluginChecker reports whether a plugin name can be instantiated.
type PluginChecker interface {
	Has(name string) bool
}

// Validate checks the configuration for errors that would only surface while
// building the graph. Every problem found is reported.
func (c *Config) Validate(plugins PluginChecker) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		add("log.format: unknown format %q", c.Log.Format)
	}

	q := c.Graph.Quantum
	if q.Min == 0 || q.Max == 0 || q.Min > q.Max {
		add("graph.quantum: need 0 < min <= max, got min=%d max=%d", q.Min, q.Max)
	} else if q.Default < q.Min || q.Default > q.Max {
		add("graph.quantum: default %d outside [%d, %d]", q.Default, q.Min, q.Max)
	}
	if c.Graph.Rate == 0 {
		add("graph.rate: must be positive")
	}
	if c.Graph.DataLoops < 1 {
		add("graph.data_loops: need at least one")
	}

	switch c.Graph.Wakeup {
	case "", WakeupLoop, WakeupEventfd:
	default:
		add("graph.wakeup: unknown mechanism %q", c.Graph.Wakeup)
	}

	switch c.Memory {
	case MemoryHeap, MemoryMemfd:
	default:
		add("memory: unknown backend %q", c.Memory)
	}

	switch c.Store.Kind {
	case "", StoreNone, StoreMemory:
	case StoreRedis:
		if c.Store.Addr == "" {
			add("store.addr: required for redis")
		}
	case StoreBadger:
		if c.Store.Path == "" {
			add("store.path: required for badger")
		}
	default:
		add("store.kind: unknown backend %q", c.Store.Kind)
	}
	if c.Store.Lock && c.Store.Kind != StoreRedis {
		add("store.lock: only supported with redis")
	}
	if _, err := c.Store.DebounceInterval(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Store.TTLDuration(); err != nil {
		errs = append(errs, err)
	}

	names := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		switch {
		case n.Name == "":
			add("nodes[%d]: missing name", i)
		case names[n.Name]:
			add("nodes[%d]: duplicate name %q", i, n.Name)
		}
		names[n.Name] = true
		if plugins != nil && !plugins.Has(n.Plugin) {
			add("nodes[%d] %q: unknown plugin %q", i, n.Name, n.Plugin)
		}
		if n.MaxQuantum > 0 && n.Quantum > n.MaxQuantum {
			add("nodes[%d] %q: quantum %d above max_quantum %d", i, n.Name, n.Quantum, n.MaxQuantum)
		}
	}

	for i, l := range c.Links {
		for _, side := range []struct{ field, v string }{{"output", l.Output}, {"input", l.Input}} {
			ep, err := ParseEndpoint(side.v)
			if err != nil {
				add("links[%d].%s: %v", i, side.field, err)
				continue
			}
			if !names[ep.Node] {
				add("links[%d].%s: unknown node %q", i, side.field, ep.Node)
			}
		}
	}
	return errors.Join(errs...)
}
