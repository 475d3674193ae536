// Package config loads and validates the scan engine's configuration: the
// knobs the engine's core consumes as its CLI surface, plus the
// ambient logging/status settings. cmd/xscan is the only place that binds
// these fields to flags (cobra); this package only knows about the
// resulting struct tree, its YAML representation, and its invariants.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every knob the scan engine's core needs. Zero value is not
// valid; use Default() and override, then call Validate().
type Config struct {
	Targets TargetsConfig `yaml:"targets"`
	Engine  EngineConfig  `yaml:"engine"`
	Link    LinkConfig    `yaml:"link"`
	Logging LoggingConfig `yaml:"logging"`
	Status  StatusConfig  `yaml:"status"`
}

// TargetsConfig describes the address/port space and traversal order.
type TargetsConfig struct {
	IncludeRanges []string `yaml:"include_ranges"` // CIDR or "a-b" per massip parsing
	ExcludeRanges []string `yaml:"exclude_ranges"`
	Ports         []string `yaml:"ports"` // e.g. "80", "1-1024", "U:53"
	Seed          uint64   `yaml:"seed"`  // 0 => system entropy, filled at load time
	BlackrockRounds int    `yaml:"blackrock_rounds"`
	Shard         ShardConfig `yaml:"shard"`
	Repeat        int    `yaml:"repeat"`   // 0 = run once
	Infinite      bool   `yaml:"infinite"` // loop the permutation forever
}

// ShardConfig is a 1-based a/b split of the target-index space, letting
// multiple scanner instances divide one scan.
type ShardConfig struct {
	Index int `yaml:"index"` // 1-based
	Of    int `yaml:"of"`
}

// EngineConfig sizes the worker pool, queues, and timing policy.
type EngineConfig struct {
	RatePerSec       float64 `yaml:"rate_per_sec"`
	MaxBurstSeconds  float64 `yaml:"max_burst_seconds"`
	TxWorkers        int     `yaml:"tx_workers"`
	RxHandlerWorkers int     `yaml:"rx_handler_workers"`
	DedupWindow      int     `yaml:"dedup_window"`
	FastTimeoutSec   int64   `yaml:"fast_timeout_sec"` // 0 disables
	StackBufCount    int     `yaml:"stack_buf_count"`  // pktbuf pool size, power of two
	DispatchBufCount int     `yaml:"dispatch_buf_count"` // per-handler dispatch ring size
	WaitSeconds      int     `yaml:"wait_seconds"`     // drain delay after tx completion
	Module           string  `yaml:"module"`           // registered scan module name
	ModuleOptions    map[string]string `yaml:"module_options"` // passed verbatim to module.Init
}

// LinkConfig is the transmit-side identity and datalink shaping.
type LinkConfig struct {
	Interface      string `yaml:"interface"`
	SourceIP4      string `yaml:"source_ip4"`
	SourceIP6      string `yaml:"source_ip6"`
	SourcePortLow  uint16 `yaml:"source_port_low"`
	SourcePortHigh uint16 `yaml:"source_port_high"`
	RouterMAC4     string `yaml:"router_mac_ipv4"`
	RouterMAC6     string `yaml:"router_mac_ipv6"`
	AdapterMAC     string `yaml:"adapter_mac"`
	VLAN           int    `yaml:"vlan"` // 0 = untagged
	TTL            uint8  `yaml:"ttl"`
	TCPInitWindow  uint16 `yaml:"tcp_init_window"`
	TCPWindow      uint16 `yaml:"tcp_window"`
	Snaplen        int    `yaml:"snaplen"`
	MaxPacketLen   int    `yaml:"max_packet_len"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StatusConfig configures the counters/status exposition in pkg/status.
type StatusConfig struct {
	PrintIntervalMS int    `yaml:"print_interval_ms"`
	MetricsAddr     string `yaml:"metrics_addr"` // "" disables the Prometheus endpoint
}

// Default returns a Config populated with the engine's documented
// defaults: one tx worker, one rx/handler worker, blackrock
// at 14 rounds, a 10s wait, no rate limit.
func Default() *Config {
	return &Config{
		Targets: TargetsConfig{
			BlackrockRounds: 14,
			Shard:           ShardConfig{Index: 1, Of: 1},
		},
		Engine: EngineConfig{
			RatePerSec:       0, // 0 = unthrottled
			MaxBurstSeconds:  10,
			TxWorkers:        1,
			RxHandlerWorkers: 1,
			DedupWindow:      1 << 20,
			FastTimeoutSec:   10,
			StackBufCount:    1 << 14,
			DispatchBufCount: 1 << 12,
			WaitSeconds:      10,
		},
		Link: LinkConfig{
			SourcePortLow:  40000,
			SourcePortHigh: 40255,
			TTL:            64,
			TCPInitWindow:  1024,
			TCPWindow:      64240,
			Snaplen:        65535,
			MaxPacketLen:   1514,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Status:  StatusConfig{PrintIntervalMS: 333},
	}
}

// Load reads a YAML file into a Default() config, returning the merged
// result. A missing path is not an error; it yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML; cmd/xscan calls this to write out a
// default config file on first run.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate checks the invariants the engine relies on before it starts a
// scan: a ConfigError per spec.md §7, fatal before the scan starts.
func (c *Config) Validate() error {
	if len(c.Targets.IncludeRanges) == 0 {
		return fmt.Errorf("config: targets.include_ranges must not be empty")
	}
	if c.Targets.Shard.Of < 1 || c.Targets.Shard.Index < 1 || c.Targets.Shard.Index > c.Targets.Shard.Of {
		return fmt.Errorf("config: targets.shard must be a 1-based a/b with 1<=a<=b")
	}
	if c.Targets.BlackrockRounds <= 0 {
		return fmt.Errorf("config: targets.blackrock_rounds must be positive")
	}
	if c.Engine.TxWorkers <= 0 {
		return fmt.Errorf("config: engine.tx_workers must be positive")
	}
	if c.Engine.RxHandlerWorkers <= 0 {
		return fmt.Errorf("config: engine.rx_handler_workers must be positive")
	}
	if c.Engine.DedupWindow <= 0 {
		return fmt.Errorf("config: engine.dedup_window must be positive")
	}
	if c.Engine.StackBufCount <= 0 || c.Engine.StackBufCount&(c.Engine.StackBufCount-1) != 0 {
		return fmt.Errorf("config: engine.stack_buf_count must be a positive power of two")
	}
	if c.Engine.DispatchBufCount <= 0 || c.Engine.DispatchBufCount&(c.Engine.DispatchBufCount-1) != 0 {
		return fmt.Errorf("config: engine.dispatch_buf_count must be a positive power of two")
	}
	if c.Engine.Module == "" {
		return fmt.Errorf("config: engine.module is required")
	}
	if c.Link.SourcePortHigh < c.Link.SourcePortLow {
		return fmt.Errorf("config: link.source_port_high must be >= source_port_low")
	}
	if c.Link.VLAN < 0 || c.Link.VLAN > 4094 {
		return fmt.Errorf("config: link.vlan must be in [0,4094]")
	}
	return nil
}
