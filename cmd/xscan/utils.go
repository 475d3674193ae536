package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jihwankim/xscan/pkg/config"
	"github.com/jihwankim/xscan/pkg/engine"
	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/modules"
	"github.com/jihwankim/xscan/pkg/output"
	"github.com/jihwankim/xscan/pkg/scanmodule"
)

// loadConfig loads the configuration from file, auto-generating one if
// needed so a first-time operator gets an editable starting point instead
// of a bare error.
func loadConfig() (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = "xscan.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := config.Default()
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		fmt.Printf("config file not found, wrote defaults to %s\n", configPath)
		return cfg, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// moduleConfigMap flattens the link-layer knobs config.Config carries as
// typed fields into the string-keyed map modopts.Parse and every
// Module.Init expect, since the Module contract only knows config as
// map[string]string.
func moduleConfigMap(cfg *config.Config) map[string]string {
	m := make(map[string]string)
	if cfg.Link.Interface != "" {
		m["interface"] = cfg.Link.Interface
	}
	if cfg.Link.SourceIP4 != "" {
		m["src_ip4"] = cfg.Link.SourceIP4
	}
	if cfg.Link.SourceIP6 != "" {
		m["src_ip6"] = cfg.Link.SourceIP6
	}
	if cfg.Link.AdapterMAC != "" {
		m["src_mac"] = cfg.Link.AdapterMAC
	}
	// template.Options carries one RouterMAC shared by both families;
	// prefer the v4 router when both are configured.
	switch {
	case cfg.Link.RouterMAC4 != "":
		m["router_mac"] = cfg.Link.RouterMAC4
	case cfg.Link.RouterMAC6 != "":
		m["router_mac"] = cfg.Link.RouterMAC6
	}
	m["vlan"] = strconv.Itoa(cfg.Link.VLAN)
	m["ttl"] = strconv.Itoa(int(cfg.Link.TTL))
	m["tcp_window"] = strconv.Itoa(int(cfg.Link.TCPWindow))
	m["tcp_init_window"] = strconv.Itoa(int(cfg.Link.TCPInitWindow))
	m["datalink"] = "ethernet"
	for k, v := range cfg.Engine.ModuleOptions {
		m[k] = v
	}
	return m
}

// buildTargetSpace parses the config's string-based range/port specs and
// composes them into a massip.TargetSpace.
func buildTargetSpace(cfg *config.Config) (*massip.TargetSpace, error) {
	v4, v6, err := massip.BuildRangeLists(cfg.Targets.IncludeRanges, cfg.Targets.ExcludeRanges)
	if err != nil {
		return nil, err
	}
	ports, err := massip.BuildPortList(cfg.Targets.Ports)
	if err != nil {
		return nil, err
	}
	return massip.NewTargetSpace(v4, v6, ports)
}

// buildIdentity resolves the engine's fixed transmit-side source
// addresses and reserves a port window wide enough for the module's
// advertised Multi fan-out.
func buildIdentity(cfg *config.Config, module scanmodule.Module) (engine.Identity, error) {
	id := engine.Identity{
		SourcePortLow: cfg.Link.SourcePortLow,
		SourcePortNum: int(cfg.Link.SourcePortHigh-cfg.Link.SourcePortLow) + 1,
	}
	attrs := module.Attributes()
	if attrs.MultiNum > id.SourcePortNum {
		return id, fmt.Errorf("link.source_port_low..high window (%d) is narrower than module %q's multi fan-out (%d)",
			id.SourcePortNum, attrs.Name, attrs.MultiNum)
	}
	if cfg.Link.SourceIP4 != "" {
		addr, err := massip.ParseAddr(cfg.Link.SourceIP4)
		if err != nil {
			return id, fmt.Errorf("link.source_ip4: %w", err)
		}
		id.SourceV4, id.HasV4 = addr, true
	}
	if cfg.Link.SourceIP6 != "" {
		addr, err := massip.ParseAddr(cfg.Link.SourceIP6)
		if err != nil {
			return id, fmt.Errorf("link.source_ip6: %w", err)
		}
		id.SourceV6, id.HasV6 = addr, true
	}
	return id, nil
}

// buildOutputSink opens the configured output path (or stdout if empty)
// as a JSON-Lines sink.
func buildOutputSink(path string) (output.Sink, error) {
	if path == "" {
		return output.NewJSONLSink(noCloseWriter{os.Stdout}), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return output.NewJSONLSink(f), nil
}

// noCloseWriter strips os.Stdout's io.Closer so the sink's Close doesn't
// close the process's standard output.
type noCloseWriter struct{ w *os.File }

func (n noCloseWriter) Write(p []byte) (int, error) { return n.w.Write(p) }

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Args:  cobra.NoArgs,
	Short: "List registered scan modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := modules.NewRegistry()
		for _, name := range registry.Names() {
			fmt.Println(name)
		}
		return nil
	},
}
