// Package modopts parses the handful of string-keyed config options every
// reference scan module in pkg/modules needs in common (spec.md §9:
// "two-step init for scan modules ... configuration-with-recognized-options
// passed to init"): link framing, MACs, VLAN, TTL, and window sizes. Each
// module still owns its own Init and may ignore keys it has no use for.
package modopts

import (
	"fmt"
	"net"
	"strconv"

	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/template"
)

// Options is the parsed, typed form of a module's Init config map.
type Options struct {
	Datalink      template.Datalink
	SrcMAC        [6]byte
	RouterMAC     [6]byte
	VLAN          int
	TTL           uint8
	TCPWindow     uint16
	TCPInitWindow uint16

	SrcIP4    [4]byte
	HasSrcIP4 bool
	SrcIP6    [16]byte
	HasSrcIP6 bool
}

func (o Options) TemplateOptions() template.Options {
	return template.Options{
		Datalink: o.Datalink, SrcMAC: o.SrcMAC, RouterMAC: o.RouterMAC,
		VLAN: o.VLAN, TTL: o.TTL, TCPWindow: o.TCPWindow,
	}
}

// Parse reads the common option keys out of cfg, applying the same
// defaults config.Default() uses so a module built standalone (e.g. in a
// unit test) behaves the same as one wired through cmd/xscan.
func Parse(cfg map[string]string) (Options, error) {
	o := Options{Datalink: template.DatalinkEthernet, TTL: 64, TCPWindow: 64240, TCPInitWindow: 1024}

	if v, ok := cfg["datalink"]; ok {
		switch v {
		case "ethernet":
			o.Datalink = template.DatalinkEthernet
		case "raw":
			o.Datalink = template.DatalinkRaw
		case "null":
			o.Datalink = template.DatalinkNull
		default:
			return o, fmt.Errorf("modopts: unknown datalink %q", v)
		}
	}
	if v, ok := cfg["src_mac"]; ok && v != "" {
		mac, err := net.ParseMAC(v)
		if err != nil {
			return o, fmt.Errorf("modopts: src_mac: %w", err)
		}
		copy(o.SrcMAC[:], mac)
	}
	if v, ok := cfg["router_mac"]; ok && v != "" {
		mac, err := net.ParseMAC(v)
		if err != nil {
			return o, fmt.Errorf("modopts: router_mac: %w", err)
		}
		copy(o.RouterMAC[:], mac)
	}
	if v, ok := cfg["vlan"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("modopts: vlan: %w", err)
		}
		o.VLAN = n
	}
	if v, ok := cfg["ttl"]; ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return o, fmt.Errorf("modopts: ttl: %w", err)
		}
		o.TTL = uint8(n)
	}
	if v, ok := cfg["tcp_window"]; ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return o, fmt.Errorf("modopts: tcp_window: %w", err)
		}
		o.TCPWindow = uint16(n)
	}
	if v, ok := cfg["tcp_init_window"]; ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return o, fmt.Errorf("modopts: tcp_init_window: %w", err)
		}
		o.TCPInitWindow = uint16(n)
	}
	if v, ok := cfg["src_ip4"]; ok && v != "" {
		addr, err := massip.ParseAddr(v)
		if err != nil {
			return o, fmt.Errorf("modopts: src_ip4: %w", err)
		}
		ip := addr.Uint32()
		o.SrcIP4 = [4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}
		o.HasSrcIP4 = true
	}
	if v, ok := cfg["src_ip6"]; ok && v != "" {
		addr, err := massip.ParseAddr(v)
		if err != nil {
			return o, fmt.Errorf("modopts: src_ip6: %w", err)
		}
		hi, lo := addr.Halves()
		for i := 0; i < 8; i++ {
			o.SrcIP6[i] = byte(hi >> (56 - 8*i))
			o.SrcIP6[8+i] = byte(lo >> (56 - 8*i))
		}
		o.HasSrcIP6 = true
	}
	return o, nil
}
