// Package arpscan implements the ARP scan (spec.md §4.6 "ARP scan"): a
// broadcast request per target IPv4 address, on a local segment where
// ICMP/TCP probing would otherwise require an already-resolved MAC. Any
// ARP reply addressed to our own IP is alive; the module reports
// the peer's MAC address, the one piece of information ARP probing
// exists to recover.
package arpscan

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/modules/modopts"
	"github.com/jihwankim/xscan/pkg/pktbuf"
	"github.com/jihwankim/xscan/pkg/scanmodule"
	"github.com/jihwankim/xscan/pkg/template"
)

// Name is the module's registration key.
const Name = "arp"

// arpReply is the ARP opcode for a reply (spec.md: "any reply with
// matching target-ip => alive").
const arpOpReply = 2

// Module is the ARP scan. It never needs the cookie/dedup machinery's
// port fields (ARP carries no ports at all); a reply is recognized
// purely by its opcode and by its target IP being our own. Its sender IP
// is not checked against the scanned targets.
type Module struct {
	scanmodule.Base

	opt modopts.Options
	tpl *template.Template
}

// New builds an unconfigured Module; call Init before registering it.
func New() *Module { return &Module{} }

func (m *Module) Attributes() scanmodule.Attributes {
	return scanmodule.Attributes{
		Name:            Name,
		RequiredProbe:   scanmodule.ProbeNone,
		SupportsTimeout: true,
		BPFFilter:       "arp",
		Multi:           scanmodule.MultiDirect,
		MultiNum:        1,
	}
}

// Init builds the ARP request template; ARP is always link-local so it
// only ever needs an Ethernet-framed, IPv4 target template (spec.md §4.9
// step 2: "ARP" is listed among the per-protocol templates, not a
// v4/v6 pair — there is no ARP-equivalent for IPv6, NDP fills that role
// and is out of this module's scope per spec.md §9).
func (m *Module) Init(config map[string]string) error {
	opt, err := modopts.Parse(config)
	if err != nil {
		return fmt.Errorf("arpscan: %w", err)
	}
	if !opt.HasSrcIP4 {
		return fmt.Errorf("arpscan: src_ip4 is required")
	}
	m.opt = opt
	tpl, err := template.Build(template.KindARPRequest, opt.TemplateOptions(), opt.SrcIP4, [16]byte{})
	if err != nil {
		return fmt.Errorf("arpscan: build template: %w", err)
	}
	m.tpl = tpl
	return nil
}

// Transmit stamps the target IP into the broadcast ARP request. ARP has
// no checksum to fold in, only the target-IP field.
func (m *Module) Transmit(seed uint64, target scanmodule.Target, buf *pktbuf.Buf, event *scanmodule.TransmitEvent) (bool, error) {
	if target.IPThem.Family() != massip.FamilyV4 {
		return false, fmt.Errorf("arpscan: ipv6 targets not supported")
	}
	frame := append([]byte(nil), m.tpl.Bytes...)
	off := m.tpl.TransportOff
	var dstIP [4]byte
	binary.BigEndian.PutUint32(dstIP[:], target.IPThem.Uint32())
	copy(frame[off+24:off+28], dstIP[:])
	buf.Append(frame)
	event.NeedTimeout = true
	event.TimeoutPayload = target
	return false, nil
}

const dedupReply uint32 = 0

// Validate recognizes an ARP reply addressed to our own IP; frameparse
// reuses ICMPType as the opcode field for ARP frames (pkg/frameparse
// doc comment).
func (m *Module) Validate(seed uint64, parsed *scanmodule.ParsedFrame, pre *scanmodule.PreHandle) {
	if parsed.IPProto != massip.ProtoOther || !parsed.IsMyIP {
		return
	}
	if parsed.ICMPType != arpOpReply {
		return
	}
	pre.GoRecord = true
	pre.GoDedup = true
	pre.DedupType = dedupReply
}

// Handle reports the peer alive with its resolved MAC address. The MAC
// lives in the raw frame's Ethernet source field, not something
// frameparse preserves as a typed field, so this module reads it
// directly off ParsedFrame.Raw.
func (m *Module) Handle(workerIdx int, seed uint64, parsed *scanmodule.ParsedFrame, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	item.IPProto = massip.ProtoOther
	item.Level = scanmodule.LevelSuccess
	item.Classification = "alive"
	item.Reason = "arp-reply"
	if len(parsed.Raw) >= 12 {
		mac := net.HardwareAddr(parsed.Raw[6:12])
		item.AddReport("mac", mac.String())
	}
	return true
}

// Timeout fires "down" when no ARP reply arrived for a target.
func (m *Module) Timeout(seed uint64, payload any, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	target, ok := payload.(scanmodule.Target)
	if !ok {
		return false
	}
	item.IPProto = massip.ProtoOther
	item.IPThem = target.IPThem
	item.Level = scanmodule.LevelFailure
	item.Classification = "down"
	item.Reason = "timeout"
	return true
}
