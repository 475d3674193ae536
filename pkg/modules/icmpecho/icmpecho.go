// Package icmpecho implements the ICMP echo ("ping") scan (spec.md §4.6
// "ICMP echo scan"): the echo id/seq pair carries the stateless cookie
// the same way a TCP SYN scan carries it in the sequence number, so a
// matching echo reply identifies itself without any per-target lookup.
// Only IPv4 is supported: Transmit rejects IPv6 targets and Validate
// accepts only ICMPv4 echo replies.
package icmpecho

import (
	"encoding/binary"
	"fmt"

	"github.com/jihwankim/xscan/pkg/cookie"
	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/modules/modopts"
	"github.com/jihwankim/xscan/pkg/pktbuf"
	"github.com/jihwankim/xscan/pkg/scanmodule"
	"github.com/jihwankim/xscan/pkg/template"
)

// Name is the module's registration key.
const Name = "icmp-echo"

const (
	icmpv4EchoRequest = 8
	icmpv4EchoReply   = 0
	icmpv6EchoRequest = 128
	icmpv6EchoReply   = 129
)

// Module is the ICMP echo scan.
type Module struct {
	scanmodule.Base

	opt  modopts.Options
	tpl4 *template.Template
}

// New builds an unconfigured Module; call Init before registering it.
func New() *Module { return &Module{} }

func (m *Module) Attributes() scanmodule.Attributes {
	return scanmodule.Attributes{
		Name:            Name,
		RequiredProbe:   scanmodule.ProbeNone,
		SupportsTimeout: true,
		BPFFilter:       "icmp or icmp6",
		Multi:           scanmodule.MultiDirect,
		MultiNum:        1,
	}
}

// Init builds the v4 echo template. No v6 template is built: an ICMPv6
// echo would need a full ICMPv6 checksum (pseudo-header + body), and
// this module ships v4 only.
func (m *Module) Init(config map[string]string) error {
	opt, err := modopts.Parse(config)
	if err != nil {
		return fmt.Errorf("icmpecho: %w", err)
	}
	m.opt = opt
	if opt.HasSrcIP4 {
		tpl, err := template.Build(template.KindICMPv4Echo, opt.TemplateOptions(), opt.SrcIP4, [16]byte{})
		if err != nil {
			return fmt.Errorf("icmpecho: build v4 template: %w", err)
		}
		m.tpl4 = tpl
	}
	return nil
}

// Transmit stamps dst IP and the cookie-derived id/seq into the echo
// request, folding the variable bytes into the template's stored
// partial checksums.
func (m *Module) Transmit(seed uint64, target scanmodule.Target, buf *pktbuf.Buf, event *scanmodule.TransmitEvent) (bool, error) {
	if target.IPThem.Family() != massip.FamilyV4 {
		return false, fmt.Errorf("icmpecho: ipv6 targets not supported")
	}
	if m.tpl4 == nil {
		return false, fmt.Errorf("icmpecho: no v4 template configured")
	}
	tpl := m.tpl4
	frame := append([]byte(nil), tpl.Bytes...)
	ipOff, icmpOff := tpl.IPOff, tpl.TransportOff

	var dstIP [4]byte
	binary.BigEndian.PutUint32(dstIP[:], target.IPThem.Uint32())
	copy(frame[ipOff+16:ipOff+20], dstIP[:])
	ipChecksum := template.FinishChecksum(tpl.IPHeaderPartialSum, dstIP[:])
	binary.BigEndian.PutUint16(frame[ipOff+10:ipOff+12], ipChecksum)

	id, seq := cookieIDSeq(target.Cookie)
	binary.BigEndian.PutUint16(frame[icmpOff+4:icmpOff+6], id)
	binary.BigEndian.PutUint16(frame[icmpOff+6:icmpOff+8], seq)

	var variable [4]byte
	binary.BigEndian.PutUint16(variable[0:2], id)
	binary.BigEndian.PutUint16(variable[2:4], seq)
	icmpChecksum := template.FinishChecksum(tpl.TransportPartialSum, variable[:])
	binary.BigEndian.PutUint16(frame[icmpOff+2:icmpOff+4], icmpChecksum)

	buf.Append(frame)
	event.NeedTimeout = true
	event.TimeoutPayload = target
	return false, nil
}

// cookieIDSeq splits a 32-bit cookie into the 16-bit id/seq pair an ICMP
// echo header carries (spec.md §4.6: "echo id/seq derived from cookie").
func cookieIDSeq(c uint32) (id, seq uint16) {
	return uint16(c >> 16), uint16(c)
}

const dedupEchoReply uint32 = 0

// Validate recognizes an ICMPv4 echo reply; everything else (including
// echo requests, which a scanner should never see reflected) is dropped
// before reaching a handler.
func (m *Module) Validate(seed uint64, parsed *scanmodule.ParsedFrame, pre *scanmodule.PreHandle) {
	if parsed.IPProto != massip.ProtoICMP || parsed.IPThem.Family() != massip.FamilyV4 {
		return
	}
	if parsed.ICMPType != icmpv4EchoReply {
		return
	}
	pre.GoRecord = true
	pre.GoDedup = true
	pre.DedupType = dedupEchoReply
}

// Handle confirms the reply's id/seq matches the cookie recomputed from
// the 5-tuple (spec.md §4.6: "reply matching id/seq => alive").
func (m *Module) Handle(workerIdx int, seed uint64, parsed *scanmodule.ParsedFrame, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	want := cookie.Compute(uint64(parsed.IPThem.Uint32()), uint64(parsed.IPMe.Uint32()), 0, 0, seed)
	wantID, wantSeq := cookieIDSeq(want)
	if parsed.ICMPID != wantID || parsed.ICMPSeq != wantSeq {
		return false
	}
	item.IPProto = massip.ProtoICMP
	item.Level = scanmodule.LevelSuccess
	item.Classification = "alive"
	item.Reason = "echo-reply"
	return true
}

// Timeout fires "down" when no echo reply arrived within the fast
// timeout window.
func (m *Module) Timeout(seed uint64, payload any, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	target, ok := payload.(scanmodule.Target)
	if !ok {
		return false
	}
	item.IPProto = massip.ProtoICMP
	item.IPThem = target.IPThem
	item.IPMe = target.IPMe
	item.Level = scanmodule.LevelFailure
	item.Classification = "down"
	item.Reason = "timeout"
	return true
}
