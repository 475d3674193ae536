// Package udpscan implements the UDP scan (spec.md §4.6 "UDP scan"): tx
// crafts a payload through a pluggable Probe, any UDP response from the
// target is an "open" observation gated by the probe's own validation,
// and an ICMP port-unreachable referring back to our own packet
// classifies the port closed — all without keeping a per-target UDP
// socket, matching the rest of the engine's stateless design.
package udpscan

import (
	"encoding/binary"
	"fmt"

	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/modules/modopts"
	"github.com/jihwankim/xscan/pkg/pktbuf"
	"github.com/jihwankim/xscan/pkg/scanmodule"
	"github.com/jihwankim/xscan/pkg/template"
)

// Name is the module's registration key.
const Name = "udp"

// Probe is the pluggable L7 contract a UDP scan module drives (spec.md
// §1 Non-goals: "individual probe libraries ... treated as
// implementations of the ProbeModule contract"). MakePayload crafts the
// bytes to send; ValidateResponse gates whether a UDP reply counts as a
// match before dedup; HandleResponse fills the result item.
type Probe interface {
	MakePayload(target scanmodule.Target) []byte
	ValidateResponse(target scanmodule.Target, payload []byte) bool
	HandleResponse(target scanmodule.Target, payload []byte, item *scanmodule.Item)
}

// EmptyProbe is the default Probe: an empty UDP datagram, matching any
// reply whatsoever. Useful for a bare "is anything listening" sweep and
// as the worked example other probes are grafted alongside.
type EmptyProbe struct{}

func (EmptyProbe) MakePayload(scanmodule.Target) []byte { return nil }
func (EmptyProbe) ValidateResponse(scanmodule.Target, []byte) bool { return true }
func (EmptyProbe) HandleResponse(target scanmodule.Target, payload []byte, item *scanmodule.Item) {
	item.Classification = "open"
	item.Reason = "udp-response"
	if len(payload) > 0 {
		n := len(payload)
		if n > 64 {
			n = 64
		}
		item.AddReport("banner", string(payload[:n]))
	}
}

// Module is the UDP scan, parameterized by a Probe.
type Module struct {
	scanmodule.Base

	opt   modopts.Options
	probe Probe
	tpl4  *template.Template
	tpl6  *template.Template
}

// New builds a Module with probe (EmptyProbe{} if nil); call Init before
// registering it.
func New(probe Probe) *Module {
	if probe == nil {
		probe = EmptyProbe{}
	}
	return &Module{probe: probe}
}

func (m *Module) Attributes() scanmodule.Attributes {
	return scanmodule.Attributes{
		Name:            Name,
		RequiredProbe:   scanmodule.ProbeUDP,
		SupportsTimeout: true,
		BPFFilter:       "udp or icmp or icmp6",
		Multi:           scanmodule.MultiDirect,
		MultiNum:        1,
	}
}

// Init builds the v4/v6 UDP templates.
func (m *Module) Init(config map[string]string) error {
	opt, err := modopts.Parse(config)
	if err != nil {
		return fmt.Errorf("udpscan: %w", err)
	}
	m.opt = opt
	if opt.HasSrcIP4 {
		tpl, err := template.Build(template.KindUDPv4, opt.TemplateOptions(), opt.SrcIP4, [16]byte{})
		if err != nil {
			return fmt.Errorf("udpscan: build v4 template: %w", err)
		}
		m.tpl4 = tpl
	}
	if opt.HasSrcIP6 {
		tpl, err := template.Build(template.KindUDPv6, opt.TemplateOptions(), [4]byte{}, opt.SrcIP6)
		if err != nil {
			return fmt.Errorf("udpscan: build v6 template: %w", err)
		}
		m.tpl6 = tpl
	}
	return nil
}

// Transmit stamps dst ip/port and the probe's payload, recomputing the
// transport checksum over the full variable region (ports plus payload,
// since UDP's checksum covers the payload unlike TCP's fixed-size
// header fields).
func (m *Module) Transmit(seed uint64, target scanmodule.Target, buf *pktbuf.Buf, event *scanmodule.TransmitEvent) (bool, error) {
	payload := m.probe.MakePayload(target)
	if target.IPThem.Family() == massip.FamilyV4 {
		if m.tpl4 == nil {
			return false, fmt.Errorf("udpscan: no v4 template configured")
		}
		emitV4(m.tpl4, target, payload, buf)
	} else {
		if m.tpl6 == nil {
			return false, fmt.Errorf("udpscan: no v6 template configured")
		}
		emitV6(m.tpl6, target, payload, buf)
	}
	event.NeedTimeout = true
	event.TimeoutPayload = target
	return false, nil
}

func emitV4(tpl *template.Template, target scanmodule.Target, payload []byte, buf *pktbuf.Buf) {
	frame := append([]byte(nil), tpl.Bytes...)
	frame = append(frame, payload...)
	ipOff, udpOff := tpl.IPOff, tpl.TransportOff
	udpLen := uint16(8 + len(payload))
	newIPTotalLen := uint16(len(frame) - ipOff)

	var dstIP [4]byte
	binary.BigEndian.PutUint32(dstIP[:], target.IPThem.Uint32())
	copy(frame[ipOff+16:ipOff+20], dstIP[:])
	binary.BigEndian.PutUint16(frame[ipOff+2:ipOff+4], newIPTotalLen)

	// tpl bakes the no-payload IP total length (AppOff-IPOff) into
	// IPHeaderPartialSum; that field was never zeroed at build time, so a
	// non-empty payload has to replace its contribution rather than fold
	// a zeroed one in. Dst IP, on the other hand, was left zero and folds
	// in directly.
	var oldIPLenB, newIPLenB [2]byte
	binary.BigEndian.PutUint16(oldIPLenB[:], uint16(tpl.AppOff-tpl.IPOff))
	binary.BigEndian.PutUint16(newIPLenB[:], newIPTotalLen)
	ipPartial := template.ReplaceChecksum(tpl.IPHeaderPartialSum, oldIPLenB[:], newIPLenB[:])
	ipChecksum := template.FinishChecksum(ipPartial, dstIP[:])
	binary.BigEndian.PutUint16(frame[ipOff+10:ipOff+12], ipChecksum)

	binary.BigEndian.PutUint16(frame[udpOff+0:udpOff+2], target.PortMe)
	binary.BigEndian.PutUint16(frame[udpOff+2:udpOff+4], target.PortThem)
	binary.BigEndian.PutUint16(frame[udpOff+4:udpOff+6], udpLen)

	// The UDP length baked into TransportPartialSum appears twice: once
	// in the UDP header's own length field, once in the pseudo-header's
	// transport-length field. Both need their contribution replaced, not
	// folded in, the same reasoning as the IP length field above.
	var oldLenB, newLenB [2]byte
	binary.BigEndian.PutUint16(oldLenB[:], uint16(tpl.AppOff-tpl.TransportOff))
	binary.BigEndian.PutUint16(newLenB[:], udpLen)
	udpPartial := template.ReplaceChecksum(tpl.TransportPartialSum, oldLenB[:], newLenB[:])
	udpPartial = template.ReplaceChecksum(udpPartial, oldLenB[:], newLenB[:])

	var variable []byte
	variable = append(variable, dstIP[:]...)
	variable = append(variable, portPair(target.PortMe, target.PortThem)...)
	variable = append(variable, payload...)
	udpChecksum := template.FinishChecksum(udpPartial, variable)
	if udpChecksum == 0 {
		udpChecksum = 0xFFFF // RFC 768: computed-zero checksum is sent as all-ones
	}
	binary.BigEndian.PutUint16(frame[udpOff+6:udpOff+8], udpChecksum)

	buf.Append(frame)
}

func emitV6(tpl *template.Template, target scanmodule.Target, payload []byte, buf *pktbuf.Buf) {
	frame := append([]byte(nil), tpl.Bytes...)
	frame = append(frame, payload...)
	ipOff, udpOff := tpl.IPOff, tpl.TransportOff
	udpLen := uint16(8 + len(payload))

	hi, lo := target.IPThem.Halves()
	var dstIP [16]byte
	for i := 0; i < 8; i++ {
		dstIP[i] = byte(hi >> (56 - 8*i))
		dstIP[8+i] = byte(lo >> (56 - 8*i))
	}
	copy(frame[ipOff+24:ipOff+40], dstIP[:])
	binary.BigEndian.PutUint16(frame[ipOff+4:ipOff+6], udpLen) // no IPv6 header checksum to maintain

	binary.BigEndian.PutUint16(frame[udpOff+0:udpOff+2], target.PortMe)
	binary.BigEndian.PutUint16(frame[udpOff+2:udpOff+4], target.PortThem)
	binary.BigEndian.PutUint16(frame[udpOff+4:udpOff+6], udpLen)

	// Same double-occurrence length fix as emitV4, except the
	// pseudo-header's transport-length field is 4 bytes wide for v6
	// (pseudoHeaderV6), not 2.
	var oldLenB, newLenB [2]byte
	binary.BigEndian.PutUint16(oldLenB[:], uint16(tpl.AppOff-tpl.TransportOff))
	binary.BigEndian.PutUint16(newLenB[:], udpLen)
	var oldPseudoLenB, newPseudoLenB [4]byte
	binary.BigEndian.PutUint32(oldPseudoLenB[:], uint32(tpl.AppOff-tpl.TransportOff))
	binary.BigEndian.PutUint32(newPseudoLenB[:], uint32(udpLen))
	udpPartial := template.ReplaceChecksum(tpl.TransportPartialSum, oldLenB[:], newLenB[:])
	udpPartial = template.ReplaceChecksum(udpPartial, oldPseudoLenB[:], newPseudoLenB[:])

	var variable []byte
	variable = append(variable, dstIP[:]...)
	variable = append(variable, portPair(target.PortMe, target.PortThem)...)
	variable = append(variable, payload...)
	udpChecksum := template.FinishChecksum(udpPartial, variable)
	if udpChecksum == 0 {
		udpChecksum = 0xFFFF
	}
	binary.BigEndian.PutUint16(frame[udpOff+6:udpOff+8], udpChecksum)

	buf.Append(frame)
}

func portPair(a, b uint16) []byte {
	var out [4]byte
	binary.BigEndian.PutUint16(out[0:2], a)
	binary.BigEndian.PutUint16(out[2:4], b)
	return out[:]
}

const (
	dedupResponse uint32 = 0
	dedupUnreachable uint32 = 1
)

const icmpPortUnreachable = 3 // type 3 (dest unreachable), code 3 (port unreachable)

// Validate recognizes a direct UDP reply on our source port, or an
// ICMPv4 destination-unreachable/port-unreachable referencing our
// outgoing packet (spec.md §4.6: "on ICMP port-unreachable referring to
// our packet, classify closed").
func (m *Module) Validate(seed uint64, parsed *scanmodule.ParsedFrame, pre *scanmodule.PreHandle) {
	if parsed.IPProto == massip.ProtoUDP && parsed.IsMyPort {
		if !m.probe.ValidateResponse(scanmodule.Target{IPThem: parsed.IPThem, PortThem: parsed.PortThem, IPMe: parsed.IPMe, PortMe: parsed.PortMe}, parsed.App()) {
			return
		}
		pre.GoRecord = true
		pre.GoDedup = true
		pre.DedupType = dedupResponse
		return
	}
	if parsed.IPProto == massip.ProtoICMP && parsed.IPThem.Family() == massip.FamilyV4 &&
		parsed.ICMPType == 3 && parsed.ICMPCode == icmpPortUnreachable {
		if !embeddedUDPIsOurs(parsed) {
			return
		}
		pre.GoRecord = true
		pre.GoDedup = true
		pre.DedupType = dedupUnreachable
	}
}

// embeddedUDPIsOurs checks only that the ICMP error embeds a well-formed
// IPv4 header whose protocol is UDP. It does not compare the embedded
// source port against our own source-port window, so a port-unreachable
// about any UDP packet to a host passes.
func embeddedUDPIsOurs(parsed *scanmodule.ParsedFrame) bool {
	app := parsed.App()
	if len(app) < 20+8 {
		return false
	}
	ihl := int(app[0]&0x0F) * 4
	if ihl < 20 || len(app) < ihl+4 {
		return false
	}
	if app[9] != 17 { // embedded protocol must be UDP
		return false
	}
	return len(app) >= ihl+4
}

// Handle fills the result item for a direct UDP reply, and reports the
// port closed for an ICMP port-unreachable, which carries no usable
// application payload.
func (m *Module) Handle(workerIdx int, seed uint64, parsed *scanmodule.ParsedFrame, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	item.IPProto = massip.ProtoUDP
	if parsed.IPProto == massip.ProtoICMP {
		item.Level = scanmodule.LevelFailure
		item.Classification = "closed"
		item.Reason = "port-unreachable"
		embeddedPort := embeddedDstPort(parsed)
		if embeddedPort != 0 {
			item.PortThem = embeddedPort
		}
		return true
	}
	target := scanmodule.Target{IPThem: parsed.IPThem, PortThem: parsed.PortThem, IPMe: parsed.IPMe, PortMe: parsed.PortMe}
	item.Level = scanmodule.LevelSuccess
	m.probe.HandleResponse(target, parsed.App(), item)
	return true
}

func embeddedDstPort(parsed *scanmodule.ParsedFrame) uint16 {
	app := parsed.App()
	if len(app) < 20+4 {
		return 0
	}
	ihl := int(app[0]&0x0F) * 4
	if len(app) < ihl+4 {
		return 0
	}
	return binary.BigEndian.Uint16(app[ihl+2 : ihl+4])
}

// Timeout fires when no response (direct or ICMP) arrived within the
// fast-timeout window; spec.md leaves "no response" as a silent
// non-finding implicitly closed/filtered port for UDP (no confirmation
// either way is possible without a response), reported at failure level
// consistent with the other modules' timeout handling.
func (m *Module) Timeout(seed uint64, payload any, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	target, ok := payload.(scanmodule.Target)
	if !ok {
		return false
	}
	item.IPProto = massip.ProtoUDP
	item.IPThem = target.IPThem
	item.PortThem = target.PortThem
	item.IPMe = target.IPMe
	item.PortMe = target.PortMe
	item.Level = scanmodule.LevelFailure
	item.Classification = "closed|filtered"
	item.Reason = "timeout"
	return true
}
