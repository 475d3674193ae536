// Package zbanner implements the stateless L7 banner-grab scan
// (spec.md §4.6 "ZBanner state machine"): a TCP SYN carries the cookie
// as usual, but once the peer answers with a SYN-ACK the handler stacks
// one more packet — an ACK+PSH carrying the probe's request — and
// correlates the eventual response purely from the ack number, without
// ever opening a real socket or keeping per-connection state. The
// probe's own payload length is recomputed on demand (it is
// deterministic given the target) rather than stored, so every
// correlation step stays a pure function of the 5-tuple plus the cookie.
package zbanner

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
const Name = "zbanner"

// Probe is the L7 exchange ZBanner drives once a TCP handshake's SYN-ACK
// confirms the port is open (spec.md §1 Non-goals: probe libraries
// themselves, e.g. an HTTP request builder, are external collaborators
// implementing this contract).
type Probe interface {
	// Request returns the bytes to send once the port is confirmed open.
	Request(target scanmodule.Target) []byte
	// HandleResponse fills item from the banner bytes received.
	HandleResponse(target scanmodule.Target, banner []byte, item *scanmodule.Item)
	// HandleTimeout fills item when no banner arrived in time; returns
	// false to suppress emitting a timeout result entirely.
	HandleTimeout(target scanmodule.Target, item *scanmodule.Item) bool
}

// HTTPProbe is the worked-example Probe (spec.md §8 scenario 5): a bare
// HTTP/1.0 GET, classifying any reply as "serving" with the response
// bytes captured as the banner.
type HTTPProbe struct {
	Path string // defaults to "/"
}

func (p HTTPProbe) Request(scanmodule.Target) []byte {
	path := p.Path
	if path == "" {
		path = "/"
	}
	return []byte("GET " + path + " HTTP/1.0\r\n\r\n")
}

func (HTTPProbe) HandleResponse(target scanmodule.Target, banner []byte, item *scanmodule.Item) {
	item.Classification = "serving"
	item.Reason = "banner"
	n := len(banner)
	if n > 256 {
		n = 256
	}
	item.AddReport("banner", string(banner[:n]))
}

func (HTTPProbe) HandleTimeout(target scanmodule.Target, item *scanmodule.Item) bool {
	item.Classification = "open"
	item.Reason = "no-banner"
	return true
}

// banner-timeout payload: the handler needs the target plus the exact
// ack value a matching data packet must carry (cookie+1+requestLen), so
// Handle never has to re-derive the request just to check a deadline.
type bannerTimeout struct {
	target    scanmodule.Target
	expectAck uint32
}

// Module is the ZBanner scan, parameterized by a Probe.
type Module struct {
	scanmodule.Base

	opt   modopts.Options
	probe Probe
	tpl4  *template.Template
	tpl6  *template.Template
}

// New builds a Module with probe (HTTPProbe{} if nil); call Init before
// registering it.
func New(probe Probe) *Module {
	if probe == nil {
		probe = HTTPProbe{}
	}
	return &Module{probe: probe}
}

func (m *Module) Attributes() scanmodule.Attributes {
	return scanmodule.Attributes{
		Name:            Name,
		RequiredProbe:   scanmodule.ProbeTCP,
		SupportsTimeout: true,
		BPFFilter:       "tcp",
		Multi:           scanmodule.MultiIfOpen,
		MultiNum:        2,
	}
}

// Init builds the v4/v6 bare-SYN templates, same as tcpsyn's (ZBanner's
// first packet is indistinguishable from a SYN scan's).
func (m *Module) Init(config map[string]string) error {
	opt, err := modopts.Parse(config)
	if err != nil {
		return fmt.Errorf("zbanner: %w", err)
	}
	m.opt = opt
	if opt.HasSrcIP4 {
		tpl4, err := template.Build(template.KindTCPv4, opt.TemplateOptions(), opt.SrcIP4, [16]byte{})
		if err != nil {
			return fmt.Errorf("zbanner: build v4 template: %w", err)
		}
		m.tpl4 = tpl4
	}
	if opt.HasSrcIP6 {
		tpl6, err := template.Build(template.KindTCPv6, opt.TemplateOptions(), [4]byte{}, opt.SrcIP6)
		if err != nil {
			return fmt.Errorf("zbanner: build v6 template: %w", err)
		}
		m.tpl6 = tpl6
	}
	return nil
}

// Transmit sends the bare SYN; the ACK+PSH follow-up is stacked later,
// from Handle, once a SYN-ACK confirms the port is open (spec.md's
// "IfOpen" multi-probe mode).
func (m *Module) Transmit(seed uint64, target scanmodule.Target, buf *pktbuf.Buf, event *scanmodule.TransmitEvent) (bool, error) {
	tpl := m.templateFor(target.IPThem)
	if tpl == nil {
		return false, fmt.Errorf("zbanner: no template configured for this family")
	}
	writeTCP(tpl, buf, target.IPThem, target.PortMe, target.PortThem, target.Cookie, 0, template.TCPFlagSYN, nil)
	event.NeedTimeout = true
	event.TimeoutPayload = target
	return false, nil
}

func (m *Module) templateFor(ip massip.Addr) *template.Template {
	if ip.Family() == massip.FamilyV4 {
		return m.tpl4
	}
	return m.tpl6
}

const (
	dedupOpen   uint32 = 0
	dedupBanner uint32 = 1
	dedupRst    uint32 = 2
)

// Validate recognizes three reply shapes: a SYN-ACK opening the
// connection, an RST closing it, and application data matching a prior
// open (ack == cookie + requestLen + 1, spec.md's exact correlation
// rule).
func (m *Module) Validate(seed uint64, parsed *scanmodule.ParsedFrame, pre *scanmodule.PreHandle) {
	if parsed.IPProto != massip.ProtoTCP || !parsed.IsMyPort {
		return
	}
	if parsed.TCPFlags&template.TCPFlagRST != 0 {
		pre.GoRecord = true
		pre.GoDedup = true
		pre.DedupType = dedupRst
		return
	}
	want := recompute(parsed, seed)
	if parsed.TCPFlags&(template.TCPFlagSYN|template.TCPFlagACK) == (template.TCPFlagSYN | template.TCPFlagACK) {
		if parsed.TCPAck != want+1 {
			return
		}
		pre.GoRecord = true
		pre.GoDedup = true
		pre.DedupType = dedupOpen
		return
	}
	if parsed.TCPFlags&template.TCPFlagACK != 0 && len(parsed.App()) > 0 {
		reqLen := len(m.probe.Request(targetOf(parsed, want)))
		if uint32(parsed.TCPAck) != want+1+uint32(reqLen) {
			return
		}
		pre.GoRecord = true
		pre.GoDedup = true
		pre.DedupType = dedupBanner
	}
}

func targetOf(parsed *scanmodule.ParsedFrame, cookieVal uint32) scanmodule.Target {
	return scanmodule.Target{
		IPThem: parsed.IPThem, PortThem: parsed.PortThem,
		IPMe: parsed.IPMe, PortMe: parsed.PortMe, Cookie: cookieVal,
	}
}

func recompute(parsed *scanmodule.ParsedFrame, seed uint64) uint32 {
	if parsed.IPThem.Family() == massip.FamilyV4 {
		return cookie.Compute(uint64(parsed.IPThem.Uint32()), uint64(parsed.IPMe.Uint32()), parsed.PortThem, parsed.PortMe, seed)
	}
	hi, lo := parsed.IPThem.Halves()
	mhi, mlo := parsed.IPMe.Halves()
	return cookie.ComputeV6(hi, lo, mhi, mlo, parsed.PortThem, parsed.PortMe, seed)
}

// Handle drives the rest of the state machine per spec.md's ZBanner
// description: on open, stack the ACK+PSH request and a banner-timeout;
// on banner match, tear down with RST and report; on RST, report
// closed.
func (m *Module) Handle(workerIdx int, seed uint64, parsed *scanmodule.ParsedFrame, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	want := recompute(parsed, seed)
	target := targetOf(parsed, want)

	if parsed.TCPFlags&template.TCPFlagRST != 0 {
		item.IPProto = massip.ProtoTCP
		item.Level = scanmodule.LevelFailure
		item.Classification = "closed"
		item.Reason = "rst"
		return true
	}

	if parsed.TCPFlags&(template.TCPFlagSYN|template.TCPFlagACK) == (template.TCPFlagSYN | template.TCPFlagACK) {
		req := m.probe.Request(target)
		tpl := m.templateFor(parsed.IPThem)
		if tpl != nil {
			buf := pktbuf.NewStandalone(len(tpl.Bytes) + len(req) + 16)
			writeTCP(tpl, buf, parsed.IPThem, parsed.PortMe, parsed.PortThem, want+1, parsed.TCPSeq+1, template.TCPFlagACK|template.TCPFlagPSH, req)
			stack.Push(buf)
		}
		ft.Add(bannerTimeout{target: target, expectAck: want + 1 + uint32(len(req))})
		item.IPProto = massip.ProtoTCP
		item.Level = scanmodule.LevelSuccess
		item.Classification = "open"
		item.Reason = "syn-ack"
		return true
	}

	// Banner match: tear down, then hand the payload to the probe.
	rstTpl := m.templateFor(parsed.IPThem)
	if rstTpl != nil {
		buf := pktbuf.NewStandalone(len(rstTpl.Bytes) + 16)
		writeTCP(rstTpl, buf, parsed.IPThem, parsed.PortMe, parsed.PortThem, parsed.TCPAck, parsed.TCPSeq, template.TCPFlagRST, nil)
		stack.Push(buf)
	}
	item.IPProto = massip.ProtoTCP
	item.Level = scanmodule.LevelSuccess
	m.probe.HandleResponse(target, parsed.App(), item)
	return true
}

// Timeout handles two payloads: the bannerTimeout registered in Handle
// (the "no banner within the window" case, passed to the probe), and the
// bare Target that Transmit registers for every SYN, reported as
// closed/timeout.
func (m *Module) Timeout(seed uint64, payload any, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	switch ev := payload.(type) {
	case bannerTimeout:
		item.IPProto = massip.ProtoTCP
		item.IPThem = ev.target.IPThem
		item.PortThem = ev.target.PortThem
		item.IPMe = ev.target.IPMe
		item.PortMe = ev.target.PortMe
		item.Level = scanmodule.LevelFailure
		return m.probe.HandleTimeout(ev.target, item)
	case scanmodule.Target:
		item.IPProto = massip.ProtoTCP
		item.IPThem = ev.IPThem
		item.PortThem = ev.PortThem
		item.IPMe = ev.IPMe
		item.PortMe = ev.PortMe
		item.Level = scanmodule.LevelFailure
		item.Classification = "closed"
		item.Reason = "timeout"
		return true
	default:
		return false
	}
}

// writeTCP renders one TCP frame from tpl with the given seq/ack/flags
// and optional payload, finishing both the IP and TCP checksums over
// the variable region. Shared by the SYN, ACK+PSH, and RST emission
// paths since all three only differ in those fields.
func writeTCP(tpl *template.Template, buf *pktbuf.Buf, dstIP massip.Addr, portMe, portThem uint16, seq, ack uint32, flags uint8, payload []byte) {
	frame := append([]byte(nil), tpl.Bytes...)
	ipOff, tcpOff := tpl.IPOff, tpl.TransportOff
	isV6 := dstIP.Family() != massip.FamilyV4

	// tpl bakes a bare SYN (flags non-zero) and the header's original
	// length (no payload) into its stored partial sums; reusing the
	// template for an ACK+PSH or RST with a payload has to replace those
	// two fields' contributions rather than fold zeroed ones in.
	oldFlagsWord := []byte{frame[tcpOff+12], frame[tcpOff+13]}
	newFlagsWord := []byte{frame[tcpOff+12], flags}
	origHeaderLen := tpl.AppOff - tpl.TransportOff

	var dstBytes []byte
	if !isV6 {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], dstIP.Uint32())
		copy(frame[ipOff+16:ipOff+20], b[:])
		dstBytes = b[:]
	} else {
		hi, lo := dstIP.Halves()
		var b [16]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(hi >> (56 - 8*i))
			b[8+i] = byte(lo >> (56 - 8*i))
		}
		copy(frame[ipOff+24:ipOff+40], b[:])
		dstBytes = b[:]
	}

	frame = append(frame, payload...)
	frame[tcpOff+13] = flags
	binary.BigEndian.PutUint16(frame[tcpOff+0:tcpOff+2], portMe)
	binary.BigEndian.PutUint16(frame[tcpOff+2:tcpOff+4], portThem)
	binary.BigEndian.PutUint32(frame[tcpOff+4:tcpOff+8], seq)
	binary.BigEndian.PutUint32(frame[tcpOff+8:tcpOff+12], ack)

	newTCPLen := len(frame) - tcpOff

	tcpPartial := template.ReplaceChecksum(tpl.TransportPartialSum, oldFlagsWord, newFlagsWord)
	var oldLenBytes, newLenBytes []byte
	if !isV6 {
		var o, n [2]byte
		binary.BigEndian.PutUint16(o[:], uint16(origHeaderLen))
		binary.BigEndian.PutUint16(n[:], uint16(newTCPLen))
		oldLenBytes, newLenBytes = o[:], n[:]
	} else {
		var o, n [4]byte
		binary.BigEndian.PutUint32(o[:], uint32(origHeaderLen))
		binary.BigEndian.PutUint32(n[:], uint32(newTCPLen))
		oldLenBytes, newLenBytes = o[:], n[:]
	}
	tcpPartial = template.ReplaceChecksum(tcpPartial, oldLenBytes, newLenBytes)

	if !isV6 {
		newIPTotalLen := uint16(len(frame) - ipOff)
		binary.BigEndian.PutUint16(frame[ipOff+2:ipOff+4], newIPTotalLen)
		var oldIPLenB, newIPLenB [2]byte
		binary.BigEndian.PutUint16(oldIPLenB[:], uint16(tpl.AppOff-tpl.IPOff))
		binary.BigEndian.PutUint16(newIPLenB[:], newIPTotalLen)
		ipPartial := template.ReplaceChecksum(tpl.IPHeaderPartialSum, oldIPLenB[:], newIPLenB[:])
		ipChecksum := template.FinishChecksum(ipPartial, dstBytes)
		binary.BigEndian.PutUint16(frame[ipOff+10:ipOff+12], ipChecksum)
	} else {
		binary.BigEndian.PutUint16(frame[ipOff+4:ipOff+6], uint16(newTCPLen))
	}

	var variable []byte
	variable = append(variable, dstBytes...)
	variable = append(variable, portPair(portMe, portThem)...)
	variable = append(variable, seqAckBytes(seq, ack)...)
	variable = append(variable, payload...)
	tcpChecksum := template.FinishChecksum(tcpPartial, variable)
	binary.BigEndian.PutUint16(frame[tcpOff+16:tcpOff+18], tcpChecksum)

	buf.Append(frame)
}

func portPair(a, b uint16) []byte {
	var out [4]byte
	binary.BigEndian.PutUint16(out[0:2], a)
	binary.BigEndian.PutUint16(out[2:4], b)
	return out[:]
}

func seqAckBytes(seq, ack uint32) []byte {
	var out [8]byte
	binary.BigEndian.PutUint32(out[0:4], seq)
	binary.BigEndian.PutUint32(out[4:8], ack)
	return out[:]
}

