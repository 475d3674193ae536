// Package tcpsyn implements the TCP SYN scan (spec.md §4.6 "State
// machines (TCP SYN family)"), the reference ScanModule: transmit a bare
// SYN with the stateless cookie as the sequence number, classify any
// reply by recomputing that same cookie from the 5-tuple rather than
// consulting a per-target table, and fire a fast-timeout "closed" when
// nothing comes back. Grounded on the original's tcp-syn-scan.c state
// machine and carried into the engine's Module contract.
package tcpsyn

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
const Name = "tcp-syn"

// Module is the TCP SYN scan. Read-only after Init; every callback is
// safe to call concurrently from the engine's tx/handler goroutines since
// it touches no mutable state of its own.
type Module struct {
	scanmodule.Base

	opt  modopts.Options
	tpl4 *template.Template
	tpl6 *template.Template
}

// New builds an unconfigured Module; call Init before registering it.
func New() *Module { return &Module{} }

func (m *Module) Attributes() scanmodule.Attributes {
	return scanmodule.Attributes{
		Name:            Name,
		RequiredProbe:   scanmodule.ProbeNone,
		SupportsTimeout: true,
		BPFFilter:       "tcp",
		Multi:           scanmodule.MultiDirect,
		MultiNum:        1,
	}
}

// Init builds the v4/v6 SYN templates from modopts.Parse(config); a
// "syn_options" key of "true" enables the MSS/SACK/WScale/timestamp
// option block spec.md §4.9 step 7 describes.
func (m *Module) Init(config map[string]string) error {
	opt, err := modopts.Parse(config)
	if err != nil {
		return fmt.Errorf("tcpsyn: %w", err)
	}
	m.opt = opt

	withOptions := config["syn_options"] == "true"
	topt := opt.TemplateOptions()
	topt.TCPWindow = opt.TCPInitWindow
	if withOptions {
		topt.TCPOptions = template.TCPOptions{MSS: 1460, SACKPerm: true, WScale: 7, WScaleSet: true, Timestamp: true}
	}

	kind4 := template.KindTCPv4
	kind6 := template.KindTCPv6
	if withOptions {
		kind4 = template.KindTCPv4SYNOptions
		kind6 = template.KindTCPv6SYNOptions
	}

	if opt.HasSrcIP4 {
		tpl4, err := template.Build(kind4, topt, opt.SrcIP4, [16]byte{})
		if err != nil {
			return fmt.Errorf("tcpsyn: build v4 template: %w", err)
		}
		m.tpl4 = tpl4
	}
	if opt.HasSrcIP6 {
		tpl6, err := template.Build(kind6, topt, [4]byte{}, opt.SrcIP6)
		if err != nil {
			return fmt.Errorf("tcpsyn: build v6 template: %w", err)
		}
		m.tpl6 = tpl6
	}
	return nil
}

// Transmit stamps one SYN: dst ip/port, src port, and seq=cookie, folding
// the mutable bytes into the template's stored partial checksums rather
// than re-summing the whole packet (spec.md §4.9).
func (m *Module) Transmit(seed uint64, target scanmodule.Target, buf *pktbuf.Buf, event *scanmodule.TransmitEvent) (bool, error) {
	if target.IPThem.Family() == massip.FamilyV4 {
		if m.tpl4 == nil {
			return false, fmt.Errorf("tcpsyn: no v4 template configured")
		}
		emitV4(m.tpl4, target, buf)
	} else {
		if m.tpl6 == nil {
			return false, fmt.Errorf("tcpsyn: no v6 template configured")
		}
		emitV6(m.tpl6, target, buf)
	}
	event.NeedTimeout = true
	event.TimeoutPayload = target
	return false, nil
}

func emitV4(tpl *template.Template, target scanmodule.Target, buf *pktbuf.Buf) {
	frame := append([]byte(nil), tpl.Bytes...)
	ipOff, tcpOff := tpl.IPOff, tpl.TransportOff

	var dstIP [4]byte
	binary.BigEndian.PutUint32(dstIP[:], target.IPThem.Uint32())
	copy(frame[ipOff+16:ipOff+20], dstIP[:])
	ipChecksum := template.FinishChecksum(tpl.IPHeaderPartialSum, dstIP[:])
	binary.BigEndian.PutUint16(frame[ipOff+10:ipOff+12], ipChecksum)

	binary.BigEndian.PutUint16(frame[tcpOff+0:tcpOff+2], target.PortMe)
	binary.BigEndian.PutUint16(frame[tcpOff+2:tcpOff+4], target.PortThem)
	binary.BigEndian.PutUint32(frame[tcpOff+4:tcpOff+8], target.Cookie)

	var variable []byte
	variable = append(variable, dstIP[:]...)
	variable = append(variable, portPair(target.PortMe, target.PortThem)...)
	variable = append(variable, seqBytes(target.Cookie)...)
	tcpChecksum := template.FinishChecksum(tpl.TransportPartialSum, variable)
	binary.BigEndian.PutUint16(frame[tcpOff+16:tcpOff+18], tcpChecksum)

	buf.Append(frame)
}

func emitV6(tpl *template.Template, target scanmodule.Target, buf *pktbuf.Buf) {
	frame := append([]byte(nil), tpl.Bytes...)
	ipOff, tcpOff := tpl.IPOff, tpl.TransportOff

	hi, lo := target.IPThem.Halves()
	var dstIP [16]byte
	for i := 0; i < 8; i++ {
		dstIP[i] = byte(hi >> (56 - 8*i))
		dstIP[8+i] = byte(lo >> (56 - 8*i))
	}
	copy(frame[ipOff+24:ipOff+40], dstIP[:])
	// IPv6 has no header checksum; only the transport pseudo-header sum
	// needs finishing.

	binary.BigEndian.PutUint16(frame[tcpOff+0:tcpOff+2], target.PortMe)
	binary.BigEndian.PutUint16(frame[tcpOff+2:tcpOff+4], target.PortThem)
	binary.BigEndian.PutUint32(frame[tcpOff+4:tcpOff+8], target.Cookie)

	var variable []byte
	variable = append(variable, dstIP[:]...)
	variable = append(variable, portPair(target.PortMe, target.PortThem)...)
	variable = append(variable, seqBytes(target.Cookie)...)
	tcpChecksum := template.FinishChecksum(tpl.TransportPartialSum, variable)
	binary.BigEndian.PutUint16(frame[tcpOff+16:tcpOff+18], tcpChecksum)

	buf.Append(frame)
}

func portPair(a, b uint16) []byte {
	var out [4]byte
	binary.BigEndian.PutUint16(out[0:2], a)
	binary.BigEndian.PutUint16(out[2:4], b)
	return out[:]
}

func seqBytes(seq uint32) []byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], seq)
	return out[:]
}

// dedup discriminators, kept as free integers rather than a package-wide
// enum (spec.md §9 open question).
const (
	dedupSynAck uint32 = 0
	dedupRst    uint32 = 1
)

// Validate recognizes SYN-ACK and RST replies addressed to our own
// source port; everything else is dropped before ever reaching a
// handler (spec.md §4.5 step 4).
func (m *Module) Validate(seed uint64, parsed *scanmodule.ParsedFrame, pre *scanmodule.PreHandle) {
	if parsed.IPProto != massip.ProtoTCP || !parsed.IsMyPort {
		return
	}
	isSynAck := parsed.TCPFlags&(template.TCPFlagSYN|template.TCPFlagACK) == (template.TCPFlagSYN | template.TCPFlagACK)
	isRst := parsed.TCPFlags&template.TCPFlagRST != 0
	if !isSynAck && !isRst {
		return
	}
	pre.GoRecord = true
	pre.GoDedup = true
	if isSynAck {
		pre.DedupType = dedupSynAck
	} else {
		pre.DedupType = dedupRst
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

// Handle classifies the reply against the cookie recomputed from the
// 5-tuple, never from stored state (spec.md §4.6): a SYN-ACK requires
// strictly ack==cookie+1; an RST accepts either ack==cookie or
// ack==cookie+1 (spec.md §9: "preserve this asymmetry; do not guess").
func (m *Module) Handle(workerIdx int, seed uint64, parsed *scanmodule.ParsedFrame, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	want := recompute(parsed, seed)

	if parsed.TCPFlags&template.TCPFlagRST != 0 {
		if parsed.TCPAck != want && parsed.TCPAck != want+1 {
			return false
		}
		item.Level = scanmodule.LevelFailure
		item.Classification = "closed"
		item.Reason = "rst"
		return true
	}

	if parsed.TCPAck != want+1 {
		return false
	}
	if parsed.TCPWindow == 0 {
		item.Level = scanmodule.LevelSuccess
		item.Classification = "fake-open"
		item.Reason = "syn-ack-zero-window"
	} else {
		item.Level = scanmodule.LevelSuccess
		item.Classification = "open"
		item.Reason = "syn-ack"
	}
	item.AddReport("window", int(parsed.TCPWindow))

	// Tear the half-open connection back down; a SYN scan never completes
	// the handshake (spec.md §1 non-goal: no kernel TCP participation).
	rst := buildRST(m.tpl4, m.tpl6, parsed, want+1)
	if rst != nil {
		stack.Push(rst)
	}
	return true
}

// Timeout fires when no reply arrived within the fast-timeout window
// (spec.md §4.6: "Fast-timeout fires => CLOSED/timeout").
func (m *Module) Timeout(seed uint64, payload any, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	target, ok := payload.(scanmodule.Target)
	if !ok {
		return false
	}
	item.IPProto = massip.ProtoTCP
	item.IPThem = target.IPThem
	item.PortThem = target.PortThem
	item.IPMe = target.IPMe
	item.PortMe = target.PortMe
	item.Level = scanmodule.LevelFailure
	item.Classification = "closed"
	item.Reason = "timeout"
	return true
}

func buildRST(tpl4, tpl6 *template.Template, parsed *scanmodule.ParsedFrame, seq uint32) *pktbuf.Buf {
	var tpl *template.Template
	if parsed.IPThem.Family() == massip.FamilyV4 {
		tpl = tpl4
	} else {
		tpl = tpl6
	}
	if tpl == nil {
		return nil
	}
	frame := append([]byte(nil), tpl.Bytes...)
	ipOff, tcpOff := tpl.IPOff, tpl.TransportOff

	// The template bakes SYN into the flags byte, not zero; reusing it for
	// an RST has to replace that word's checksum contribution rather than
	// fold a zeroed one in.
	oldFlagsWord := []byte{frame[tcpOff+12], frame[tcpOff+13]}
	newFlagsWord := []byte{frame[tcpOff+12], template.TCPFlagRST}
	tcpPartial := template.ReplaceChecksum(tpl.TransportPartialSum, oldFlagsWord, newFlagsWord)

	var variable []byte
	if parsed.IPThem.Family() == massip.FamilyV4 {
		var dstIP [4]byte
		binary.BigEndian.PutUint32(dstIP[:], parsed.IPThem.Uint32())
		copy(frame[ipOff+16:ipOff+20], dstIP[:])
		ipChecksum := template.FinishChecksum(tpl.IPHeaderPartialSum, dstIP[:])
		binary.BigEndian.PutUint16(frame[ipOff+10:ipOff+12], ipChecksum)
		variable = append(variable, dstIP[:]...)
	} else {
		hi, lo := parsed.IPThem.Halves()
		var dstIP [16]byte
		for i := 0; i < 8; i++ {
			dstIP[i] = byte(hi >> (56 - 8*i))
			dstIP[8+i] = byte(lo >> (56 - 8*i))
		}
		copy(frame[ipOff+24:ipOff+40], dstIP[:])
		variable = append(variable, dstIP[:]...)
	}

	binary.BigEndian.PutUint16(frame[tcpOff+0:tcpOff+2], parsed.PortMe)
	binary.BigEndian.PutUint16(frame[tcpOff+2:tcpOff+4], parsed.PortThem)
	binary.BigEndian.PutUint32(frame[tcpOff+4:tcpOff+8], seq)
	frame[tcpOff+13] = template.TCPFlagRST

	variable = append(variable, portPair(parsed.PortMe, parsed.PortThem)...)
	variable = append(variable, seqBytes(seq)...)
	tcpChecksum := template.FinishChecksum(tcpPartial, variable)
	binary.BigEndian.PutUint16(frame[tcpOff+16:tcpOff+18], tcpChecksum)

	out := newBuf(len(frame))
	out.Append(frame)
	return out
}

// newBuf is a tiny local buffer constructor for sidecar frames that don't
// come from the engine's shared pool (RSTs are rare compared to scan
// traffic; allocating one here keeps buildRST decoupled from a pool
// reference it doesn't otherwise need).
func newBuf(capacity int) *pktbuf.Buf {
	return pktbuf.NewStandalone(capacity)
}
