// Package tlsbanner implements the STATE-type TLS banner grab (spec.md
// §4.10): a TCP SYN opens the connection exactly like ZBanner, but once
// the peer answers with a SYN-ACK the handler hands the exchange to a
// pkg/tlsadapter.Conn, which runs a real TLS session over the stateless
// TCP sequence-number trick instead of sending one fixed request. Every
// outgoing TLS record crypto/tls produces is wrapped in an ACK+PSH
// segment and stacked for transmission; every inbound segment's payload
// is fed back into the adapter, advancing our own seq/ack bookkeeping by
// hand since there is no real socket keeping it for us.
package tlsbanner

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jihwankim/xscan/pkg/cookie"
	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/modules/modopts"
	"github.com/jihwankim/xscan/pkg/pktbuf"
	"github.com/jihwankim/xscan/pkg/scanmodule"
	"github.com/jihwankim/xscan/pkg/template"
	"github.com/jihwankim/xscan/pkg/tlsadapter"
)

// Name is the module's registration key.
const Name = "tlsbanner"

// Probe is both the tlsadapter.Subprobe exchanged over the TLS session
// and the classifier tlsbanner asks once that session finishes, the
// STATE-probe analog of zbanner.Probe's Request/HandleResponse pair.
type Probe interface {
	tlsadapter.Subprobe
	// Result fills item once the session has finished exchanging
	// application data, successfully or not.
	Result(target scanmodule.Target, item *scanmodule.Item)
}

// ProbeFactory builds one connection's Probe; a Probe is stateful (it
// accumulates the banner as chunks arrive), so tlsbanner needs a fresh
// one per opened connection rather than a single shared instance.
type ProbeFactory func(target scanmodule.Target) Probe

// httpsProbe is the worked-example Probe: a bare HTTP/1.0 GET sent once
// the handshake completes, reporting whatever comes back as the banner.
type httpsProbe struct {
	path   string
	banner []byte
}

func (p *httpsProbe) Hello() []byte {
	path := p.path
	if path == "" {
		path = "/"
	}
	return []byte("GET " + path + " HTTP/1.0\r\n\r\n")
}

func (p *httpsProbe) ParseResponse(chunk []byte) ([]byte, bool) {
	p.banner = append(p.banner, chunk...)
	return nil, true // one chunk is enough for a banner
}

func (p *httpsProbe) Result(target scanmodule.Target, item *scanmodule.Item) {
	item.Classification = "serving"
	item.Reason = "tls-banner"
	n := len(p.banner)
	if n > 256 {
		n = 256
	}
	item.AddReport("banner", string(p.banner[:n]))
}

// NewHTTPSProbe returns a ProbeFactory for the worked-example Probe.
func NewHTTPSProbe(path string) ProbeFactory {
	return func(scanmodule.Target) Probe { return &httpsProbe{path: path} }
}

// sessionKey identifies one open connection by its 5-tuple (minus
// protocol, which is always TCP here).
type sessionKey struct {
	ipThem   massip.Addr
	portThem uint16
	ipMe     massip.Addr
	portMe   uint16
}

func keyOf(t scanmodule.Target) sessionKey {
	return sessionKey{ipThem: t.IPThem, portThem: t.PortThem, ipMe: t.IPMe, portMe: t.PortMe}
}

// session is the per-connection state a real TCP stack would otherwise
// keep for us: the probe driving the TLS exchange, the adapter itself,
// and the seq/ack values our next outgoing segment must carry. Only ever
// touched from the handler goroutine that owns this 5-tuple's dedup
// bucket (the engine routes every packet for a target to the same
// handler), so its fields need no locking; only the sessions map, shared
// across handlers, does.
type session struct {
	target  scanmodule.Target
	probe   Probe
	conn    *tlsadapter.Conn
	ourSeq  uint32
	peerAck uint32
}

// sessionTimeout is the fast-timeout payload registered once a
// connection opens, distinct from the bare scanmodule.Target payload
// Transmit registers for the open itself, so Timeout can tell a
// never-opened port from a TLS session that stalled.
type sessionTimeout struct {
	target scanmodule.Target
}

// Module is the TLS banner-grab scan, parameterized by a ProbeFactory
// and the base TLS config cloned for every connection.
type Module struct {
	scanmodule.Base

	opt     modopts.Options
	factory ProbeFactory
	tlsCfg  *tls.Config
	tpl4    *template.Template
	tpl6    *template.Template

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

// New builds a Module. factory defaults to NewHTTPSProbe("/");
// tlsConfig defaults to {InsecureSkipVerify: true} since targets are
// bare IPs with no certificate chain worth validating. Call Init before
// registering it.
func New(factory ProbeFactory, tlsConfig *tls.Config) *Module {
	if factory == nil {
		factory = NewHTTPSProbe("/")
	}
	if tlsConfig == nil {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Module{factory: factory, tlsCfg: tlsConfig, sessions: make(map[sessionKey]*session)}
}

func (m *Module) Attributes() scanmodule.Attributes {
	return scanmodule.Attributes{
		Name:            Name,
		RequiredProbe:   scanmodule.ProbeState,
		SupportsTimeout: true,
		BPFFilter:       "tcp",
		Multi:           scanmodule.MultiIfOpen,
		MultiNum:        2,
	}
}

// Init builds the v4/v6 bare-SYN templates, same as zbanner's (the first
// packet of a TLS banner grab is an ordinary SYN).
func (m *Module) Init(config map[string]string) error {
	opt, err := modopts.Parse(config)
	if err != nil {
		return fmt.Errorf("tlsbanner: %w", err)
	}
	m.opt = opt
	if opt.HasSrcIP4 {
		tpl4, err := template.Build(template.KindTCPv4, opt.TemplateOptions(), opt.SrcIP4, [16]byte{})
		if err != nil {
			return fmt.Errorf("tlsbanner: build v4 template: %w", err)
		}
		m.tpl4 = tpl4
	}
	if opt.HasSrcIP6 {
		tpl6, err := template.Build(template.KindTCPv6, opt.TemplateOptions(), [4]byte{}, opt.SrcIP6)
		if err != nil {
			return fmt.Errorf("tlsbanner: build v6 template: %w", err)
		}
		m.tpl6 = tpl6
	}
	return nil
}

// Transmit sends the bare SYN; the TLS handshake starts later, from
// Handle, once a SYN-ACK confirms the port is open.
func (m *Module) Transmit(seed uint64, target scanmodule.Target, buf *pktbuf.Buf, event *scanmodule.TransmitEvent) (bool, error) {
	tpl := m.templateFor(target.IPThem)
	if tpl == nil {
		return false, fmt.Errorf("tlsbanner: no template configured for this family")
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
	dedupOpen uint32 = 0
	dedupRst  uint32 = 1
	dedupData uint32 = 2
)

// Validate recognizes a SYN-ACK opening the connection, an RST closing
// it, and any data segment on an already-open connection: unlike
// zbanner's single fixed request/response, a TLS session can span many
// segments in both directions, so every one of them has to reach Handle
// rather than only the first (NoDedup skips the usual single-reply dedup
// cache for this classification).
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
		pre.GoRecord = true
		pre.GoDedup = true
		pre.NoDedup = true
		pre.DedupType = dedupData
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

// Handle drives the connection open, the TLS pump, and the eventual
// teardown once the session finishes or errors.
func (m *Module) Handle(workerIdx int, seed uint64, parsed *scanmodule.ParsedFrame, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	want := recompute(parsed, seed)
	target := targetOf(parsed, want)

	if parsed.TCPFlags&template.TCPFlagRST != 0 {
		m.dropSession(target)
		item.IPProto = massip.ProtoTCP
		item.Level = scanmodule.LevelFailure
		item.Classification = "closed"
		item.Reason = "rst"
		return true
	}

	if parsed.TCPFlags&(template.TCPFlagSYN|template.TCPFlagACK) == (template.TCPFlagSYN | template.TCPFlagACK) {
		probe := m.factory(target)
		cfg := m.tlsCfg.Clone()
		conn := tlsadapter.NewClient(tlsadapter.Config{TLSConfig: cfg, EmitVersion: true, EmitCipher: true}, probe)
		sess := &session{target: target, probe: probe, conn: conn, ourSeq: want + 1, peerAck: parsed.TCPSeq + 1}
		m.putSession(target, sess)
		m.flush(sess, parsed.IPThem, stack)
		ft.Add(sessionTimeout{target: target})
		item.IPProto = massip.ProtoTCP
		item.Level = scanmodule.LevelSuccess
		item.Classification = "open"
		item.Reason = "syn-ack"
		return true
	}

	sess, ok := m.getSession(target)
	if !ok || len(parsed.App()) == 0 {
		return false
	}
	sess.peerAck = parsed.TCPSeq + uint32(len(parsed.App()))
	sess.conn.FeedIncoming(parsed.App())
	m.flush(sess, parsed.IPThem, stack)

	switch sess.conn.State() {
	case tlsadapter.StateNeedClose, tlsadapter.StateClosed:
		m.dropSession(target)
		m.resetConnection(sess, parsed.IPThem, stack)
		item.IPProto = massip.ProtoTCP
		if err := sess.conn.Err(); err != nil {
			item.Level = scanmodule.LevelFailure
			item.Classification = "closed"
			item.Reason = "tls-error"
			item.AddReport("error", err.Error())
			return true
		}
		item.Level = scanmodule.LevelSuccess
		sess.probe.Result(target, item)
		return true
	default:
		return false
	}
}

// flush drains whatever the TLS session produced since the last call and
// ships it as one ACK+PSH segment, advancing our sequence number by the
// number of bytes sent.
func (m *Module) flush(sess *session, ipThem massip.Addr, stack *scanmodule.Stack) {
	out := sess.conn.DrainOutgoing()
	if len(out) == 0 {
		return
	}
	tpl := m.templateFor(ipThem)
	if tpl == nil {
		return
	}
	buf := pktbuf.NewStandalone(len(tpl.Bytes) + len(out) + 16)
	writeTCP(tpl, buf, ipThem, sess.target.PortMe, sess.target.PortThem, sess.ourSeq, sess.peerAck, template.TCPFlagACK|template.TCPFlagPSH, out)
	stack.Push(buf)
	sess.ourSeq += uint32(len(out))
}

func (m *Module) resetConnection(sess *session, ipThem massip.Addr, stack *scanmodule.Stack) {
	tpl := m.templateFor(ipThem)
	if tpl == nil {
		return
	}
	buf := pktbuf.NewStandalone(len(tpl.Bytes) + 16)
	writeTCP(tpl, buf, ipThem, sess.target.PortMe, sess.target.PortThem, sess.ourSeq, sess.peerAck, template.TCPFlagRST, nil)
	stack.Push(buf)
}

// Timeout fires either for a bare SYN nobody answered (payload is a
// plain scanmodule.Target, registered by Transmit) or for a TLS session
// that opened but never finished exchanging data in time (payload is a
// sessionTimeout, registered by Handle). A sessionTimeout whose session
// has already been torn down by Handle is a race this handler lost
// harmlessly: the result was already emitted, so this fires false.
func (m *Module) Timeout(seed uint64, payload any, item *scanmodule.Item, stack *scanmodule.Stack, ft *scanmodule.FTimeout) bool {
	switch ev := payload.(type) {
	case sessionTimeout:
		sess, found := m.getSession(ev.target)
		if !found {
			return false
		}
		m.dropSession(ev.target)
		m.resetConnection(sess, ev.target.IPThem, stack)
		sess.conn.Close()
		fillTarget(item, ev.target)
		item.Level = scanmodule.LevelFailure
		item.Classification = "open"
		item.Reason = "tls-timeout"
		return true
	case scanmodule.Target:
		fillTarget(item, ev)
		item.Level = scanmodule.LevelFailure
		item.Classification = "closed"
		item.Reason = "timeout"
		return true
	default:
		return false
	}
}

func fillTarget(item *scanmodule.Item, t scanmodule.Target) {
	item.IPProto = massip.ProtoTCP
	item.IPThem = t.IPThem
	item.PortThem = t.PortThem
	item.IPMe = t.IPMe
	item.PortMe = t.PortMe
}

func (m *Module) getSession(t scanmodule.Target) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[keyOf(t)]
	return s, ok
}

func (m *Module) putSession(t scanmodule.Target, s *session) {
	m.mu.Lock()
	m.sessions[keyOf(t)] = s
	m.mu.Unlock()
}

func (m *Module) dropSession(t scanmodule.Target) {
	m.mu.Lock()
	delete(m.sessions, keyOf(t))
	m.mu.Unlock()
}

// writeTCP renders one TCP frame from tpl with the given seq/ack/flags
// and optional payload, finishing both the IP and TCP checksums over the
// variable region (shared pattern with zbanner.writeTCP: tpl bakes a
// bare SYN's flags word and header length into its partial sums, so
// reusing it for anything else has to replace those two fields'
// contributions rather than fold zeroed ones in).
func writeTCP(tpl *template.Template, buf *pktbuf.Buf, dstIP massip.Addr, portMe, portThem uint16, seq, ack uint32, flags uint8, payload []byte) {
	frame := append([]byte(nil), tpl.Bytes...)
	ipOff, tcpOff := tpl.IPOff, tpl.TransportOff
	isV6 := dstIP.Family() != massip.FamilyV4

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
