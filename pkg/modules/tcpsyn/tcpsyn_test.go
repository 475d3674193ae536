package tcpsyn

import (
	"testing"

	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/pktbuf"
	"github.com/jihwankim/xscan/pkg/scanmodule"
	"github.com/jihwankim/xscan/pkg/template"
)

func testModule(t *testing.T) *Module {
	t.Helper()
	m := New()
	cfg := map[string]string{
		"src_ip4":    "10.0.0.1",
		"src_mac":    "02:00:00:00:00:01",
		"router_mac": "02:00:00:00:00:02",
	}
	if err := m.Init(cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m
}

func TestAttributes(t *testing.T) {
	m := New()
	a := m.Attributes()
	if a.Name != Name {
		t.Fatalf("Name = %q, want %q", a.Name, Name)
	}
	if !a.SupportsTimeout {
		t.Fatalf("SupportsTimeout = false, want true")
	}
}

func TestTransmitProducesVerifiableChecksums(t *testing.T) {
	m := testModule(t)
	target := scanmodule.Target{
		Proto: massip.ProtoTCP, IPThem: massip.AddrV4(0x08080808), PortThem: 443,
		IPMe: massip.AddrV4(0x0A000001), PortMe: 40000, Cookie: 0xDEADBEEF,
	}
	buf := pktbuf.NewStandalone(128)
	var event scanmodule.TransmitEvent
	needMore, err := m.Transmit(1, target, buf, &event)
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if needMore {
		t.Fatalf("Transmit reported needMore, want false for a single-packet module")
	}
	if !event.NeedTimeout {
		t.Fatalf("Transmit did not request a fast-timeout registration")
	}

	frame := buf.Bytes()
	ipOff := m.tpl4.IPOff
	if !template.VerifyChecksum(frame[ipOff : ipOff+20]) {
		t.Fatalf("IPv4 header checksum does not verify")
	}
}

func TestHandleSynAckOpen(t *testing.T) {
	m := testModule(t)
	them := massip.AddrV4(0x08080808)
	me := massip.AddrV4(0x0A000001)
	cookieVal := recompute(&scanmodule.ParsedFrame{IPThem: them, IPMe: me, PortThem: 443, PortMe: 40000}, 1)

	parsed := &scanmodule.ParsedFrame{
		IPProto: massip.ProtoTCP, IPThem: them, IPMe: me, PortThem: 443, PortMe: 40000,
		TCPFlags: template.TCPFlagSYN | template.TCPFlagACK, TCPAck: cookieVal + 1, TCPWindow: 65535,
		IsMyPort: true,
	}

	var pre scanmodule.PreHandle
	m.Validate(1, parsed, &pre)
	if !pre.GoRecord || !pre.GoDedup {
		t.Fatalf("Validate did not accept a matching SYN-ACK")
	}

	var item scanmodule.Item
	var stack scanmodule.Stack
	emit := m.Handle(0, 1, parsed, &item, &stack, nil)
	if !emit {
		t.Fatalf("Handle returned emit=false for a matching SYN-ACK")
	}
	if item.Classification != "open" {
		t.Fatalf("Classification = %q, want \"open\"", item.Classification)
	}
	if len(stack.Drain()) != 1 {
		t.Fatalf("Handle did not stack a teardown RST")
	}
}

func TestHandleSynAckWrongCookieIsRejected(t *testing.T) {
	m := testModule(t)
	parsed := &scanmodule.ParsedFrame{
		IPProto: massip.ProtoTCP, IPThem: massip.AddrV4(0x08080808), IPMe: massip.AddrV4(0x0A000001),
		PortThem: 443, PortMe: 40000, TCPFlags: template.TCPFlagSYN | template.TCPFlagACK,
		TCPAck: 12345, IsMyPort: true,
	}
	var item scanmodule.Item
	var stack scanmodule.Stack
	if m.Handle(0, 1, parsed, &item, &stack, nil) {
		t.Fatalf("Handle accepted a SYN-ACK whose ack does not match the recomputed cookie")
	}
}

func TestTimeoutReportsClosed(t *testing.T) {
	m := testModule(t)
	target := scanmodule.Target{IPThem: massip.AddrV4(0x08080808), PortThem: 443}
	var item scanmodule.Item
	var stack scanmodule.Stack
	if !m.Timeout(1, target, &item, &stack, nil) {
		t.Fatalf("Timeout returned emit=false")
	}
	if item.Classification != "closed" || item.Reason != "timeout" {
		t.Fatalf("Timeout item = %+v, want classification=closed reason=timeout", item)
	}
}
