package zbanner

import (
	"testing"

	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/pktbuf"
	"github.com/jihwankim/xscan/pkg/scanmodule"
	"github.com/jihwankim/xscan/pkg/template"
	"github.com/jihwankim/xscan/pkg/timeoutwheel"
)

func testFTimeout() *scanmodule.FTimeout {
	return scanmodule.NewFTimeout(timeoutwheel.New(1), 0)
}

func testModule(t *testing.T) *Module {
	t.Helper()
	m := New(nil)
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
	m := New(nil)
	a := m.Attributes()
	if a.Name != Name {
		t.Fatalf("Name = %q, want %q", a.Name, Name)
	}
	if a.Multi != scanmodule.MultiIfOpen || a.MultiNum != 2 {
		t.Fatalf("Multi/MultiNum = %v/%d, want MultiIfOpen/2", a.Multi, a.MultiNum)
	}
}

func TestNewDefaultsToHTTPProbe(t *testing.T) {
	m := New(nil)
	if _, ok := m.probe.(HTTPProbe); !ok {
		t.Fatalf("New(nil).probe = %T, want HTTPProbe", m.probe)
	}
}

func TestTransmitSendsBareSynAndVerifies(t *testing.T) {
	m := testModule(t)
	target := scanmodule.Target{
		IPThem: massip.AddrV4(0x08080808), PortThem: 80,
		IPMe: massip.AddrV4(0x0A000001), PortMe: 40000, Cookie: 0xCAFEBABE,
	}
	buf := pktbuf.NewStandalone(128)
	var event scanmodule.TransmitEvent
	needMore, err := m.Transmit(1, target, buf, &event)
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if needMore {
		t.Fatalf("Transmit reported needMore, want false")
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

func them() massip.Addr { return massip.AddrV4(0x08080808) }
func me() massip.Addr   { return massip.AddrV4(0x0A000001) }

func TestValidateSynAckOpen(t *testing.T) {
	m := testModule(t)
	want := recompute(&scanmodule.ParsedFrame{IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000}, 1)
	parsed := &scanmodule.ParsedFrame{
		IPProto: massip.ProtoTCP, IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000,
		TCPFlags: template.TCPFlagSYN | template.TCPFlagACK, TCPAck: want + 1, IsMyPort: true,
	}
	var pre scanmodule.PreHandle
	m.Validate(1, parsed, &pre)
	if !pre.GoRecord || pre.DedupType != dedupOpen {
		t.Fatalf("Validate did not accept a matching SYN-ACK as dedupOpen")
	}
}

func TestValidateRst(t *testing.T) {
	m := testModule(t)
	parsed := &scanmodule.ParsedFrame{
		IPProto: massip.ProtoTCP, IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000,
		TCPFlags: template.TCPFlagRST, IsMyPort: true,
	}
	var pre scanmodule.PreHandle
	m.Validate(1, parsed, &pre)
	if !pre.GoRecord || pre.DedupType != dedupRst {
		t.Fatalf("Validate did not accept an RST as dedupRst")
	}
}

func TestValidateBannerDataMatch(t *testing.T) {
	m := testModule(t)
	want := recompute(&scanmodule.ParsedFrame{IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000}, 1)
	req := HTTPProbe{}.Request(scanmodule.Target{})
	payload := []byte("HTTP/1.0 200 OK\r\n\r\nhi")
	parsed := &scanmodule.ParsedFrame{
		IPProto: massip.ProtoTCP, IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000,
		TCPFlags: template.TCPFlagACK, TCPAck: want + 1 + uint32(len(req)), IsMyPort: true,
		Raw: payload, AppOffset: 0, AppLen: len(payload),
	}
	var pre scanmodule.PreHandle
	m.Validate(1, parsed, &pre)
	if !pre.GoRecord || pre.DedupType != dedupBanner {
		t.Fatalf("Validate did not accept banner data whose ack matches cookie+1+requestLen")
	}
}

func TestValidateBannerDataWrongAckRejected(t *testing.T) {
	m := testModule(t)
	payload := []byte("garbage")
	parsed := &scanmodule.ParsedFrame{
		IPProto: massip.ProtoTCP, IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000,
		TCPFlags: template.TCPFlagACK, TCPAck: 99999, IsMyPort: true,
		Raw: payload, AppOffset: 0, AppLen: len(payload),
	}
	var pre scanmodule.PreHandle
	m.Validate(1, parsed, &pre)
	if pre.GoRecord {
		t.Fatalf("Validate accepted application data whose ack does not match cookie+1+requestLen")
	}
}

func TestHandleOpenStacksRequestAndTimeout(t *testing.T) {
	m := testModule(t)
	want := recompute(&scanmodule.ParsedFrame{IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000}, 1)
	parsed := &scanmodule.ParsedFrame{
		IPProto: massip.ProtoTCP, IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000,
		TCPFlags: template.TCPFlagSYN | template.TCPFlagACK, TCPAck: want + 1, TCPSeq: 500,
	}
	var item scanmodule.Item
	var stack scanmodule.Stack
	ft := testFTimeout()
	if !m.Handle(0, 1, parsed, &item, &stack, ft) {
		t.Fatalf("Handle returned emit=false for a matching SYN-ACK")
	}
	if item.Classification != "open" {
		t.Fatalf("Classification = %q, want \"open\"", item.Classification)
	}
	if len(stack.Drain()) != 1 {
		t.Fatalf("Handle did not stack the ACK+PSH follow-up")
	}
}

func TestHandleRstReportsClosed(t *testing.T) {
	m := testModule(t)
	parsed := &scanmodule.ParsedFrame{
		IPProto: massip.ProtoTCP, IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000,
		TCPFlags: template.TCPFlagRST,
	}
	var item scanmodule.Item
	var stack scanmodule.Stack
	var ft scanmodule.FTimeout
	if !m.Handle(0, 1, parsed, &item, &stack, &ft) {
		t.Fatalf("Handle returned emit=false for an RST")
	}
	if item.Classification != "closed" || item.Reason != "rst" {
		t.Fatalf("item = %+v, want classification=closed reason=rst", item)
	}
}

func TestHandleBannerMatchTearsDownAndReports(t *testing.T) {
	m := testModule(t)
	want := recompute(&scanmodule.ParsedFrame{IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000}, 1)
	req := HTTPProbe{}.Request(scanmodule.Target{})
	payload := []byte("HTTP/1.0 200 OK\r\n\r\nhi")
	parsed := &scanmodule.ParsedFrame{
		IPProto: massip.ProtoTCP, IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000,
		TCPFlags: template.TCPFlagACK, TCPAck: want + 1 + uint32(len(req)), TCPSeq: 700,
		Raw: payload, AppOffset: 0, AppLen: len(payload),
	}
	var item scanmodule.Item
	var stack scanmodule.Stack
	var ft scanmodule.FTimeout
	if !m.Handle(0, 1, parsed, &item, &stack, &ft) {
		t.Fatalf("Handle returned emit=false for matching banner data")
	}
	if item.Classification != "serving" {
		t.Fatalf("Classification = %q, want \"serving\"", item.Classification)
	}
	if len(stack.Drain()) != 1 {
		t.Fatalf("Handle did not stack the teardown RST")
	}
}

func TestTimeoutBannerDeadline(t *testing.T) {
	m := testModule(t)
	target := scanmodule.Target{IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000}
	ev := bannerTimeout{target: target, expectAck: 123}
	var item scanmodule.Item
	if !m.Timeout(1, ev, &item, nil, nil) {
		t.Fatalf("Timeout returned emit=false for a bannerTimeout payload")
	}
	if item.Classification != "open" || item.Reason != "no-banner" {
		t.Fatalf("item = %+v, want classification=open reason=no-banner (HTTPProbe.HandleTimeout default)", item)
	}
}

func TestTimeoutBareTarget(t *testing.T) {
	m := testModule(t)
	target := scanmodule.Target{IPThem: them(), IPMe: me(), PortThem: 80, PortMe: 40000}
	var item scanmodule.Item
	if !m.Timeout(1, target, &item, nil, nil) {
		t.Fatalf("Timeout returned emit=false for a bare Target payload")
	}
	if item.Classification != "closed" || item.Reason != "timeout" {
		t.Fatalf("item = %+v, want classification=closed reason=timeout", item)
	}
}
