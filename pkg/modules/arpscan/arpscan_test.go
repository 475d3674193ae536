package arpscan

import (
	"testing"

	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/pktbuf"
	"github.com/jihwankim/xscan/pkg/scanmodule"
)

func testModule(t *testing.T) *Module {
	t.Helper()
	m := New()
	cfg := map[string]string{"src_ip4": "10.0.0.1", "src_mac": "02:00:00:00:00:01"}
	if err := m.Init(cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m
}

func TestInitRequiresSrcIP4(t *testing.T) {
	m := New()
	if err := m.Init(map[string]string{}); err == nil {
		t.Fatalf("Init succeeded without src_ip4, want an error")
	}
}

func TestTransmitStampsTargetIP(t *testing.T) {
	m := testModule(t)
	target := scanmodule.Target{IPThem: massip.AddrV4(0x0A000002)}
	buf := pktbuf.NewStandalone(64)
	var event scanmodule.TransmitEvent
	if _, err := m.Transmit(1, target, buf, &event); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if !event.NeedTimeout {
		t.Fatalf("Transmit did not request a fast-timeout registration")
	}
	off := m.tpl.TransportOff
	frame := buf.Bytes()
	got := frame[off+24 : off+28]
	want := []byte{0x0A, 0x00, 0x00, 0x02}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("target IP bytes = %v, want %v", got, want)
		}
	}
}

func TestTransmitRejectsIPv6(t *testing.T) {
	m := testModule(t)
	target := scanmodule.Target{IPThem: massip.AddrV6(1, 1)}
	buf := pktbuf.NewStandalone(64)
	var event scanmodule.TransmitEvent
	if _, err := m.Transmit(1, target, buf, &event); err == nil {
		t.Fatalf("Transmit accepted an IPv6 target, want an error")
	}
}

func TestValidateAcceptsReply(t *testing.T) {
	m := testModule(t)
	parsed := &scanmodule.ParsedFrame{IPProto: massip.ProtoOther, IsMyIP: true, ICMPType: arpOpReply}
	var pre scanmodule.PreHandle
	m.Validate(1, parsed, &pre)
	if !pre.GoRecord || !pre.GoDedup {
		t.Fatalf("Validate rejected a matching ARP reply")
	}
}

func TestValidateRejectsRequest(t *testing.T) {
	m := testModule(t)
	parsed := &scanmodule.ParsedFrame{IPProto: massip.ProtoOther, IsMyIP: true, ICMPType: 1}
	var pre scanmodule.PreHandle
	m.Validate(1, parsed, &pre)
	if pre.GoRecord {
		t.Fatalf("Validate accepted an ARP request as if it were a reply")
	}
}

func TestHandleReportsMAC(t *testing.T) {
	m := testModule(t)
	raw := make([]byte, 14)
	copy(raw[6:12], []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01})
	parsed := &scanmodule.ParsedFrame{Raw: raw}
	var item scanmodule.Item
	if !m.Handle(0, 1, parsed, &item, nil, nil) {
		t.Fatalf("Handle returned emit=false")
	}
	if item.Classification != "alive" {
		t.Fatalf("Classification = %q, want \"alive\"", item.Classification)
	}
	found := false
	for _, f := range item.Report {
		if f.Key == "mac" && f.Value == "de:ad:be:ef:00:01" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Report = %+v, want a mac field for de:ad:be:ef:00:01", item.Report)
	}
}

func TestTimeoutReportsDown(t *testing.T) {
	m := testModule(t)
	target := scanmodule.Target{IPThem: massip.AddrV4(0x0A000002)}
	var item scanmodule.Item
	if !m.Timeout(1, target, &item, nil, nil) {
		t.Fatalf("Timeout returned emit=false")
	}
	if item.Classification != "down" {
		t.Fatalf("Classification = %q, want \"down\"", item.Classification)
	}
}
