package template

import (
	"encoding/binary"
	"testing"
)

func defaultOptions() Options {
	return Options{
		Datalink:  DatalinkEthernet,
		SrcMAC:    [6]byte{0x02, 0, 0, 0, 0, 1},
		RouterMAC: [6]byte{0x02, 0, 0, 0, 0, 2},
		TTL:       64,
		TCPWindow: 64240,
	}
}

// emitTCPv4 mimics what a tx worker does: copy the template, write the
// variable fields, and fold the variable bytes into the stored partial
// checksums.
func emitTCPv4(t *Template, dstIP [4]byte, srcPort, dstPort uint16, seq, ack uint32) []byte {
	frame := append([]byte(nil), t.Bytes...)
	ipOff, tcpOff := t.IPOff, t.TransportOff

	binary.BigEndian.PutUint16(frame[ipOff+2:ipOff+4], uint16(len(frame)-ipOff))
	copy(frame[ipOff+16:ipOff+20], dstIP[:])

	binary.BigEndian.PutUint16(frame[tcpOff+0:tcpOff+2], srcPort)
	binary.BigEndian.PutUint16(frame[tcpOff+2:tcpOff+4], dstPort)
	binary.BigEndian.PutUint32(frame[tcpOff+4:tcpOff+8], seq)
	binary.BigEndian.PutUint32(frame[tcpOff+8:tcpOff+12], ack)

	// IP checksum: fold in dst IP bytes only (the only mutable IP field).
	ipChecksum := FinishChecksum(t.IPHeaderPartialSum, dstIP[:])
	binary.BigEndian.PutUint16(frame[ipOff+10:ipOff+12], ipChecksum)

	// TCP checksum: fold in dst IP (pseudo-header) + ports + seq/ack.
	var variable []byte
	variable = append(variable, dstIP[:]...)
	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], srcPort)
	binary.BigEndian.PutUint16(portBuf[2:4], dstPort)
	variable = append(variable, portBuf[:]...)
	var seqAck [8]byte
	binary.BigEndian.PutUint32(seqAck[0:4], seq)
	binary.BigEndian.PutUint32(seqAck[4:8], ack)
	variable = append(variable, seqAck[:]...)
	tcpChecksum := FinishChecksum(t.TransportPartialSum, variable)
	binary.BigEndian.PutUint16(frame[tcpOff+16:tcpOff+18], tcpChecksum)

	return frame
}

func verifyIPv4Checksum(t *testing.T, frame []byte, ipOff int) {
	t.Helper()
	if !VerifyChecksum(frame[ipOff : ipOff+ipv4HeaderLen]) {
		t.Fatalf("IPv4 header checksum does not verify")
	}
}

func verifyTCPv4Checksum(t *testing.T, frame []byte, ipOff, tcpOff int) {
	t.Helper()
	srcIP := [4]byte{frame[ipOff+12], frame[ipOff+13], frame[ipOff+14], frame[ipOff+15]}
	dstIP := [4]byte{frame[ipOff+16], frame[ipOff+17], frame[ipOff+18], frame[ipOff+19]}
	pseudo := pseudoHeaderV4(srcIP, dstIP, 6, uint16(len(frame)-tcpOff))
	sum := sum16(frame[tcpOff:], pseudo)
	if foldChecksum(sum) != 0 {
		t.Fatalf("TCP checksum does not verify")
	}
}

func TestTCPv4TemplateChecksumCorrectness(t *testing.T) {
	tpl, err := Build(KindTCPv4, defaultOptions(), [4]byte{10, 0, 0, 1}, [16]byte{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	frame := emitTCPv4(tpl, [4]byte{10, 0, 0, 2}, 40001, 80, 0xAABBCCDD, 0)
	verifyIPv4Checksum(t, frame, tpl.IPOff)
	verifyTCPv4Checksum(t, frame, tpl.IPOff, tpl.TransportOff)
}

func TestTCPv4TemplateIdempotence(t *testing.T) {
	tpl, err := Build(KindTCPv4, defaultOptions(), [4]byte{10, 0, 0, 1}, [16]byte{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	a := emitTCPv4(tpl, [4]byte{192, 0, 2, 5}, 40010, 443, 0x12345678, 0x1)
	b := emitTCPv4(tpl, [4]byte{192, 0, 2, 5}, 40010, 443, 0x12345678, 0x1)
	if len(a) != len(b) {
		t.Fatalf("length mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("byte %d differs: %#x vs %#x", i, a[i], b[i])
		}
	}
}

func TestTCPv4SYNOptionsWidensHeader(t *testing.T) {
	opt := defaultOptions()
	opt.TCPOptions = TCPOptions{MSS: 1460, SACKPerm: true, WScaleSet: true, WScale: 7}
	plain, err := Build(KindTCPv4, defaultOptions(), [4]byte{10, 0, 0, 1}, [16]byte{})
	if err != nil {
		t.Fatalf("Build plain: %v", err)
	}
	withOpts, err := Build(KindTCPv4SYNOptions, opt, [4]byte{10, 0, 0, 1}, [16]byte{})
	if err != nil {
		t.Fatalf("Build with options: %v", err)
	}
	if len(withOpts.Bytes) <= len(plain.Bytes) {
		t.Fatalf("expected options template to be longer: %d vs %d", len(withOpts.Bytes), len(plain.Bytes))
	}
	frame := emitTCPv4(withOpts, [4]byte{10, 0, 0, 9}, 40000, 22, 1, 0)
	verifyIPv4Checksum(t, frame, withOpts.IPOff)
	verifyTCPv4Checksum(t, frame, withOpts.IPOff, withOpts.TransportOff)
}

func TestUDPv4TemplateOffsets(t *testing.T) {
	tpl, err := Build(KindUDPv4, defaultOptions(), [4]byte{10, 0, 0, 1}, [16]byte{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tpl.TransportOff-tpl.IPOff != ipv4HeaderLen {
		t.Fatalf("unexpected IP header length: %d", tpl.TransportOff-tpl.IPOff)
	}
	if tpl.AppOff-tpl.TransportOff != udpHeaderLen {
		t.Fatalf("unexpected UDP header length: %d", tpl.AppOff-tpl.TransportOff)
	}
}

func TestARPTemplateEmbedsSrcIPAndMAC(t *testing.T) {
	opt := defaultOptions()
	tpl, err := Build(KindARPRequest, opt, [4]byte{203, 0, 113, 7}, [16]byte{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tpl.IPOff != -1 {
		t.Fatalf("ARP template should report no IP offset, got %d", tpl.IPOff)
	}
	arpOff := tpl.TransportOff
	senderIP := tpl.Bytes[arpOff+14 : arpOff+18]
	if senderIP[0] != 203 || senderIP[3] != 7 {
		t.Fatalf("sender IP not embedded: %v", senderIP)
	}
}

func TestRawDatalinkHasNoLinkHeader(t *testing.T) {
	opt := defaultOptions()
	opt.Datalink = DatalinkRaw
	tpl, err := Build(KindTCPv4, opt, [4]byte{10, 0, 0, 1}, [16]byte{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tpl.IPOff != 0 {
		t.Fatalf("raw datalink should place IP header at offset 0, got %d", tpl.IPOff)
	}
}
