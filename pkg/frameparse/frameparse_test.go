package frameparse

import (
	"encoding/binary"
	"testing"
)

func buildEthIPv4TCP(flags uint8, seq, ack uint32) []byte {
	buf := make([]byte, 14+20+20)
	// dst/src MAC left zero, ethertype IPv4
	binary.BigEndian.PutUint16(buf[12:14], etherTypeIPv4)

	ip := buf[14:34]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], 40)
	ip[8] = 64
	ip[9] = 6
	copy(ip[12:16], []byte{10, 0, 0, 2})
	copy(ip[16:20], []byte{10, 0, 0, 1})

	tcp := buf[34:54]
	binary.BigEndian.PutUint16(tcp[0:2], 80)
	binary.BigEndian.PutUint16(tcp[2:4], 40000)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = 5 << 4
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], 64240)
	return buf
}

func TestParseTCPSynAck(t *testing.T) {
	raw := buildEthIPv4TCP(0x12, 0xAAAAAAAA, 0xDEADBEEF) // SYN+ACK
	pf, err := Parse(raw, DatalinkEthernet)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pf.PortThem != 80 || pf.PortMe != 40000 {
		t.Fatalf("unexpected ports: them=%d me=%d", pf.PortThem, pf.PortMe)
	}
	if pf.TCPAck != 0xDEADBEEF {
		t.Fatalf("unexpected ack: %#x", pf.TCPAck)
	}
	if pf.TCPFlags&0x02 == 0 || pf.TCPFlags&0x10 == 0 {
		t.Fatalf("expected SYN+ACK flags, got %#x", pf.TCPFlags)
	}
}

func TestParseTooShortIsError(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}, DatalinkEthernet); err == nil {
		t.Fatalf("expected an error parsing a truncated frame")
	}
}

func TestParseRawDatalinkSniffsVersion(t *testing.T) {
	raw := buildEthIPv4TCP(0x02, 1, 0)[14:] // strip the ethernet header
	pf, err := Parse(raw, DatalinkRaw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pf.PortThem != 80 {
		t.Fatalf("unexpected port: %d", pf.PortThem)
	}
}
