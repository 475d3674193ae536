package massip

import "testing"

func TestPortListAddRangeCount(t *testing.T) {
	pl := NewPortList()
	if err := pl.AddRange(ProtoTCP, 80, 82); err != nil {
		t.Fatal(err)
	}
	if err := pl.AddRange(ProtoUDP, 53, 53); err != nil {
		t.Fatal(err)
	}
	pl.AddICMP(8)

	if pl.Count() != 5 {
		t.Fatalf("expected 5 entries, got %d", pl.Count())
	}
	if pl.At(0) != (PortEntry{Proto: ProtoTCP, Port: 80}) {
		t.Fatalf("unexpected first entry: %+v", pl.At(0))
	}
	if pl.At(4) != (PortEntry{Proto: ProtoICMP, Port: 8}) {
		t.Fatalf("unexpected icmp entry: %+v", pl.At(4))
	}
}

func TestPortEntryPackedDisjointWindows(t *testing.T) {
	tcp := PortEntry{Proto: ProtoTCP, Port: 65535}
	udp := PortEntry{Proto: ProtoUDP, Port: 0}
	if tcp.Packed() >= udp.Packed() {
		t.Fatalf("tcp window should sort entirely below udp window: tcp=%d udp=%d", tcp.Packed(), udp.Packed())
	}
}

func TestPortListRejectsInvertedRange(t *testing.T) {
	pl := NewPortList()
	if err := pl.AddRange(ProtoTCP, 100, 10); err == nil {
		t.Fatal("expected error for hi < lo")
	}
}

func TestPortListMaxPortBoundary(t *testing.T) {
	pl := NewPortList()
	if err := pl.AddRange(ProtoTCP, 65534, 65535); err != nil {
		t.Fatal(err)
	}
	if pl.Count() != 2 {
		t.Fatalf("expected 2 entries at the uint16 boundary, got %d", pl.Count())
	}
}
