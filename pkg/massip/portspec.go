package massip

import "fmt"

// Proto identifies which packed port-namespace window a PortEntry lives in.
// The packing gives TCP/UDP/SCTP/other-proto/ICMP one disjoint 65536-wide
// window each (packed values 0..5*65536-1) so a single PortList index yields both a protocol and a port in
// one picker step, without leaking the packing into probe code.
type Proto uint8

const (
	ProtoTCP Proto = iota
	ProtoUDP
	ProtoSCTP
	ProtoOther
	ProtoICMP
)

const (
	windowSize   = 1 << 16 // 65536, one full port namespace per protocol
	icmpSentinel = 5 * windowSize
)

func (p Proto) windowBase() uint32 {
	switch p {
	case ProtoTCP:
		return 0
	case ProtoUDP:
		return windowSize
	case ProtoSCTP:
		return 2 * windowSize
	case ProtoOther:
		return 3 * windowSize
	case ProtoICMP:
		return 4 * windowSize
	default:
		return 5 * windowSize
	}
}

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoSCTP:
		return "sctp"
	case ProtoOther:
		return "other"
	case ProtoICMP:
		return "icmp"
	default:
		return "unknown"
	}
}

// PortEntry is one packed (proto, port) pair, as produced by PortList.At.
type PortEntry struct {
	Proto Proto
	Port  uint16
}

// Packed returns the single packed value used internally as an index
// component, combining the protocol's window base with the port number.
func (e PortEntry) Packed() uint32 { return e.Proto.windowBase() + uint32(e.Port) }

// PortList is a concatenation of disjoint per-protocol port windows so a
// single picker yields (proto, port).
type PortList struct {
	entries []PortEntry
}

// NewPortList builds an empty list.
func NewPortList() *PortList { return &PortList{} }

// AddRange adds every port in [lo,hi] for the given protocol.
func (pl *PortList) AddRange(proto Proto, lo, hi uint16) error {
	if hi < lo {
		return fmt.Errorf("massip: port range end before begin")
	}
	for p := uint32(lo); p <= uint32(hi); p++ {
		pl.entries = append(pl.entries, PortEntry{Proto: proto, Port: uint16(p)})
		if p == 0xFFFF {
			break
		}
	}
	return nil
}

// AddICMP adds a single sentinel "port" representing an ICMP message type,
// packed above the TCP/UDP/SCTP/other windows.
func (pl *PortList) AddICMP(msgType uint16) {
	pl.entries = append(pl.entries, PortEntry{Proto: ProtoICMP, Port: msgType})
}

// Count returns the number of (proto,port) pairs.
func (pl *PortList) Count() uint64 { return uint64(len(pl.entries)) }

// At returns the entry at index i; i must be < Count().
func (pl *PortList) At(i uint64) PortEntry { return pl.entries[i] }
