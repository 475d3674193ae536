// Package template builds the prototype byte patterns the tx workers
// stamp into outgoing packets. Each Template is built once
// at startup with every mutable field zeroed, carries the IP and
// transport-layer checksums computed over that zeroed pattern ("partial
// checksums"), and is immutable afterward: per-packet emission copies the
// prototype into a caller-owned pktbuf.Buf, overwrites only the mutable
// bytes, and finishes the checksum by folding in just those bytes rather
// than re-summing the whole packet.
package template

import (
	"encoding/binary"
	"fmt"
)

// Kind enumerates the protocol/family combinations the engine prebuilds.
type Kind uint8

const (
	KindARPRequest Kind = iota
	KindICMPv4Echo
	KindICMPv4Timestamp
	KindNDPNeighborSolicit
	KindTCPv4
	KindTCPv4SYNOptions
	KindTCPv6
	KindTCPv6SYNOptions
	KindUDPv4
	KindUDPv6
	KindSCTPv4Init
)

// Datalink selects the link-layer framing a Template is built for:
// Ethernet carries a full 14-byte header, Raw has none, and Null prepends
// a 4-byte AF-family marker in place of an Ethernet header.
type Datalink uint8

const (
	DatalinkEthernet Datalink = iota
	DatalinkRaw
	DatalinkNull
)

// Options configures the mutable parts of a built template that are
// fixed per scan run rather than per packet: MACs, VLAN, TTL, TCP window
// and options.
type Options struct {
	Datalink   Datalink
	SrcMAC     [6]byte
	RouterMAC  [6]byte
	VLAN       int // 0 = untagged
	TTL        uint8
	TCPWindow  uint16
	TCPOptions TCPOptions
}

// TCPOptions controls which options a SYN template carries.
type TCPOptions struct {
	MSS       uint16 // 0 disables
	SACKPerm  bool
	WScale    uint8 // 0 disables (distinct from an explicit scale of 0; caller tracks via WScaleSet)
	WScaleSet bool
	Timestamp bool
}

// Template is an immutable prototype packet plus the byte offsets of its
// mutable fields and the checksums computed over the zeroed pattern.
type Template struct {
	Kind Kind
	Proto byte // IP protocol number (6=TCP, 17=UDP, 1=ICMP, 132=SCTP), 0 for ARP/NDP

	Bytes []byte // the full zeroed prototype frame

	// Offsets into Bytes.
	IPOff        int // start of the IPv4/IPv6 header, -1 if none (ARP)
	TransportOff int // start of TCP/UDP/ICMP/SCTP header
	AppOff       int // start of application payload room (equals TransportOff+header len)

	IsV6 bool

	// Partial checksums computed over Bytes with all mutable fields
	// (dst IP, ports, seq/ack, ids) zeroed.
	IPHeaderPartialSum        uint32
	TransportPartialSum       uint32
}

// internet checksum arithmetic (RFC 1071): sum 16-bit words, then fold
// the carries back in until the result fits in 16 bits, then complement.

func sum16(b []byte, initial uint32) uint32 {
	sum := initial
	n := len(b)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if i < n {
		sum += uint32(b[i]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// FinishChecksum completes a partial sum by folding in the bytes of the
// fields that were zeroed when the partial sum was computed, and returns
// the final 16-bit Internet checksum. variableBytes must be the same
// length and in the same positions the zeroed template bytes occupied.
func FinishChecksum(partial uint32, variableBytes []byte) uint16 {
	return foldChecksum(sum16(variableBytes, partial))
}

// ReplaceChecksum adjusts a partial sum for a field that was already
// baked into it with a different value (e.g. a template's flags byte or
// its pseudo-header length), removing oldBytes' contribution and adding
// newBytes' in its place. Unlike FinishChecksum, this is for fields that
// were NOT zeroed at template-build time. oldBytes and newBytes must be
// the same length.
func ReplaceChecksum(partial uint32, oldBytes, newBytes []byte) uint32 {
	old := int64(sum16(oldBytes, 0))
	neu := int64(sum16(newBytes, 0))
	s := int64(partial) - old + neu
	// Checksum arithmetic is effectively mod 0xFFFF (ones'-complement
	// end-around carry); adding multiples of it keeps s non-negative
	// without changing the folded result.
	for s < 0 {
		s += 0xFFFF
	}
	return uint32(s)
}

// VerifyChecksum independently recomputes the Internet checksum over a
// full header (checksum field included, non-zero) and reports whether it
// is valid (sums to 0xFFFF once folded), used by template tests and by
// anything that wants to sanity-check an emitted frame.
func VerifyChecksum(fullHeader []byte) bool {
	sum := sum16(fullHeader, 0)
	return foldChecksum(sum) == 0
}

// pseudoHeaderV4 returns the IPv4 TCP/UDP pseudo-header sum contribution:
// src ip, dst ip, zero byte, protocol, transport length.
func pseudoHeaderV4(srcIP, dstIP [4]byte, proto byte, transportLen uint16) uint32 {
	var b [12]byte
	copy(b[0:4], srcIP[:])
	copy(b[4:8], dstIP[:])
	b[9] = proto
	binary.BigEndian.PutUint16(b[10:12], transportLen)
	return sum16(b[:], 0)
}

func pseudoHeaderV6(srcIP, dstIP [16]byte, proto byte, transportLen uint32) uint32 {
	var b [40]byte
	copy(b[0:16], srcIP[:])
	copy(b[16:32], dstIP[:])
	binary.BigEndian.PutUint32(b[32:36], transportLen)
	b[39] = proto
	return sum16(b[:], 0)
}

// --- Ethernet / VLAN framing -------------------------------------------------

const (
	ethHeaderLen  = 14
	vlanShimLen   = 4
	nullHeaderLen = 4
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeARP  = 0x0806
	etherTypeVLAN = 0x8100
)

// linkHeaderLen returns the number of bytes the datalink framing occupies
// ahead of the network-layer header.
func linkHeaderLen(dl Datalink, vlan int) int {
	switch dl {
	case DatalinkRaw:
		return 0
	case DatalinkNull:
		return nullHeaderLen
	default:
		n := ethHeaderLen
		if vlan > 0 {
			n += vlanShimLen
		}
		return n
	}
}

func writeLinkHeader(buf []byte, opt Options, etherType uint16) {
	switch opt.Datalink {
	case DatalinkRaw:
		return
	case DatalinkNull:
		family := uint32(2) // AF_INET; replaced below for v6 templates
		if etherType == etherTypeIPv6 {
			family = 30 // AF_INET6 on BSD/Darwin; callers on Linux may rewrite
		}
		binary.LittleEndian.PutUint32(buf[0:4], family)
		return
	default:
		copy(buf[0:6], opt.RouterMAC[:])
		copy(buf[6:12], opt.SrcMAC[:])
		if opt.VLAN > 0 {
			binary.BigEndian.PutUint16(buf[12:14], etherTypeVLAN)
			binary.BigEndian.PutUint16(buf[14:16], uint16(opt.VLAN)&0x0FFF)
			binary.BigEndian.PutUint16(buf[16:18], etherType)
		} else {
			binary.BigEndian.PutUint16(buf[12:14], etherType)
		}
	}
}

// --- IPv4 header -------------------------------------------------------------

const ipv4HeaderLen = 20

func writeIPv4Header(buf []byte, proto byte, totalLen uint16, ttl uint8) {
	buf[0] = 0x45 // version 4, IHL 5
	buf[1] = 0    // DSCP/ECN
	binary.BigEndian.PutUint16(buf[2:4], totalLen)
	binary.BigEndian.PutUint16(buf[4:6], 0) // identification, mutable per-packet
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/frag, left at 0 (don't fragment optional)
	buf[8] = ttl
	buf[9] = proto
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum, filled by caller
	// src/dst IP (bytes 12:16, 16:20) left zero: mutable, src filled at
	// startup (fixed for the scan), dst filled per packet.
}

const ipv6HeaderLen = 40

func writeIPv6Header(buf []byte, nextHdr byte, payloadLen uint16, hopLimit uint8) {
	binary.BigEndian.PutUint32(buf[0:4], 6<<28) // version 6, traffic class/flow label 0
	binary.BigEndian.PutUint16(buf[4:6], payloadLen)
	buf[6] = nextHdr
	buf[7] = hopLimit
	// src (8:24) / dst (24:40) left zero, same mutability story as v4.
}

// --- TCP header ----------------------------------------------------------

const tcpHeaderLen = 20

// buildTCPOptions renders the configured options into a byte slice padded
// to a 4-byte boundary; the resulting data offset in 32-bit words is
// 5 + len(bytes)/4.
func buildTCPOptions(o TCPOptions) []byte {
	var b []byte
	if o.MSS > 0 {
		b = append(b, 2, 4, byte(o.MSS>>8), byte(o.MSS))
	}
	if o.SACKPerm {
		b = append(b, 4, 2)
	}
	if o.Timestamp {
		b = append(b, 8, 10, 0, 0, 0, 0, 0, 0, 0, 0)
	}
	if o.WScaleSet {
		b = append(b, 3, 3, o.WScale)
	}
	for len(b)%4 != 0 {
		b = append(b, 0) // NOP/pad
	}
	return b
}

func writeTCPHeader(buf []byte, window uint16, flags uint8, optsLen int) {
	// src/dst port (0:2, 2:4) left zero, mutable per packet.
	binary.BigEndian.PutUint32(buf[4:8], 0)  // seq, mutable (cookie-derived)
	binary.BigEndian.PutUint32(buf[8:12], 0) // ack, mutable
	dataOff := byte((tcpHeaderLen + optsLen) / 4)
	buf[12] = dataOff << 4
	buf[13] = flags
	binary.BigEndian.PutUint16(buf[14:16], window)
	binary.BigEndian.PutUint16(buf[16:18], 0) // checksum, filled by caller
	binary.BigEndian.PutUint16(buf[18:20], 0) // urgent pointer
}

// TCP flag bits, re-exported so scan modules don't need their own table.
const (
	TCPFlagFIN = 1 << 0
	TCPFlagSYN = 1 << 1
	TCPFlagRST = 1 << 2
	TCPFlagPSH = 1 << 3
	TCPFlagACK = 1 << 4
)

// --- UDP header ------------------------------------------------------------

const udpHeaderLen = 8

func writeUDPHeader(buf []byte, length uint16) {
	// src/dst port left zero, mutable per packet.
	binary.BigEndian.PutUint16(buf[4:6], length)
	binary.BigEndian.PutUint16(buf[6:8], 0) // checksum, filled by caller (0 is also valid for v4 UDP)
}

// --- ICMPv4 ------------------------------------------------------------

const icmpHeaderLen = 8

func writeICMPv4Echo(buf []byte) {
	buf[0] = 8 // echo request
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], 0) // checksum, filled by caller
	// id/seq (4:6, 6:8) left zero, mutable (cookie-derived)
}

func writeICMPv4Timestamp(buf []byte) {
	buf[0] = 13 // timestamp request
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], 0)
	// id/seq zero, then 3x4-byte timestamps (originate/receive/transmit), left zero
}

// --- ARP ------------------------------------------------------------------

const arpHeaderLen = 28

func writeARPRequest(buf []byte, srcMAC [6]byte) {
	binary.BigEndian.PutUint16(buf[0:2], 1)      // htype ethernet
	binary.BigEndian.PutUint16(buf[2:4], etherTypeIPv4) // ptype ipv4
	buf[4] = 6                                   // hlen
	buf[5] = 4                                   // plen
	binary.BigEndian.PutUint16(buf[6:8], 1)      // oper request
	copy(buf[8:14], srcMAC[:])
	// sender IP (14:18) filled at startup (our source IP), target MAC
	// (18:24) stays zero, target IP (24:28) mutable per packet.
}

// --- NDP neighbor solicitation ---------------------------------------------

const ndpNSHeaderLen = 24 // icmpv6 type/code/checksum(4) + reserved(4) + target addr(16)

func writeNDPNeighborSolicit(buf []byte) {
	buf[0] = 135 // neighbor solicitation
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], 0) // checksum filled by caller
	binary.BigEndian.PutUint32(buf[4:8], 0) // reserved
	// target address (8:24) mutable per packet.
}

// --- SCTP INIT ---------------------------------------------------------

const sctpCommonHeaderLen = 12
const sctpInitChunkLen = 20

func writeSCTPInit(buf []byte) {
	// src/dst port (0:2,2:4) mutable.
	binary.BigEndian.PutUint32(buf[4:8], 0) // verification tag, 0 on INIT
	binary.BigEndian.PutUint32(buf[8:12], 0) // checksum (CRC32c), filled by caller out of band
	buf[12] = 1                              // chunk type INIT
	buf[13] = 0                              // flags
	binary.BigEndian.PutUint16(buf[14:16], sctpInitChunkLen)
	binary.BigEndian.PutUint32(buf[16:20], 0) // initiate tag, cookie-derived, mutable
	binary.BigEndian.PutUint32(buf[20:24], 1<<16) // a_rwnd
	binary.BigEndian.PutUint16(buf[24:26], 1)     // outbound streams
	binary.BigEndian.PutUint16(buf[26:28], 1)     // inbound streams
	binary.BigEndian.PutUint32(buf[28:32], 0)     // initial TSN, mutable
}

// --- Builders ------------------------------------------------------------

// Build constructs the Template for kind under opt. srcIP4/srcIP6 are the
// scanner's own source address, baked in at startup since it is fixed
// for the whole scan (only the destination changes per packet).
func Build(kind Kind, opt Options, srcIP4 [4]byte, srcIP6 [16]byte) (*Template, error) {
	switch kind {
	case KindARPRequest:
		return buildARP(opt, srcIP4)
	case KindICMPv4Echo:
		return buildICMPv4(opt, srcIP4, writeICMPv4Echo)
	case KindICMPv4Timestamp:
		return buildICMPv4Timestamp(opt, srcIP4)
	case KindNDPNeighborSolicit:
		return buildNDPNS(opt, srcIP6)
	case KindTCPv4, KindTCPv4SYNOptions:
		return buildTCPv4(opt, srcIP4, kind == KindTCPv4SYNOptions)
	case KindTCPv6, KindTCPv6SYNOptions:
		return buildTCPv6(opt, srcIP6, kind == KindTCPv6SYNOptions)
	case KindUDPv4:
		return buildUDPv4(opt, srcIP4)
	case KindUDPv6:
		return buildUDPv6(opt, srcIP6)
	case KindSCTPv4Init:
		return buildSCTPv4(opt, srcIP4)
	default:
		return nil, fmt.Errorf("template: unknown kind %d", kind)
	}
}

func buildARP(opt Options, srcIP4 [4]byte) (*Template, error) {
	linkLen := linkHeaderLen(opt.Datalink, opt.VLAN)
	total := linkLen + arpHeaderLen
	buf := make([]byte, total)
	writeLinkHeader(buf, opt, etherTypeARP)
	writeARPRequest(buf[linkLen:], opt.SrcMAC)
	copy(buf[linkLen+14:linkLen+18], srcIP4[:])
	return &Template{
		Kind: KindARPRequest, Proto: 0, Bytes: buf,
		IPOff: -1, TransportOff: linkLen, AppOff: total,
	}, nil
}

func buildICMPv4(opt Options, srcIP4 [4]byte, writeBody func([]byte)) (*Template, error) {
	linkLen := linkHeaderLen(opt.Datalink, opt.VLAN)
	ipOff := linkLen
	icmpOff := ipOff + ipv4HeaderLen
	total := icmpOff + icmpHeaderLen
	buf := make([]byte, total)
	writeLinkHeader(buf, opt, etherTypeIPv4)
	writeIPv4Header(buf[ipOff:], 1, uint16(ipv4HeaderLen+icmpHeaderLen), opt.TTL)
	copy(buf[ipOff+12:ipOff+16], srcIP4[:])
	writeBody(buf[icmpOff:])

	ipPartial := sum16(buf[ipOff:ipOff+ipv4HeaderLen], 0)
	icmpPartial := sum16(buf[icmpOff:icmpOff+icmpHeaderLen], 0)
	return &Template{
		Kind: KindICMPv4Echo, Proto: 1, Bytes: buf,
		IPOff: ipOff, TransportOff: icmpOff, AppOff: total,
		IPHeaderPartialSum: ipPartial, TransportPartialSum: icmpPartial,
	}, nil
}

func buildICMPv4Timestamp(opt Options, srcIP4 [4]byte) (*Template, error) {
	const tsBodyLen = icmpHeaderLen + 12 // id/seq + 3 timestamps
	linkLen := linkHeaderLen(opt.Datalink, opt.VLAN)
	ipOff := linkLen
	icmpOff := ipOff + ipv4HeaderLen
	total := icmpOff + tsBodyLen
	buf := make([]byte, total)
	writeLinkHeader(buf, opt, etherTypeIPv4)
	writeIPv4Header(buf[ipOff:], 1, uint16(ipv4HeaderLen+tsBodyLen), opt.TTL)
	copy(buf[ipOff+12:ipOff+16], srcIP4[:])
	writeICMPv4Timestamp(buf[icmpOff:])

	ipPartial := sum16(buf[ipOff:ipOff+ipv4HeaderLen], 0)
	icmpPartial := sum16(buf[icmpOff:icmpOff+tsBodyLen], 0)
	return &Template{
		Kind: KindICMPv4Timestamp, Proto: 1, Bytes: buf,
		IPOff: ipOff, TransportOff: icmpOff, AppOff: total,
		IPHeaderPartialSum: ipPartial, TransportPartialSum: icmpPartial,
	}, nil
}

func buildNDPNS(opt Options, srcIP6 [16]byte) (*Template, error) {
	linkLen := linkHeaderLen(opt.Datalink, opt.VLAN)
	ipOff := linkLen
	icmpOff := ipOff + ipv6HeaderLen
	total := icmpOff + ndpNSHeaderLen
	buf := make([]byte, total)
	writeLinkHeader(buf, opt, etherTypeIPv6)
	writeIPv6Header(buf[ipOff:], 58, uint16(ndpNSHeaderLen), 255) // next-header ICMPv6, hop limit 255 per RFC 4861
	copy(buf[ipOff+8:ipOff+24], srcIP6[:])
	writeNDPNeighborSolicit(buf[icmpOff:])

	var srcArr, dstZero [16]byte
	srcArr = srcIP6
	pseudo := pseudoHeaderV6(srcArr, dstZero, 58, uint32(ndpNSHeaderLen))
	icmpPartial := sum16(buf[icmpOff:icmpOff+ndpNSHeaderLen], pseudo)
	return &Template{
		Kind: KindNDPNeighborSolicit, Proto: 58, Bytes: buf, IsV6: true,
		IPOff: ipOff, TransportOff: icmpOff, AppOff: total,
		TransportPartialSum: icmpPartial,
	}, nil
}

func buildTCPv4(opt Options, srcIP4 [4]byte, withOptions bool) (*Template, error) {
	var opts []byte
	if withOptions {
		opts = buildTCPOptions(opt.TCPOptions)
	}
	linkLen := linkHeaderLen(opt.Datalink, opt.VLAN)
	ipOff := linkLen
	tcpOff := ipOff + ipv4HeaderLen
	tcpLen := tcpHeaderLen + len(opts)
	total := tcpOff + tcpLen
	buf := make([]byte, total)
	writeLinkHeader(buf, opt, etherTypeIPv4)
	writeIPv4Header(buf[ipOff:], 6, uint16(ipv4HeaderLen+tcpLen), opt.TTL)
	copy(buf[ipOff+12:ipOff+16], srcIP4[:])

	flags := uint8(TCPFlagSYN)
	writeTCPHeader(buf[tcpOff:], opt.TCPWindow, flags, len(opts))
	copy(buf[tcpOff+tcpHeaderLen:], opts)

	ipPartial := sum16(buf[ipOff:ipOff+ipv4HeaderLen], 0)
	pseudo := pseudoHeaderV4(srcIP4, [4]byte{}, 6, uint16(tcpLen))
	tcpPartial := sum16(buf[tcpOff:tcpOff+tcpLen], pseudo)

	kind := KindTCPv4
	if withOptions {
		kind = KindTCPv4SYNOptions
	}
	return &Template{
		Kind: kind, Proto: 6, Bytes: buf,
		IPOff: ipOff, TransportOff: tcpOff, AppOff: total,
		IPHeaderPartialSum: ipPartial, TransportPartialSum: tcpPartial,
	}, nil
}

func buildTCPv6(opt Options, srcIP6 [16]byte, withOptions bool) (*Template, error) {
	var opts []byte
	if withOptions {
		opts = buildTCPOptions(opt.TCPOptions)
	}
	linkLen := linkHeaderLen(opt.Datalink, opt.VLAN)
	ipOff := linkLen
	tcpOff := ipOff + ipv6HeaderLen
	tcpLen := tcpHeaderLen + len(opts)
	total := tcpOff + tcpLen
	buf := make([]byte, total)
	writeLinkHeader(buf, opt, etherTypeIPv6)
	writeIPv6Header(buf[ipOff:], 6, uint16(tcpLen), opt.TTL)
	copy(buf[ipOff+8:ipOff+24], srcIP6[:])

	writeTCPHeader(buf[tcpOff:], opt.TCPWindow, TCPFlagSYN, len(opts))
	copy(buf[tcpOff+tcpHeaderLen:], opts)

	var dstZero [16]byte
	pseudo := pseudoHeaderV6(srcIP6, dstZero, 6, uint32(tcpLen))
	tcpPartial := sum16(buf[tcpOff:tcpOff+tcpLen], pseudo)

	kind := KindTCPv6
	if withOptions {
		kind = KindTCPv6SYNOptions
	}
	return &Template{
		Kind: kind, Proto: 6, Bytes: buf, IsV6: true,
		IPOff: ipOff, TransportOff: tcpOff, AppOff: total,
		TransportPartialSum: tcpPartial,
	}, nil
}

func buildUDPv4(opt Options, srcIP4 [4]byte) (*Template, error) {
	linkLen := linkHeaderLen(opt.Datalink, opt.VLAN)
	ipOff := linkLen
	udpOff := ipOff + ipv4HeaderLen
	total := udpOff + udpHeaderLen
	buf := make([]byte, total)
	writeLinkHeader(buf, opt, etherTypeIPv4)
	writeIPv4Header(buf[ipOff:], 17, uint16(ipv4HeaderLen+udpHeaderLen), opt.TTL)
	copy(buf[ipOff+12:ipOff+16], srcIP4[:])
	writeUDPHeader(buf[udpOff:], uint16(udpHeaderLen))

	ipPartial := sum16(buf[ipOff:ipOff+ipv4HeaderLen], 0)
	pseudo := pseudoHeaderV4(srcIP4, [4]byte{}, 17, uint16(udpHeaderLen))
	udpPartial := sum16(buf[udpOff:udpOff+udpHeaderLen], pseudo)
	return &Template{
		Kind: KindUDPv4, Proto: 17, Bytes: buf,
		IPOff: ipOff, TransportOff: udpOff, AppOff: total,
		IPHeaderPartialSum: ipPartial, TransportPartialSum: udpPartial,
	}, nil
}

func buildUDPv6(opt Options, srcIP6 [16]byte) (*Template, error) {
	linkLen := linkHeaderLen(opt.Datalink, opt.VLAN)
	ipOff := linkLen
	udpOff := ipOff + ipv6HeaderLen
	total := udpOff + udpHeaderLen
	buf := make([]byte, total)
	writeLinkHeader(buf, opt, etherTypeIPv6)
	writeIPv6Header(buf[ipOff:], 17, uint16(udpHeaderLen), opt.TTL)
	copy(buf[ipOff+8:ipOff+24], srcIP6[:])
	writeUDPHeader(buf[udpOff:], uint16(udpHeaderLen))

	var dstZero [16]byte
	pseudo := pseudoHeaderV6(srcIP6, dstZero, 17, uint32(udpHeaderLen))
	udpPartial := sum16(buf[udpOff:udpOff+udpHeaderLen], pseudo)
	return &Template{
		Kind: KindUDPv6, Proto: 17, Bytes: buf, IsV6: true,
		IPOff: ipOff, TransportOff: udpOff, AppOff: total,
		TransportPartialSum: udpPartial,
	}, nil
}

func buildSCTPv4(opt Options, srcIP4 [4]byte) (*Template, error) {
	linkLen := linkHeaderLen(opt.Datalink, opt.VLAN)
	ipOff := linkLen
	sctpOff := ipOff + ipv4HeaderLen
	sctpLen := sctpCommonHeaderLen + sctpInitChunkLen
	total := sctpOff + sctpLen
	buf := make([]byte, total)
	writeLinkHeader(buf, opt, etherTypeIPv4)
	writeIPv4Header(buf[ipOff:], 132, uint16(ipv4HeaderLen+sctpLen), opt.TTL)
	copy(buf[ipOff+12:ipOff+16], srcIP4[:])
	writeSCTPInit(buf[sctpOff:])

	ipPartial := sum16(buf[ipOff:ipOff+ipv4HeaderLen], 0)
	// SCTP uses CRC32c, not the Internet checksum; the transport partial
	// sum field is unused for this kind (left 0), the module computes
	// CRC32c per packet instead.
	return &Template{
		Kind: KindSCTPv4Init, Proto: 132, Bytes: buf,
		IPOff: ipOff, TransportOff: sctpOff, AppOff: total,
		IPHeaderPartialSum: ipPartial,
	}, nil
}
