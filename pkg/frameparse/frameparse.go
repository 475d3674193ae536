// Package frameparse turns a raw captured frame into the engine's
// ParsedFrame, preprocessing link/network/transport headers in one pass.
// It only ever returns small copies and offsets, never an interior
// pointer the caller could use to outlive the original buffer, and
// recognizes Ethernet/VLAN, IPv4/IPv6, TCP/UDP/SCTP, ICMPv4/ICMPv6, and
// ARP.
package frameparse

import (
	"encoding/binary"
	"fmt"

	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/scanmodule"
)

// Datalink mirrors template.Datalink without importing it, since
// frameparse and template are siblings consumed independently by the
// engine.
type Datalink uint8

const (
	DatalinkEthernet Datalink = iota
	DatalinkRaw
	DatalinkNull
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeARP  = 0x0806
	etherTypeVLAN = 0x8100
)

// ErrTooShort is a ParseError: the frame is malformed or truncated. Rx
// silently drops these, only counting them.
var ErrTooShort = fmt.Errorf("frameparse: frame too short")

// ErrUnsupported is a ParseError for a recognized-but-unhandled
// protocol (e.g. SCTP over IPv6; SCTP over IPv4 is returned with only
// its protocol set).
var ErrUnsupported = fmt.Errorf("frameparse: unsupported protocol")

// Parse preprocesses raw into a ParsedFrame. raw is retained by
// reference (ParsedFrame.Raw); callers must not mutate it afterward.
func Parse(raw []byte, dl Datalink) (*scanmodule.ParsedFrame, error) {
	off := 0
	etherType := uint16(0)

	switch dl {
	case DatalinkRaw:
		// no link header; sniff the IP version nibble instead of an
		// EtherType.
		if len(raw) < 1 {
			return nil, ErrTooShort
		}
		if raw[0]>>4 == 6 {
			etherType = etherTypeIPv6
		} else {
			etherType = etherTypeIPv4
		}
	case DatalinkNull:
		if len(raw) < 4 {
			return nil, ErrTooShort
		}
		family := binary.LittleEndian.Uint32(raw[0:4])
		off = 4
		if family == 30 {
			etherType = etherTypeIPv6
		} else {
			etherType = etherTypeIPv4
		}
	default:
		if len(raw) < 14 {
			return nil, ErrTooShort
		}
		etherType = binary.BigEndian.Uint16(raw[12:14])
		off = 14
		if etherType == etherTypeVLAN {
			if len(raw) < 18 {
				return nil, ErrTooShort
			}
			etherType = binary.BigEndian.Uint16(raw[16:18])
			off = 18
		}
	}

	switch etherType {
	case etherTypeIPv4:
		return parseIPv4(raw, off)
	case etherTypeIPv6:
		return parseIPv6(raw, off)
	case etherTypeARP:
		return parseARP(raw, off)
	default:
		return nil, ErrUnsupported
	}
}

func parseIPv4(raw []byte, off int) (*scanmodule.ParsedFrame, error) {
	if len(raw) < off+20 {
		return nil, ErrTooShort
	}
	ihl := int(raw[off]&0x0F) * 4
	if ihl < 20 || len(raw) < off+ihl {
		return nil, ErrTooShort
	}
	proto := raw[off+9]
	srcIP := massip.AddrV4(binary.BigEndian.Uint32(raw[off+12 : off+16]))
	dstIP := massip.AddrV4(binary.BigEndian.Uint32(raw[off+16 : off+20]))

	pf := &scanmodule.ParsedFrame{Raw: raw, IPThem: srcIP, IPMe: dstIP}
	transportOff := off + ihl
	switch proto {
	case 6:
		return parseTCP(pf, raw, transportOff, massip.ProtoTCP)
	case 17:
		return parseUDP(pf, raw, transportOff, massip.ProtoUDP)
	case 1:
		return parseICMPv4(pf, raw, transportOff)
	case 132:
		pf.IPProto = massip.ProtoSCTP
		pf.AppOffset, pf.AppLen = -1, 0
		return pf, nil
	default:
		return nil, ErrUnsupported
	}
}

func parseIPv6(raw []byte, off int) (*scanmodule.ParsedFrame, error) {
	if len(raw) < off+40 {
		return nil, ErrTooShort
	}
	nextHdr := raw[off+6]
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(raw[off+8+i])
		lo = lo<<8 | uint64(raw[off+16+i])
	}
	srcIP := massip.AddrV6(hi, lo)
	hi, lo = 0, 0
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(raw[off+24+i])
		lo = lo<<8 | uint64(raw[off+32+i])
	}
	dstIP := massip.AddrV6(hi, lo)

	pf := &scanmodule.ParsedFrame{Raw: raw, IPThem: srcIP, IPMe: dstIP}
	transportOff := off + 40
	switch nextHdr {
	case 6:
		return parseTCP(pf, raw, transportOff, massip.ProtoTCP)
	case 17:
		return parseUDP(pf, raw, transportOff, massip.ProtoUDP)
	case 58:
		return parseICMPv6(pf, raw, transportOff)
	default:
		return nil, ErrUnsupported
	}
}

func parseTCP(pf *scanmodule.ParsedFrame, raw []byte, off int, proto massip.Proto) (*scanmodule.ParsedFrame, error) {
	if len(raw) < off+20 {
		return nil, ErrTooShort
	}
	pf.IPProto = proto
	pf.PortThem = binary.BigEndian.Uint16(raw[off : off+2])
	pf.PortMe = binary.BigEndian.Uint16(raw[off+2 : off+4])
	pf.TCPSeq = binary.BigEndian.Uint32(raw[off+4 : off+8])
	pf.TCPAck = binary.BigEndian.Uint32(raw[off+8 : off+12])
	dataOff := int(raw[off+12]>>4) * 4
	if dataOff < 20 || len(raw) < off+dataOff {
		return nil, ErrTooShort
	}
	pf.TCPFlags = raw[off+13]
	pf.TCPWindow = binary.BigEndian.Uint16(raw[off+14 : off+16])
	appOff := off + dataOff
	if appOff < len(raw) {
		pf.AppOffset = appOff
		pf.AppLen = len(raw) - appOff
	} else {
		pf.AppOffset = -1
	}
	return pf, nil
}

func parseUDP(pf *scanmodule.ParsedFrame, raw []byte, off int, proto massip.Proto) (*scanmodule.ParsedFrame, error) {
	if len(raw) < off+8 {
		return nil, ErrTooShort
	}
	pf.IPProto = proto
	pf.PortThem = binary.BigEndian.Uint16(raw[off : off+2])
	pf.PortMe = binary.BigEndian.Uint16(raw[off+2 : off+4])
	length := int(binary.BigEndian.Uint16(raw[off+4 : off+6]))
	appOff := off + 8
	if appOff < len(raw) && length > 8 {
		pf.AppOffset = appOff
		pf.AppLen = len(raw) - appOff
	} else {
		pf.AppOffset = -1
	}
	return pf, nil
}

func parseICMPv4(pf *scanmodule.ParsedFrame, raw []byte, off int) (*scanmodule.ParsedFrame, error) {
	if len(raw) < off+8 {
		return nil, ErrTooShort
	}
	pf.IPProto = massip.ProtoICMP
	pf.ICMPType = raw[off]
	pf.ICMPCode = raw[off+1]
	pf.ICMPID = binary.BigEndian.Uint16(raw[off+4 : off+6])
	pf.ICMPSeq = binary.BigEndian.Uint16(raw[off+6 : off+8])
	// Port-unreachable and other error messages embed the offending
	// packet's IP+L4 header starting at off+8; scan modules that need it
	// (UDP closed-port detection) re-parse that inner header themselves
	// from pf.Raw using this offset rather than this package chasing the
	// embedded packet recursively.
	pf.AppOffset = off + 8
	pf.AppLen = len(raw) - (off + 8)
	if pf.AppLen < 0 {
		pf.AppOffset, pf.AppLen = -1, 0
	}
	return pf, nil
}

func parseICMPv6(pf *scanmodule.ParsedFrame, raw []byte, off int) (*scanmodule.ParsedFrame, error) {
	if len(raw) < off+8 {
		return nil, ErrTooShort
	}
	pf.IPProto = massip.ProtoICMP
	pf.ICMPType = raw[off]
	pf.ICMPCode = raw[off+1]
	pf.AppOffset = off + 8
	pf.AppLen = len(raw) - (off + 8)
	if pf.AppLen < 0 {
		pf.AppOffset, pf.AppLen = -1, 0
	}
	return pf, nil
}

func parseARP(raw []byte, off int) (*scanmodule.ParsedFrame, error) {
	if len(raw) < off+28 {
		return nil, ErrTooShort
	}
	oper := binary.BigEndian.Uint16(raw[off+6 : off+8])
	senderIP := massip.AddrV4(binary.BigEndian.Uint32(raw[off+14 : off+18]))
	targetIP := massip.AddrV4(binary.BigEndian.Uint32(raw[off+24 : off+28]))
	pf := &scanmodule.ParsedFrame{
		Raw: raw, IPProto: massip.ProtoOther,
		IPThem: senderIP, IPMe: targetIP,
		AppOffset: -1,
	}
	pf.ICMPType = byte(oper) // reused as the ARP opcode (1=request, 2=reply); no dedicated field
	return pf, nil
}
