// Package cookie computes the stateless correlation value stamped into
// outgoing probes (TCP sequence number, ICMP id/seq, DNS transaction id,
// ...) and checked against replies, so the scanner never needs to keep
// per-target connection state: a reply is "ours" iff its cookie matches
// what cookie.Compute would produce for that 5-tuple.
package cookie

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Compute derives a 32-bit cookie from the two endpoints and the scan
// seed. It is deterministic: the same inputs always yield the same
// output, and the result depends on all five inputs.
func Compute(ipThem, ipMe uint64, portThem, portMe uint16, seed uint64) uint32 {
	var buf [28]byte
	binary.LittleEndian.PutUint64(buf[0:8], ipThem)
	binary.LittleEndian.PutUint64(buf[8:16], ipMe)
	binary.LittleEndian.PutUint16(buf[16:18], portThem)
	binary.LittleEndian.PutUint16(buf[18:20], portMe)
	binary.LittleEndian.PutUint64(buf[20:28], seed)
	h := xxhash.Sum64(buf[:])
	return uint32(h) ^ uint32(h>>32)
}

// ComputeV6 is Compute for 128-bit addresses, keeping the v4/v6 cookie
// spaces independent even if the low 64 bits of a v6 address collide
// with a v4 address's bit pattern.
func ComputeV6(ipThemHi, ipThemLo, ipMeHi, ipMeLo uint64, portThem, portMe uint16, seed uint64) uint32 {
	var buf [44]byte
	binary.LittleEndian.PutUint64(buf[0:8], ipThemHi)
	binary.LittleEndian.PutUint64(buf[8:16], ipThemLo)
	binary.LittleEndian.PutUint64(buf[16:24], ipMeHi)
	binary.LittleEndian.PutUint64(buf[24:32], ipMeLo)
	binary.LittleEndian.PutUint16(buf[32:34], portThem)
	binary.LittleEndian.PutUint16(buf[34:36], portMe)
	binary.LittleEndian.PutUint64(buf[36:44], seed)
	h := xxhash.Sum64(buf[:])
	return uint32(h) ^ uint32(h>>32)
}
