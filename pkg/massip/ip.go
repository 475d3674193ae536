// Package massip implements the address/port algebra used to enumerate a
// scan's target space: disjoint range lists for IPv4 and IPv6, a packed port
// namespace, and a picker that maps a flat index into a concrete (ip, port)
// pair without ever materializing the space.
package massip

import (
	"fmt"
	"math/big"
	"net/netip"
)

// Family tags which address representation a value carries. A value must
// never be silently widened from one family to the other.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "ipv6"
	}
	return "ipv4"
}

// Addr is a tagged union over a v4 (32-bit) or v6 (128-bit, as hi:lo) address.
type Addr struct {
	family Family
	v4     uint32
	v6hi   uint64
	v6lo   uint64
}

// AddrV4 builds a v4 Addr.
func AddrV4(v uint32) Addr { return Addr{family: FamilyV4, v4: v} }

// AddrV6 builds a v6 Addr from its big-endian 128-bit halves.
func AddrV6(hi, lo uint64) Addr { return Addr{family: FamilyV6, v6hi: hi, v6lo: lo} }

// Family reports which union arm is populated.
func (a Addr) Family() Family { return a.family }

// Uint32 returns the v4 value; callers must check Family first.
func (a Addr) Uint32() uint32 { return a.v4 }

// Halves returns the v6 hi/lo 64-bit halves; callers must check Family first.
func (a Addr) Halves() (hi, lo uint64) { return a.v6hi, a.v6lo }

// Less gives a total order within a family, used to keep range lists sorted.
func (a Addr) Less(b Addr) bool {
	if a.family != b.family {
		return a.family < b.family
	}
	if a.family == FamilyV4 {
		return a.v4 < b.v4
	}
	if a.v6hi != b.v6hi {
		return a.v6hi < b.v6hi
	}
	return a.v6lo < b.v6lo
}

// Add returns a + n within the same family, saturating at the family's max.
func (a Addr) Add(n uint64) Addr {
	if a.family == FamilyV4 {
		sum := uint64(a.v4) + n
		if sum > 0xFFFFFFFF {
			sum = 0xFFFFFFFF
		}
		return AddrV4(uint32(sum))
	}
	lo := a.v6lo + n
	hi := a.v6hi
	if lo < a.v6lo { // carry
		if hi == ^uint64(0) {
			return AddrV6(hi, ^uint64(0))
		}
		hi++
	}
	return AddrV6(hi, lo)
}

// String renders the address using net/netip for a human-readable form.
func (a Addr) String() string {
	if a.family == FamilyV4 {
		return netip.AddrFrom4([4]byte{
			byte(a.v4 >> 24), byte(a.v4 >> 16), byte(a.v4 >> 8), byte(a.v4),
		}).String()
	}
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(a.v6hi >> (56 - 8*i))
		b[8+i] = byte(a.v6lo >> (56 - 8*i))
	}
	return netip.AddrFrom16(b).String()
}

// ParseAddr parses a dotted-quad or colon-hex address into an Addr.
func ParseAddr(s string) (Addr, error) {
	na, err := netip.ParseAddr(s)
	if err != nil {
		return Addr{}, fmt.Errorf("massip: parse address %q: %w", s, err)
	}
	if na.Is4() {
		b := na.As4()
		return AddrV4(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])), nil
	}
	b := na.As16()
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(b[i])
		lo = lo<<8 | uint64(b[8+i])
	}
	return AddrV6(hi, lo), nil
}

// diff128 returns b-a as a big.Int for two v6 addresses with a<=b, used by
// count()/pick() arithmetic that can exceed 64 bits.
func diff128(a, b Addr) *big.Int {
	ai := new(big.Int).Lsh(new(big.Int).SetUint64(a.v6hi), 64)
	ai.Or(ai, new(big.Int).SetUint64(a.v6lo))
	bi := new(big.Int).Lsh(new(big.Int).SetUint64(b.v6hi), 64)
	bi.Or(bi, new(big.Int).SetUint64(b.v6lo))
	return new(big.Int).Sub(bi, ai)
}
