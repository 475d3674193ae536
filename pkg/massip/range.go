package massip

import "math/big"

// Range is an inclusive [Begin,End] span within one address family.
type Range struct {
	Begin Addr
	End   Addr
}

// count returns End-Begin+1 as a big.Int; v6 spans can exceed 64 bits.
func (r Range) count() *big.Int {
	if r.Begin.family == FamilyV4 {
		return big.NewInt(int64(r.End.v4) - int64(r.Begin.v4) + 1)
	}
	n := diff128(r.Begin, r.End)
	return n.Add(n, big.NewInt(1))
}

func (r Range) contains(a Addr) bool {
	return !a.Less(r.Begin) && !r.End.Less(a)
}

// overlapsOrAdjacent reports whether two disjoint-sorted-input ranges should
// be coalesced into one during optimize (touching or overlapping).
func (r Range) overlapsOrAdjacent(o Range) bool {
	// r assumed to sort before or at o.
	if r.End.family == FamilyV4 {
		return uint64(r.End.v4)+1 >= uint64(o.Begin.v4)
	}
	nextHi, nextLo := r.End.v6hi, r.End.v6lo+1
	if nextLo == 0 {
		nextHi++
	}
	next := AddrV6(nextHi, nextLo)
	return !next.Less(o.Begin)
}
