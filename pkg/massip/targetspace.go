package massip

import "fmt"

// Target is one concrete (ip, proto, port) triple produced by the composer.
type Target struct {
	IP    Addr
	Proto Proto
	Port  uint16
}

// TargetSpace composes a set of IPv4 ranges, IPv6 ranges, and a packed port
// list into a single flat index space. The v4 addresses come first, so an
// index below ipv4Threshold always resolves to a v4 target.
type TargetSpace struct {
	V4    *RangeList
	V6    *RangeList
	Ports *PortList

	countV4        uint64
	countV6        uint64
	countPorts     uint64
	ipv4Threshold  uint64 // countV4 * countPorts
	total          uint64
}

// NewTargetSpace composes the given ranges and ports. Both range lists must
// already be Optimize'd. Returns an error if the composed space's bit-count
// exceeds 63 (the scanner refuses to enumerate a space that large) or if
// ports is empty while either range list is non-empty.
func NewTargetSpace(v4, v6 *RangeList, ports *PortList) (*TargetSpace, error) {
	if v4 == nil {
		v4 = NewRangeList(FamilyV4)
	}
	if v6 == nil {
		v6 = NewRangeList(FamilyV6)
	}
	if err := v4.Optimize(); err != nil {
		return nil, err
	}
	if err := v6.Optimize(); err != nil {
		return nil, err
	}
	countV4 := v4.Count()
	countV6 := v6.Count()
	countPorts := ports.Count()

	if (countV4 > 0 || countV6 > 0) && countPorts == 0 {
		return nil, fmt.Errorf("massip: target space has addresses but no ports")
	}

	ts := &TargetSpace{
		V4: v4, V6: v6, Ports: ports,
		countV4: countV4, countV6: countV6, countPorts: countPorts,
	}

	// total = (countV4 + countV6) * countPorts, checked for 64-bit overflow
	// and for the scanner's <2^63 budget.
	hi4, lo4 := mulHiLo(countV4, countPorts)
	hi6, lo6 := mulHiLo(countV6, countPorts)
	if hi4 != 0 || hi6 != 0 {
		return nil, fmt.Errorf("massip: target space too large to enumerate")
	}
	total := lo4 + lo6
	if total < lo4 { // overflow on the add
		return nil, fmt.Errorf("massip: target space too large to enumerate")
	}
	if total>>63 != 0 {
		return nil, fmt.Errorf("massip: target space exceeds 2^63, refusing to run")
	}

	ts.ipv4Threshold = lo4
	ts.total = total
	return ts, nil
}

// mulHiLo multiplies two uint64 and returns the 128-bit result as (hi, lo).
func mulHiLo(a, b uint64) (hi, lo uint64) {
	const mask32 = 0xFFFFFFFF
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	t := aLo * bLo
	w0 := t & mask32
	k := t >> 32

	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32

	t = aLo*bHi + w1
	k = t >> 32

	hi = aHi*bHi + w2 + k
	lo = (t << 32) | w0
	return hi, lo
}

// Total is the number of (address, port) targets the composed space
// covers; valid indices are [0,Total).
func (ts *TargetSpace) Total() uint64 { return ts.total }

// IPv4Threshold is the index below which Pick resolves to a v4 address.
func (ts *TargetSpace) IPv4Threshold() uint64 { return ts.ipv4Threshold }

// Pick maps a flat index into a concrete Target:
// index < threshold  -> (v4[index mod countV4], ports[index / countV4])
// else                -> (v6[(index-threshold) mod countV6], ports[(index-threshold) / countV6])
func (ts *TargetSpace) Pick(index uint64) Target {
	if index >= ts.total {
		panic("massip: target index out of range")
	}
	var ip Addr
	var portIdx uint64
	if index < ts.ipv4Threshold {
		ip = ts.V4.Pick(index % ts.countV4)
		portIdx = index / ts.countV4
	} else {
		rest := index - ts.ipv4Threshold
		ip = ts.V6.Pick(rest % ts.countV6)
		portIdx = rest / ts.countV6
	}
	entry := ts.Ports.At(portIdx)
	return Target{IP: ip, Proto: entry.Proto, Port: entry.Port}
}
