package massip

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseRangeSpec parses one address-range token into a Range plus the
// family it belongs to: a bare address ("10.0.0.1"), a CIDR ("10.0.0.0/8"),
// or a dashed pair ("10.0.0.1-10.0.0.255"). Both ends of a dashed pair and
// a CIDR's network/broadcast must be the same family as each other.
func ParseRangeSpec(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, fmt.Errorf("massip: empty range spec")
	}

	if strings.Contains(s, "/") {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return Range{}, fmt.Errorf("massip: parse CIDR %q: %w", s, err)
		}
		begin, err := ParseAddr(ipnet.IP.String())
		if err != nil {
			return Range{}, err
		}
		ones, bits := ipnet.Mask.Size()
		hostBits := uint64(bits - ones)
		var count uint64 = 1
		if hostBits < 64 {
			count = uint64(1) << hostBits
		}
		end := begin.Add(count - 1)
		return Range{Begin: begin, End: end}, nil
	}

	if i := strings.Index(s, "-"); i >= 0 {
		begin, err := ParseAddr(strings.TrimSpace(s[:i]))
		if err != nil {
			return Range{}, err
		}
		end, err := ParseAddr(strings.TrimSpace(s[i+1:]))
		if err != nil {
			return Range{}, err
		}
		if begin.Family() != end.Family() {
			return Range{}, fmt.Errorf("massip: range %q mixes address families", s)
		}
		if end.Less(begin) {
			return Range{}, fmt.Errorf("massip: range %q ends before it begins", s)
		}
		return Range{Begin: begin, End: end}, nil
	}

	addr, err := ParseAddr(s)
	if err != nil {
		return Range{}, err
	}
	return Range{Begin: addr, End: addr}, nil
}

// BuildRangeLists parses every spec in includes/excludes, partitions them
// by family into a pair of optimized RangeLists, and applies the excludes.
func BuildRangeLists(includes, excludes []string) (v4, v6 *RangeList, err error) {
	v4 = NewRangeList(FamilyV4)
	v6 = NewRangeList(FamilyV6)
	for _, spec := range includes {
		r, err := ParseRangeSpec(spec)
		if err != nil {
			return nil, nil, err
		}
		if r.Begin.Family() == FamilyV4 {
			v4.AddRange(r)
		} else {
			v6.AddRange(r)
		}
	}

	exV4 := NewRangeList(FamilyV4)
	exV6 := NewRangeList(FamilyV6)
	for _, spec := range excludes {
		r, err := ParseRangeSpec(spec)
		if err != nil {
			return nil, nil, err
		}
		if r.Begin.Family() == FamilyV4 {
			exV4.AddRange(r)
		} else {
			exV6.AddRange(r)
		}
	}

	if err := v4.Exclude(exV4); err != nil {
		return nil, nil, err
	}
	if err := v6.Exclude(exV6); err != nil {
		return nil, nil, err
	}
	return v4, v6, nil
}

// ParsePortSpec appends the ports described by one token to pl. Bare
// numbers and "lo-hi" ranges are TCP; a "U:" or "S:" prefix selects UDP or
// SCTP for that token, and "icmp" (optionally "icmp:<type>") adds an ICMP
// message-type entry instead of a port range.
func ParsePortSpec(pl *PortList, s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("massip: empty port spec")
	}

	if strings.HasPrefix(strings.ToLower(s), "icmp") {
		rest := s[len("icmp"):]
		rest = strings.TrimPrefix(rest, ":")
		if rest == "" {
			pl.AddICMP(0)
			return nil
		}
		n, err := strconv.ParseUint(rest, 10, 16)
		if err != nil {
			return fmt.Errorf("massip: icmp type %q: %w", rest, err)
		}
		pl.AddICMP(uint16(n))
		return nil
	}

	proto := ProtoTCP
	switch {
	case strings.HasPrefix(s, "U:"):
		proto = ProtoUDP
		s = s[2:]
	case strings.HasPrefix(s, "S:"):
		proto = ProtoSCTP
		s = s[2:]
	case strings.HasPrefix(s, "T:"):
		s = s[2:]
	}

	if i := strings.Index(s, "-"); i >= 0 {
		lo, err := strconv.ParseUint(s[:i], 10, 16)
		if err != nil {
			return fmt.Errorf("massip: port range %q: %w", s, err)
		}
		hi, err := strconv.ParseUint(s[i+1:], 10, 16)
		if err != nil {
			return fmt.Errorf("massip: port range %q: %w", s, err)
		}
		return pl.AddRange(proto, uint16(lo), uint16(hi))
	}

	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return fmt.Errorf("massip: port %q: %w", s, err)
	}
	return pl.AddRange(proto, uint16(n), uint16(n))
}

// BuildPortList parses every spec into a single PortList.
func BuildPortList(specs []string) (*PortList, error) {
	pl := NewPortList()
	for _, s := range specs {
		if err := ParsePortSpec(pl, s); err != nil {
			return nil, err
		}
	}
	return pl, nil
}
