package massip

import "testing"

func TestParseAddrRoundTrip(t *testing.T) {
	cases := []string{"0.0.0.0", "255.255.255.255", "192.168.1.1", "::1", "2001:db8::1", "::"}
	for _, s := range cases {
		a, err := ParseAddr(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if got := a.String(); got != s {
			// netip may normalize representation (e.g. "::0" -> "::"); only
			// fail if re-parsing disagrees.
			b, err := ParseAddr(got)
			if err != nil || b != a {
				t.Fatalf("round trip %q -> %q mismatched", s, got)
			}
		}
	}
}

func TestAddrLessTotalOrder(t *testing.T) {
	a := AddrV4(10)
	b := AddrV4(20)
	if !a.Less(b) || b.Less(a) {
		t.Fatal("v4 ordering broken")
	}
	v6a := AddrV6(0, 10)
	v6b := AddrV6(0, 20)
	if !v6a.Less(v6b) || v6b.Less(v6a) {
		t.Fatal("v6 ordering broken")
	}
	v6c := AddrV6(1, 0)
	if !v6b.Less(v6c) {
		t.Fatal("v6 hi-word ordering broken")
	}
}

func TestAddrAddSaturates(t *testing.T) {
	a := AddrV4(0xFFFFFFFE)
	if got := a.Add(10).Uint32(); got != 0xFFFFFFFF {
		t.Fatalf("v4 add should saturate, got %#x", got)
	}
	v6 := AddrV6(0, 0xFFFFFFFFFFFFFFFF)
	sum := v6.Add(1)
	hi, lo := sum.Halves()
	if hi != 1 || lo != 0 {
		t.Fatalf("v6 add should carry into hi, got hi=%d lo=%d", hi, lo)
	}
}

func TestAddrAddCarry(t *testing.T) {
	v6 := AddrV6(5, 10)
	sum := v6.Add(5)
	hi, lo := sum.Halves()
	if hi != 5 || lo != 15 {
		t.Fatalf("expected hi=5 lo=15, got hi=%d lo=%d", hi, lo)
	}
}
