package cookie

import "testing"

func TestComputeStable(t *testing.T) {
	a := Compute(1, 2, 80, 12345, 99)
	b := Compute(1, 2, 80, 12345, 99)
	if a != b {
		t.Fatalf("expected stable output, got %d != %d", a, b)
	}
}

func TestComputeSensitiveToEachInput(t *testing.T) {
	base := Compute(1, 2, 80, 12345, 99)
	variants := []uint32{
		Compute(2, 2, 80, 12345, 99),
		Compute(1, 3, 80, 12345, 99),
		Compute(1, 2, 81, 12345, 99),
		Compute(1, 2, 80, 12346, 99),
		Compute(1, 2, 80, 12345, 100),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d did not change output when an input changed", i)
		}
	}
}

func TestComputeV6Stable(t *testing.T) {
	a := ComputeV6(1, 2, 3, 4, 80, 12345, 99)
	b := ComputeV6(1, 2, 3, 4, 80, 12345, 99)
	if a != b {
		t.Fatalf("expected stable output, got %d != %d", a, b)
	}
}

func TestComputeV6SensitiveToHighBits(t *testing.T) {
	a := ComputeV6(1, 2, 3, 4, 80, 12345, 99)
	b := ComputeV6(9, 2, 3, 4, 80, 12345, 99)
	if a == b {
		t.Fatal("expected v6 cookie to depend on the high 64 bits of the address")
	}
}
