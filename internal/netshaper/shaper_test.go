package netshaper

import "testing"

func TestClassRateRewritesZeroToMinimum(t *testing.T) {
	if got := classRate(0); got != 1 {
		t.Fatalf("classRate(0) = %d, want 1", got)
	}
	if got := classRate(1024); got != 1024 {
		t.Fatalf("classRate(1024) = %d, want 1024", got)
	}
}

func TestTcHandleEncoding(t *testing.T) {
	h := TcHandle(RootTcMajor, 42)
	if h != (1<<16)|42 {
		t.Fatalf("TcHandle(1,42) = %#x, want %#x", h, (1<<16)|42)
	}
}

func TestHandleStringFormat(t *testing.T) {
	h := TcHandle(1, 0xffff)
	if got, want := handleString(h), "1:ffff"; got != want {
		t.Fatalf("handleString = %q, want %q", got, want)
	}
}

func TestDefaultAndPortoRootMinorsAreDistinct(t *testing.T) {
	if DefaultMinor == PortoRootMinor {
		t.Fatalf("DefaultMinor (%d) and PortoRootMinor (%d) must not collide: the catch-all class would never exist", DefaultMinor, PortoRootMinor)
	}
}

func TestStrategyRegistry(t *testing.T) {
	if _, err := GetStrategy("veth"); err != nil {
		t.Fatalf("veth strategy should be registered: %v", err)
	}
	if _, err := GetStrategy("macvlan"); err != nil {
		t.Fatalf("macvlan strategy should be registered: %v", err)
	}
	if _, err := GetStrategy("bogus"); err != ErrNotValidStrategyType {
		t.Fatalf("expected ErrNotValidStrategyType, got %v", err)
	}
}
