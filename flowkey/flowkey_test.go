package flowkey

import (
	"net"
	"testing"
)

func TestNewIsSymmetric(t *testing.T) {
	a := ToEndpoint(net.ParseIP("1.2.3.4"), 1000)
	b := ToEndpoint(net.ParseIP("5.6.7.8"), 80)

	k1 := New(a, b, TCP)
	k2 := New(b, a, TCP)

	if k1 != k2 {
		t.Fatalf("expected symmetric key, got %+v vs %+v", k1, k2)
	}
	if Hash(k1) != Hash(k2) {
		t.Fatal("expected equal hashes for symmetric key")
	}
}

func TestV4V6Unification(t *testing.T) {
	v4a := ToEndpoint(net.ParseIP("1.2.3.4"), 1000)
	v4b := ToEndpoint(net.ParseIP("5.6.7.8"), 80)

	v6a := ToEndpoint(net.ParseIP("::ffff:1.2.3.4"), 1000)
	v6b := ToEndpoint(net.ParseIP("::ffff:5.6.7.8"), 80)

	k4 := New(v4a, v4b, TCP)
	k6 := New(v6a, v6b, TCP)

	if k4 != k6 {
		t.Fatalf("expected v4 and v4-mapped v6 keys to unify, got %+v vs %+v", k4, k6)
	}
}

func TestICMPIgnoresPorts(t *testing.T) {
	a := ToEndpoint(net.ParseIP("1.2.3.4"), 1234)
	b := ToEndpoint(net.ParseIP("5.6.7.8"), 5678)

	k := New(a, b, ICMP)
	if k.A.Port != 0 || k.B.Port != 0 {
		t.Fatalf("expected ICMP key to zero ports, got %+v", k)
	}
}

func TestWorkerDeterministic(t *testing.T) {
	a := ToEndpoint(net.ParseIP("1.2.3.4"), 1000)
	b := ToEndpoint(net.ParseIP("5.6.7.8"), 80)
	k := New(a, b, TCP)

	w1 := Worker(k, 8)
	w2 := Worker(k, 8)
	if w1 != w2 {
		t.Fatalf("expected deterministic worker assignment, got %d vs %d", w1, w2)
	}
}
