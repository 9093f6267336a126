// Package flowkey builds the canonical, hashable identity of a network flow.
//
// Addresses are always widened to 16-byte IPv4-mapped-IPv6 form so that a v4
// flow and its v6 representation share one key shape, one hash path, and one
// comparison path, per the design note on avoiding parallel flow-key types.
package flowkey

import (
	"encoding/binary"
	"net"

	"github.com/OneOfOne/xxhash"
)

// Transport tags the protocol the flow key was derived from.
type Transport uint8

const (
	TCP Transport = iota
	UDP
	ICMP
)

func (t Transport) String() string {
	switch t {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case ICMP:
		return "icmp"
	default:
		return "unknown"
	}
}

// Endpoint is one side of a flow: a 16-byte (v4-mapped where applicable)
// address and a port. ICMP flows carry zero ports.
type Endpoint struct {
	Addr [16]byte
	Port uint16
}

// WidenIPv4 returns the IPv4-mapped IPv6 form of a 4-byte address.
func WidenIPv4(v4 [4]byte) [16]byte {
	var out [16]byte
	out[10] = 0xff
	out[11] = 0xff
	copy(out[12:], v4[:])
	return out
}

// ToEndpoint converts a net.IP (either family) plus a port into an Endpoint.
func ToEndpoint(ip net.IP, port uint16) Endpoint {
	var e Endpoint
	if v4 := ip.To4(); v4 != nil {
		var a [4]byte
		copy(a[:], v4)
		e.Addr = WidenIPv4(a)
	} else {
		copy(e.Addr[:], ip.To16())
	}
	e.Port = port
	return e
}

// Key is the canonical, order-independent identity used for hashing and
// session-table lookup. It never reflects direction: direction is a
// property of the session, derived by comparing a frame's endpoints against
// the session's fixed creation-time ordering, not against this key.
type Key struct {
	A, B      Endpoint
	Transport Transport
}

// New builds a canonicalized Key from a frame's (src,dst) pair by sorting
// the two endpoints into a stable order, so that traffic in either direction
// of the same conversation hashes identically.
func New(src, dst Endpoint, transport Transport) Key {
	if transport == ICMP {
		src.Port = 0
		dst.Port = 0
	}
	if lessEndpoint(dst, src) {
		return Key{A: dst, B: src, Transport: transport}
	}
	return Key{A: src, B: dst, Transport: transport}
}

func lessEndpoint(a, b Endpoint) bool {
	for i := range a.Addr {
		if a.Addr[i] != b.Addr[i] {
			return a.Addr[i] < b.Addr[i]
		}
	}
	return a.Port < b.Port
}

// Hash returns the 32-bit worker-sharding / session-table hash of a Key.
// Every byte that participates in equality also participates in the hash,
// so two flows that canonicalize to the same Key always hash identically.
func Hash(k Key) uint32 {
	h := xxhash.New32()
	h.Write(k.A.Addr[:])
	h.Write(k.B.Addr[:])
	var ports [4]byte
	binary.BigEndian.PutUint16(ports[0:2], k.A.Port)
	binary.BigEndian.PutUint16(ports[2:4], k.B.Port)
	h.Write(ports[:])
	h.Write([]byte{byte(k.Transport)})
	return h.Sum32()
}

// Worker returns the owning worker index for a key under n partitions.
func Worker(k Key, n int) int {
	if n <= 0 {
		return 0
	}
	return int(Hash(k) % uint32(n))
}
