// Package decode strips the link layer, walks VLAN tags, and decodes
// IPv4/IPv6 (optionally recursing through GRE) to produce a Packet record
// and its flow key. Header fields are read with gopacket/layers decoders;
// this package itself only tracks the byte offsets the rest of the core
// needs, since the data model is offset-based rather than layer-object
// based.
package decode

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/shardwire/flowcap/collab"
	"github.com/shardwire/flowcap/flowkey"
)

// LinkType mirrors the handful of pcap link types this core understands.
type LinkType int

const (
	LinkNull     LinkType = 0
	LinkEthernet LinkType = 1
	LinkRaw      LinkType = 12
	LinkLinuxSLL LinkType = 113
)

// ErrReject is returned (possibly wrapped) for any frame that is routinely
// dropped rather than exceptional: truncated headers, unknown ethertypes,
// unknown IP protocols. Callers compare with errors.Is, never branch on the
// message text.
var ErrReject = errors.New("frame rejected")

// ErrUnsupportedLinkType is fatal: an unrecognized link type means the
// capture source is misconfigured, not that one frame is malformed.
var ErrUnsupportedLinkType = errors.New("unsupported link type")

// Packet is the owned record produced by a successful decode: the raw
// frame, decoded offsets, a capture timestamp, and a resolved flow key.
// Ownership is exclusive to the pipeline until a worker frees it, except
// for TCP packets retained in the reassembly buffer.
type Packet struct {
	Raw      []byte
	LinkType LinkType

	IPOffset      int
	PayloadOffset int
	PayloadLen    int
	OrigLen       int

	TimestampSec  int64
	TimestampUsec int64

	Kind collab.SessionKind
	Key  flowkey.Key
	Src  flowkey.Endpoint
	Dst  flowkey.Endpoint
	TOS  uint8

	TCPSeq   uint32
	TCPAck   uint32
	TCPFlags uint8

	VLANs  []uint16
	MACSrc [6]byte
	MACDst [6]byte
	HaveMAC bool

	// GRE, when present, carries the outer IPv4 tunnel endpoints. The worker
	// does not copy them onto the session and adds no "gre" tag.
	GRE *GREInfo

	Direction     int
	WriterFileNum int32
	WriterFilePos int64
}

// GREInfo is attached when a frame was reached by recursing through a GRE
// tunnel.
type GREInfo struct {
	OuterSrc flowkey.Endpoint
	OuterDst flowkey.Endpoint
}

// Options controls optional decode behavior.
type Options struct {
	EnableGRE        bool
	LogUnknownProtos bool
}

// DecodeFrame decodes one captured frame. raw is retained by reference in
// the returned Packet (callers are expected to have already copied it into
// an owned buffer per the ingress dispatcher's contract).
func DecodeFrame(linkType LinkType, raw []byte, ts time.Time, opts Options) (*Packet, error) {
	p := &Packet{
		Raw:           raw,
		LinkType:      linkType,
		OrigLen:       len(raw),
		TimestampSec:  ts.Unix(),
		TimestampUsec: int64(ts.Nanosecond() / 1000),
	}

	switch linkType {
	case LinkNull:
		if len(raw) < 4 {
			return nil, errors.Wrap(ErrReject, "truncated null link header")
		}
		return p, decodeIPv4(p, raw, 4, opts)

	case LinkEthernet:
		return p, decodeEthernet(p, raw, opts)

	case LinkRaw, LinkLinuxSLL:
		return p, decodeIPv4(p, raw, 0, opts)

	default:
		return nil, errors.Wrapf(ErrUnsupportedLinkType, "link type %d", linkType)
	}
}

func decodeEthernet(p *Packet, raw []byte, opts Options) error {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return errors.Wrap(ErrReject, "truncated ethernet header")
	}
	copy(p.MACSrc[:], eth.SrcMAC)
	copy(p.MACDst[:], eth.DstMAC)
	p.HaveMAC = true

	offset := 14
	ethertype := eth.EthernetType

	for ethertype == layers.EthernetTypeDot1Q {
		if len(raw) < offset+4 {
			return errors.Wrap(ErrReject, "truncated vlan tag")
		}
		var dot1q layers.Dot1Q
		if err := dot1q.DecodeFromBytes(raw[offset:], gopacket.NilDecodeFeedback); err != nil {
			return errors.Wrap(ErrReject, "malformed vlan tag")
		}
		p.VLANs = append(p.VLANs, dot1q.VLANIdentifier)
		ethertype = dot1q.Type
		offset += 4
	}

	switch ethertype {
	case layers.EthernetTypeIPv4:
		return decodeIPv4(p, raw, offset, opts)
	case layers.EthernetTypeIPv6:
		return decodeIPv6(p, raw, offset, opts)
	default:
		if opts.LogUnknownProtos {
			return errors.Wrapf(ErrReject, "unknown ethertype 0x%04x", uint16(ethertype))
		}
		return ErrReject
	}
}

func decodeIPv4(p *Packet, raw []byte, offset int, opts Options) error {
	if len(raw) < offset+20 {
		return errors.Wrap(ErrReject, "truncated ipv4 header")
	}
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(raw[offset:], gopacket.NilDecodeFeedback); err != nil {
		return errors.Wrap(ErrReject, "malformed ipv4 header")
	}

	ihl := int(ip.IHL) * 4
	if ihl < 20 || len(raw)-offset < ihl || len(raw)-offset < int(ip.Length) {
		return errors.Wrap(ErrReject, "inconsistent ipv4 length fields")
	}

	p.IPOffset = offset
	payloadOffset := offset + ihl
	payloadLen := int(ip.Length) - ihl
	if payloadLen < 0 {
		return errors.Wrap(ErrReject, "negative ipv4 payload length")
	}
	p.PayloadOffset = payloadOffset
	p.PayloadLen = payloadLen
	p.TOS = ip.TOS

	srcEP := flowkey.ToEndpoint(ip.SrcIP, 0)
	dstEP := flowkey.ToEndpoint(ip.DstIP, 0)

	switch ip.Protocol {
	case layers.IPProtocolTCP:
		return decodeTCP(p, raw, payloadOffset, payloadLen, srcEP, dstEP)
	case layers.IPProtocolUDP:
		return decodeUDP(p, raw, payloadOffset, payloadLen, srcEP, dstEP)
	case layers.IPProtocolICMPv4:
		p.Kind = collab.SessionICMP
		p.Src, p.Dst = srcEP, dstEP
		p.Key = flowkey.New(srcEP, dstEP, flowkey.ICMP)
		return nil
	case layers.IPProtocolGRE:
		if !opts.EnableGRE {
			return ErrReject
		}
		return decodeGRE(p, raw, payloadOffset, payloadLen, srcEP, dstEP, opts)
	default:
		if opts.LogUnknownProtos {
			return errors.Wrapf(ErrReject, "unknown ip protocol %d", ip.Protocol)
		}
		return ErrReject
	}
}

func decodeIPv6(p *Packet, raw []byte, offset int, opts Options) error {
	if len(raw) < offset+40 {
		return errors.Wrap(ErrReject, "truncated ipv6 header")
	}
	var ip layers.IPv6
	if err := ip.DecodeFromBytes(raw[offset:], gopacket.NilDecodeFeedback); err != nil {
		return errors.Wrap(ErrReject, "malformed ipv6 header")
	}

	payloadOffset := offset + 40
	payloadLen := int(ip.Length)
	if len(raw)-payloadOffset < payloadLen {
		return errors.Wrap(ErrReject, "inconsistent ipv6 length field")
	}

	p.IPOffset = offset
	p.PayloadOffset = payloadOffset
	p.PayloadLen = payloadLen
	// Resolved per the ip_tos open question: the v6 traffic class, not a
	// reread of the (wrong-family) IPv4 header.
	p.TOS = ip.TrafficClass

	srcEP := flowkey.ToEndpoint(ip.SrcIP, 0)
	dstEP := flowkey.ToEndpoint(ip.DstIP, 0)

	switch ip.NextHeader {
	case layers.IPProtocolTCP:
		return decodeTCP(p, raw, payloadOffset, payloadLen, srcEP, dstEP)
	case layers.IPProtocolUDP:
		return decodeUDP(p, raw, payloadOffset, payloadLen, srcEP, dstEP)
	case layers.IPProtocolICMPv6:
		p.Kind = collab.SessionICMP
		p.Src, p.Dst = srcEP, dstEP
		p.Key = flowkey.New(srcEP, dstEP, flowkey.ICMP)
		return nil
	default:
		if opts.LogUnknownProtos {
			return errors.Wrapf(ErrReject, "unknown ipv6 next header %d", ip.NextHeader)
		}
		return ErrReject
	}
}

func decodeTCP(p *Packet, raw []byte, offset, payloadLen int, src, dst flowkey.Endpoint) error {
	if payloadLen < 20 {
		return errors.Wrap(ErrReject, "truncated tcp header")
	}
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(raw[offset:offset+payloadLen], gopacket.NilDecodeFeedback); err != nil {
		return errors.Wrap(ErrReject, "malformed tcp header")
	}
	dataOffset := int(tcp.DataOffset) * 4
	if dataOffset < 20 || payloadLen < dataOffset {
		return errors.Wrap(ErrReject, "inconsistent tcp data offset")
	}

	src.Port = uint16(tcp.SrcPort)
	dst.Port = uint16(tcp.DstPort)

	p.Kind = collab.SessionTCP
	p.Src, p.Dst = src, dst
	p.Key = flowkey.New(src, dst, flowkey.TCP)
	p.PayloadOffset = offset + dataOffset
	p.PayloadLen = payloadLen - dataOffset
	p.TCPSeq = tcp.Seq
	p.TCPAck = tcp.Ack
	p.TCPFlags = tcpFlagByte(tcp)
	return nil
}

func tcpFlagByte(tcp layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= 0x01
	}
	if tcp.SYN {
		f |= 0x02
	}
	if tcp.RST {
		f |= 0x04
	}
	if tcp.PSH {
		f |= 0x08
	}
	if tcp.ACK {
		f |= 0x10
	}
	if tcp.URG {
		f |= 0x20
	}
	return f
}

func decodeUDP(p *Packet, raw []byte, offset, payloadLen int, src, dst flowkey.Endpoint) error {
	if payloadLen < 8 {
		return errors.Wrap(ErrReject, "truncated udp header")
	}
	var udp layers.UDP
	if err := udp.DecodeFromBytes(raw[offset:offset+payloadLen], gopacket.NilDecodeFeedback); err != nil {
		return errors.Wrap(ErrReject, "malformed udp header")
	}

	src.Port = uint16(udp.SrcPort)
	dst.Port = uint16(udp.DstPort)

	p.Kind = collab.SessionUDP
	p.Src, p.Dst = src, dst
	p.Key = flowkey.New(src, dst, flowkey.UDP)
	p.PayloadOffset = offset + 8
	p.PayloadLen = payloadLen - 8
	return nil
}

func decodeGRE(p *Packet, raw []byte, offset, payloadLen int, outerSrc, outerDst flowkey.Endpoint, opts Options) error {
	if payloadLen < 4 {
		return errors.Wrap(ErrReject, "truncated gre header")
	}
	var gre layers.GRE
	if err := gre.DecodeFromBytes(raw[offset:offset+payloadLen], gopacket.NilDecodeFeedback); err != nil {
		return errors.Wrap(ErrReject, "malformed gre header")
	}
	innerOffset := offset + len(raw[offset:offset+payloadLen]) - len(gre.LayerPayload())

	if err := decodeIPv4(p, raw, innerOffset, opts); err != nil {
		return err
	}
	p.GRE = &GREInfo{OuterSrc: outerSrc, OuterDst: outerDst}
	return nil
}
