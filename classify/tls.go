package classify

import (
	"github.com/shardwire/flowcap/collab"
	"github.com/shardwire/flowcap/memview"
)

const (
	// Record header (5) + handshake header (4) + client/server version (2),
	// enough to distinguish a Client/Server Hello from anything else.
	minTLSHelloLength = 11
)

var clientHelloBytes = []byte{
	0x16, 0x03, 0x01, 0x00, 0x00, // record header (length ignored below)
	0x01, 0x00, 0x00, 0x00, // Client Hello handshake header (length ignored)
	0x03, 0x03, // client version 3.3 (TLS 1.2)
}

var clientHelloMask = []byte{
	0xff, 0xff, 0xff, 0x00, 0x00,
	0xff, 0x00, 0x00, 0x00,
	0xff, 0xff,
}

var serverHelloBytes = []byte{
	0x16, 0x03, 0x03, 0x00, 0x00,
	0x02, 0x00, 0x00, 0x00,
	0x03, 0x03,
}

var serverHelloMask = []byte{
	0xff, 0xff, 0xff, 0x00, 0x00,
	0xff, 0x00, 0x00, 0x00,
	0xff, 0xff,
}

type tlsClientHelloFactory struct{}

// NewTLSClientHelloFactory returns a factory that accepts TLS 1.2/1.3
// Client Hello handshake records.
func NewTLSClientHelloFactory() collab.ParserFactory { return tlsClientHelloFactory{} }

func (tlsClientHelloFactory) Accepts(data []byte, isClient bool) (collab.ParseDecision, int) {
	if !isClient {
		return collab.Reject, 0
	}
	return matchHandshake(data, clientHelloBytes, clientHelloMask)
}

func (tlsClientHelloFactory) CreateParser(sessionID string) collab.Parser {
	return &tlsRecordParser{}
}

type tlsServerHelloFactory struct{}

// NewTLSServerHelloFactory returns a factory that accepts TLS 1.2/1.3
// Server Hello handshake records.
func NewTLSServerHelloFactory() collab.ParserFactory { return tlsServerHelloFactory{} }

func (tlsServerHelloFactory) Accepts(data []byte, isClient bool) (collab.ParseDecision, int) {
	if isClient {
		return collab.Reject, 0
	}
	return matchHandshake(data, serverHelloBytes, serverHelloMask)
}

func (tlsServerHelloFactory) CreateParser(sessionID string) collab.Parser {
	return &tlsRecordParser{}
}

func matchHandshake(data, want, mask []byte) (collab.ParseDecision, int) {
	mv := memview.New(data)
	if mv.Len() < minTLSHelloLength {
		return collab.NeedMoreData, 0
	}
	for i, expected := range want {
		if mv.GetByte(int64(i))&mask[i] != expected {
			return collab.Reject, int(mv.Len())
		}
	}
	return collab.Accept, 0
}

// tlsRecordParser consumes one TLS record at a time using the record
// header's 16-bit length field; it does not parse handshake extensions,
// which belongs to a richer downstream consumer.
type tlsRecordParser struct{}

func (*tlsRecordParser) Parse(dir int, data []byte) int {
	if len(data) < 5 {
		return 0
	}
	recordLen := int(data[3])<<8 | int(data[4])
	total := 5 + recordLen
	if total > len(data) {
		return 0
	}
	return total
}
