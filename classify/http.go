// Package classify adapts the request/response detection logic used
// elsewhere in this codebase's HTTP and TLS client-hello parsers into the
// collab.ParserFactory contract: look at the first bytes of a direction and
// decide accept/reject/need-more-data. Per the core's scope boundary, these
// are example collaborators exercising the chain, not a byte-accurate
// protocol implementation — full request/response reconstruction belongs to
// the indexer, not the reassembly core.
package classify

import (
	"strconv"

	"github.com/shardwire/flowcap/collab"
	"github.com/shardwire/flowcap/memview"
)

const (
	minSupportedHTTPMethodLength = 3 // len(`GET`)
	maxSupportedHTTPMethodLength = 7 // len(`CONNECT`)
	maxHTTPRequestURILength      = 4000
	maxHTTPReasonPhraseLength    = 512
	minHTTPResponseStatusLineLength = 12 // len(`HTTP/1.1 200`)
)

var supportedHTTPMethods = []string{
	"GET", "POST", "DELETE", "HEAD", "PUT", "PATCH", "CONNECT", "OPTIONS", "TRACE",
}

// httpRequestFactory recognizes the start of an HTTP/1.x request line.
type httpRequestFactory struct{}

// NewHTTPRequestFactory returns a factory that accepts TCP streams
// beginning with an HTTP/1.x request line.
func NewHTTPRequestFactory() collab.ParserFactory { return httpRequestFactory{} }

func (httpRequestFactory) Accepts(data []byte, isClient bool) (collab.ParseDecision, int) {
	if !isClient {
		return collab.Reject, 0
	}
	mv := memview.New(data)
	if mv.Len() < minSupportedHTTPMethodLength {
		return collab.NeedMoreData, 0
	}

	for _, m := range supportedHTTPMethods {
		start := mv.Index(0, []byte(m))
		if start < 0 {
			continue
		}
		switch hasValidHTTPRequestLine(mv.SubView(start+int64(len(m)), mv.Len())) {
		case collab.Accept:
			return collab.Accept, int(start)
		case collab.NeedMoreData:
			return collab.NeedMoreData, int(start)
		}
	}
	if mv.Len() < maxSupportedHTTPMethodLength {
		return collab.NeedMoreData, 0
	}
	return collab.Reject, int(mv.Len())
}

func (httpRequestFactory) CreateParser(sessionID string) collab.Parser {
	return &httpBodyParser{sessionID: sessionID}
}

// httpResponseFactory recognizes the start of an HTTP/1.x response status
// line.
type httpResponseFactory struct{}

// NewHTTPResponseFactory returns a factory that accepts TCP streams
// beginning with an HTTP/1.x status line.
func NewHTTPResponseFactory() collab.ParserFactory { return httpResponseFactory{} }

func (httpResponseFactory) Accepts(data []byte, isClient bool) (collab.ParseDecision, int) {
	if isClient {
		return collab.Reject, 0
	}
	mv := memview.New(data)
	if mv.Len() < minHTTPResponseStatusLineLength {
		return collab.NeedMoreData, 0
	}

	for _, v := range []string{"HTTP/1.1", "HTTP/1.0"} {
		start := mv.Index(0, []byte(v))
		if start < 0 {
			continue
		}
		switch hasValidHTTPResponseStatusLine(mv.SubView(start+int64(len(v)), mv.Len())) {
		case collab.Accept:
			return collab.Accept, int(start)
		case collab.NeedMoreData:
			return collab.NeedMoreData, int(start)
		}
	}
	return collab.Reject, int(mv.Len())
}

func (httpResponseFactory) CreateParser(sessionID string) collab.Parser {
	return &httpBodyParser{sessionID: sessionID}
}

// hasValidHTTPRequestLine checks for a request line per RFC 2616 §5,
// starting right after the HTTP method.
func hasValidHTTPRequestLine(input memview.MemView) collab.ParseDecision {
	if input.Len() == 0 {
		return collab.NeedMoreData
	}
	if input.GetByte(0) != ' ' {
		return collab.Reject
	}

	nextSP := input.Index(1, []byte(" "))
	if nextSP < 0 {
		if input.Len()-1 > maxHTTPRequestURILength {
			return collab.Reject
		}
		return collab.NeedMoreData
	} else if nextSP == 1 {
		return collab.Reject
	}

	tail := input.SubView(nextSP+1, input.Len())
	if tail.Len() < 10 {
		return collab.NeedMoreData
	}
	if tail.Index(0, []byte("HTTP/1.1\r\n")) == 0 || tail.Index(0, []byte("HTTP/1.0\r\n")) == 0 {
		return collab.Accept
	}
	return collab.Reject
}

// hasValidHTTPResponseStatusLine checks for a status line per RFC 2616
// §6.1, starting right after the HTTP version.
func hasValidHTTPResponseStatusLine(input memview.MemView) collab.ParseDecision {
	if input.Len() < 5 {
		return collab.NeedMoreData
	}
	if input.GetByte(0) != ' ' || input.GetByte(4) != ' ' {
		return collab.Reject
	}
	if !isASCIIDigit(input.GetByte(1)) || !isASCIIDigit(input.GetByte(2)) || !isASCIIDigit(input.GetByte(3)) {
		return collab.Reject
	}
	if input.Index(0, []byte("\r\n")) < 0 {
		if input.Len()-4 > maxHTTPReasonPhraseLength {
			return collab.Reject
		}
		return collab.NeedMoreData
	}
	return collab.Accept
}

func isASCIIDigit(b byte) bool {
	return '0' <= b && b <= '9'
}

// httpBodyParser consumes one HTTP message: its headers plus a
// Content-Length body, which may span several delivered chunks. Without a
// Content-Length only the headers are consumed. Once the message is done it
// consumes nothing more. It does not reconstruct chunked transfer encoding;
// that belongs to a richer downstream consumer, not this core.
type httpBodyParser struct {
	sessionID      string
	sawHeaders     bool
	contentLength  int
	bodyConsumed   int
}

func (p *httpBodyParser) Parse(dir int, data []byte) int {
	mv := memview.New(data)
	if !p.sawHeaders {
		end := mv.Index(0, []byte("\r\n\r\n"))
		if end < 0 {
			return 0
		}
		headerEnd := end + 4
		p.contentLength = extractContentLength(data[:headerEnd])
		p.sawHeaders = true
		remaining := len(data) - int(headerEnd)
		if p.contentLength <= 0 {
			return int(headerEnd)
		}
		take := p.contentLength
		if take > remaining {
			take = remaining
		}
		p.bodyConsumed += take
		return int(headerEnd) + take
	}

	remaining := p.contentLength - p.bodyConsumed
	if remaining <= 0 {
		return 0
	}
	take := remaining
	if take > len(data) {
		take = len(data)
	}
	p.bodyConsumed += take
	return take
}

func extractContentLength(header []byte) int {
	const key = "Content-Length:"
	mv := memview.New(header)
	idx := mv.Index(0, []byte(key))
	if idx < 0 {
		return -1
	}
	start := idx + int64(len(key))
	end := mv.Index(start, []byte("\r\n"))
	if end < 0 {
		return -1
	}
	valueBytes := header[start:end]
	trimmed := trimSpaces(valueBytes)
	n, err := strconv.Atoi(string(trimmed))
	if err != nil {
		return -1
	}
	return n
}

func trimSpaces(b []byte) []byte {
	for len(b) > 0 && b[0] == ' ' {
		b = b[1:]
	}
	for len(b) > 0 && b[len(b)-1] == ' ' {
		b = b[:len(b)-1]
	}
	return b
}
