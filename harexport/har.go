// Package harexport is an optional downstream sink: it reuses the HTTP
// request/response sniffing rules from classify but, instead of merely
// counting consumed bytes, buffers each full message and exports the
// traffic as a HAR log via google/martian/v3/har — the format an indexer
// or analyst tool would actually want out of a capture session.
package harexport

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"
	"sync"

	martianhar "github.com/google/martian/v3/har"

	"github.com/shardwire/flowcap/classify"
	"github.com/shardwire/flowcap/collab"
)

// Sink accumulates recorded requests/responses keyed by session id and
// exports them as a single HAR document.
type Sink struct {
	mu     sync.Mutex
	logger *martianhar.Logger
}

// NewSink builds an empty Sink.
func NewSink() *Sink {
	return &Sink{logger: martianhar.NewLogger()}
}

// Export returns the HAR document accumulated so far.
func (s *Sink) Export() *martianhar.HAR {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger.Export()
}

// RequestFactory wraps classify.NewHTTPRequestFactory's sniffing rule with a
// parser that records the full request once it completes.
func (s *Sink) RequestFactory() collab.ParserFactory {
	return taggedFactory{ParserFactory: classify.NewHTTPRequestFactory(), sink: s, kind: kindRequest}
}

// ResponseFactory is the response-side counterpart of RequestFactory.
func (s *Sink) ResponseFactory() collab.ParserFactory {
	return taggedFactory{ParserFactory: classify.NewHTTPResponseFactory(), sink: s, kind: kindResponse}
}

type messageKind int

const (
	kindRequest messageKind = iota
	kindResponse
)

// taggedFactory borrows Accepts from the embedded factory (identical
// sniffing rule) and overrides CreateParser to install a recorder instead
// of classify's byte-counting parser.
type taggedFactory struct {
	collab.ParserFactory
	sink *Sink
	kind messageKind
}

func (f taggedFactory) CreateParser(sessionID string) collab.Parser {
	return &messageRecorder{sink: f.sink, sessionID: sessionID, kind: f.kind}
}

// messageRecorder buffers one HTTP message (headers + Content-Length body)
// and hands the raw bytes to net/http's own parser once complete, the same
// framing rule classify.httpBodyParser uses for byte counting.
type messageRecorder struct {
	sink      *Sink
	sessionID string
	kind      messageKind

	buf           bytes.Buffer
	sawHeaders    bool
	contentLength int
	bodyConsumed  int
	done          bool
}

func (p *messageRecorder) Parse(dir int, data []byte) int {
	if p.done {
		return 0
	}

	if !p.sawHeaders {
		idx := bytes.Index(data, []byte("\r\n\r\n"))
		if idx < 0 {
			return 0
		}
		headerEnd := idx + 4
		p.buf.Write(data[:headerEnd])
		p.contentLength = extractContentLength(data[:headerEnd])
		p.sawHeaders = true

		remaining := len(data) - headerEnd
		if p.contentLength <= 0 {
			p.finish()
			return headerEnd
		}
		take := p.contentLength
		if take > remaining {
			take = remaining
		}
		p.buf.Write(data[headerEnd : headerEnd+take])
		p.bodyConsumed += take
		if p.bodyConsumed >= p.contentLength {
			p.finish()
		}
		return headerEnd + take
	}

	remaining := p.contentLength - p.bodyConsumed
	if remaining <= 0 {
		return 0
	}
	take := remaining
	if take > len(data) {
		take = len(data)
	}
	p.buf.Write(data[:take])
	p.bodyConsumed += take
	if p.bodyConsumed >= p.contentLength {
		p.finish()
	}
	return take
}

func (p *messageRecorder) finish() {
	p.done = true
	reader := bufio.NewReader(bytes.NewReader(p.buf.Bytes()))

	p.sink.mu.Lock()
	defer p.sink.mu.Unlock()

	switch p.kind {
	case kindRequest:
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		_ = p.sink.logger.RecordRequest(p.sessionID, req)
	case kindResponse:
		resp, err := http.ReadResponse(reader, nil)
		if err != nil {
			return
		}
		_ = p.sink.logger.RecordResponse(p.sessionID, resp)
	}
}

func extractContentLength(header []byte) int {
	const key = "Content-Length:"
	idx := bytes.Index(header, []byte(key))
	if idx < 0 {
		return -1
	}
	rest := header[idx+len(key):]
	end := bytes.Index(rest, []byte("\r\n"))
	if end < 0 {
		return -1
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(rest[:end])))
	if err != nil {
		return -1
	}
	return n
}
