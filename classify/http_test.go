package classify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardwire/flowcap/collab"
)

func TestHTTPRequestFactoryAcceptsGet(t *testing.T) {
	f := NewHTTPRequestFactory()
	decision, offset := f.Accepts([]byte("GET /index.html HTTP/1.1\r\n"), true)
	require.Equal(t, collab.Accept, decision)
	require.Equal(t, 0, offset)
}

func TestHTTPRequestFactoryRejectsNonRequest(t *testing.T) {
	f := NewHTTPRequestFactory()
	decision, _ := f.Accepts([]byte("this is not http traffic at all......."), true)
	require.Equal(t, collab.Reject, decision)
}

func TestHTTPRequestFactoryRejectsServerDirection(t *testing.T) {
	f := NewHTTPRequestFactory()
	decision, _ := f.Accepts([]byte("GET / HTTP/1.1\r\n"), false)
	require.Equal(t, collab.Reject, decision)
}

func TestHTTPRequestFactoryNeedsMoreDataOnPartialLine(t *testing.T) {
	f := NewHTTPRequestFactory()
	decision, _ := f.Accepts([]byte("GET /index"), true)
	require.Equal(t, collab.NeedMoreData, decision)
}

func TestHTTPResponseFactoryAcceptsStatusLine(t *testing.T) {
	f := NewHTTPResponseFactory()
	decision, offset := f.Accepts([]byte("HTTP/1.1 200 OK\r\n"), false)
	require.Equal(t, collab.Accept, decision)
	require.Equal(t, 0, offset)
}

func TestHTTPResponseFactoryRejectsClientDirection(t *testing.T) {
	f := NewHTTPResponseFactory()
	decision, _ := f.Accepts([]byte("HTTP/1.1 200 OK\r\n"), true)
	require.Equal(t, collab.Reject, decision)
}

func TestHTTPBodyParserConsumesContentLengthBody(t *testing.T) {
	f := NewHTTPRequestFactory()
	p := f.CreateParser("sess-1")

	msg := "POST /submit HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	consumed := p.Parse(0, []byte(msg))
	require.Equal(t, len(msg), consumed)
}

func TestHTTPBodyParserSplitAcrossDeliveries(t *testing.T) {
	f := NewHTTPRequestFactory()
	p := f.CreateParser("sess-1")

	headers := "POST /submit HTTP/1.1\r\nContent-Length: 10\r\n\r\n"
	first := p.Parse(0, []byte(headers+"hello"))
	require.Equal(t, len(headers)+5, first)

	second := p.Parse(0, []byte("world"))
	require.Equal(t, 5, second)

	// Body fully consumed; a further call has nothing left to take.
	third := p.Parse(0, []byte("more"))
	require.Equal(t, 0, third)
}

func TestHTTPBodyParserNoContentLengthConsumesHeadersOnly(t *testing.T) {
	f := NewHTTPRequestFactory()
	p := f.CreateParser("sess-1")

	headers := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	consumed := p.Parse(0, []byte(headers))
	require.Equal(t, len(headers), consumed)
}
