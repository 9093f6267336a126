package harexport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardwire/flowcap/collab"
)

func TestSinkRecordsRequestAndResponse(t *testing.T) {
	sink := NewSink()

	reqFactory := sink.RequestFactory()
	reqMsg := "GET /widgets HTTP/1.1\r\nHost: example.com\r\n\r\n"
	decision, offset := reqFactory.Accepts([]byte(reqMsg), true)
	require.Equal(t, collab.Accept, decision)
	require.Equal(t, 0, offset)

	reqParser := reqFactory.CreateParser("sess-1")
	require.Equal(t, len(reqMsg), reqParser.Parse(0, []byte(reqMsg)))

	respFactory := sink.ResponseFactory()
	respMsg := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	decision, offset = respFactory.Accepts([]byte(respMsg), false)
	require.Equal(t, collab.Accept, decision)
	require.Equal(t, 0, offset)

	respParser := respFactory.CreateParser("sess-1")
	require.Equal(t, len(respMsg), respParser.Parse(1, []byte(respMsg)))

	har := sink.Export()
	require.NotNil(t, har)
	require.Len(t, har.Log.Entries, 1)
	require.Equal(t, "GET", har.Log.Entries[0].Request.Method)
	require.Equal(t, 200, har.Log.Entries[0].Response.Status)
}

func TestSinkIgnoresUnparseableMessage(t *testing.T) {
	sink := NewSink()
	p := sink.RequestFactory().CreateParser("sess-2")

	// No valid request line at all; http.ReadRequest will fail and the
	// recorder should simply drop it rather than panic.
	msg := "not a real http request\r\n\r\n"
	p.Parse(0, []byte(msg))

	har := sink.Export()
	require.Empty(t, har.Log.Entries)
}
