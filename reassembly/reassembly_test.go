package reassembly

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardwire/flowcap/session"
)

func TestHandshakeThenPayload(t *testing.T) {
	sess := blankSession()

	free, _ := Process(sess, 0, 100, 0, FlagSYN, nil) // SYN A->B
	require.True(t, free)
	require.Equal(t, uint32(101), sess.TCPSeq[0])

	free, _ = Process(sess, 1, 500, 0, FlagSYN|FlagACK, nil) // SYN+ACK B->A
	require.True(t, free)
	require.Equal(t, uint32(501), sess.TCPSeq[1])

	free, _ = Process(sess, 0, 101, 501, FlagACK, nil) // ACK, no payload
	require.True(t, free)
	require.Equal(t, 0, sess.TCPDataLen)

	payload := []byte("GET /\r\n")
	free, _ = Process(sess, 0, 101, 501, FlagPSH|FlagACK, payload)
	require.False(t, free)

	Deliver(sess, Hooks{})
	require.Equal(t, uint32(108), sess.TCPSeq[0])
	require.Equal(t, 7, sess.FirstBytesLen[0])
	require.Equal(t, "GET /\r\n", string(sess.FirstBytes[0][:7]))
	require.Equal(t, 0, sess.TCPDataLen)
}

func TestOutOfOrderThenFill(t *testing.T) {
	sess := blankSession()
	Process(sess, 0, 100, 0, FlagSYN, nil)
	Process(sess, 1, 500, 0, FlagSYN|FlagACK, nil)

	// seq=108, 5 bytes "hello"
	free, _ := Process(sess, 0, 108, 501, FlagACK, []byte("hello"))
	require.False(t, free)

	// seq=103 retransmit/stale relative to tcpSeq (still 101) — not stale yet
	// since tcpSeq[0]=101, diff(101, 103+len) requires len known; use len=5
	// so it's not entirely before 101. Use a clearly stale case instead:
	// seq=99, len=2 is entirely before tcpSeq=101.
	free, _ = Process(sess, 0, 99, 501, FlagACK, []byte("st"))
	require.True(t, free, "stale segment should be dropped immediately")

	free, _ = Process(sess, 0, 101, 501, FlagPSH|FlagACK, []byte("GET /\r\n"))
	require.False(t, free)

	Deliver(sess, Hooks{})
	require.Equal(t, uint32(113), sess.TCPSeq[0])
}

func TestDuplicateLongerWins(t *testing.T) {
	sess := blankSession()
	Process(sess, 0, 100, 0, FlagSYN, nil)
	Process(sess, 1, 500, 0, FlagSYN|FlagACK, nil)

	free, _ := Process(sess, 0, 101, 501, FlagACK, []byte("abcd"))
	require.False(t, free)
	require.Equal(t, 1, sess.TCPDataLen)

	free, _ = Process(sess, 0, 101, 501, FlagACK, []byte("abcdefg"))
	require.False(t, free)
	require.Equal(t, 1, sess.TCPDataLen)
	require.Equal(t, uint32(7), sess.TCPHead.Len)
}

func TestRSTAfterFIN(t *testing.T) {
	sess := blankSession()
	Process(sess, 0, 100, 0, FlagSYN, nil)
	Process(sess, 1, 500, 0, FlagSYN|FlagACK, nil)
	sess.TCPSeq[0] = 101
	sess.TCPSeq[1] = 501

	_, closed := Process(sess, 0, 101, 501, FlagFIN|FlagACK, nil)
	require.False(t, closed)
	require.Equal(t, session.Fin, sess.TCPState[0])

	_, closed = Process(sess, 1, 501, 102, FlagACK, nil)
	require.False(t, closed)
	require.Equal(t, session.FinAck, sess.TCPState[0])

	_, closed = Process(sess, 1, 501, 102, FlagFIN|FlagACK, nil)
	require.False(t, closed)
	require.Equal(t, session.Fin, sess.TCPState[1])

	_, closed = Process(sess, 0, 102, 502, FlagACK, nil)
	require.True(t, closed)
	require.True(t, sess.ClosingQ)

	// A second close-triggering ACK must not request close again.
	_, closed = Process(sess, 0, 102, 502, FlagACK, nil)
	require.False(t, closed)
}

func TestBufferOverflow(t *testing.T) {
	sess := blankSession()
	Process(sess, 0, 100, 0, FlagSYN, nil)
	Process(sess, 1, 500, 0, FlagSYN|FlagACK, nil)

	// Feed segments far ahead of tcpSeq so none advance delivery; seq values
	// spaced apart so each is a distinct, non-colliding out-of-order entry.
	for i := 0; i < 300; i++ {
		seq := uint32(100000 + i*16)
		Process(sess, 0, seq, 501, FlagACK, make([]byte, 8))
	}

	require.True(t, sess.StopTCP)
	require.Equal(t, 0, sess.TCPDataLen)
	require.Contains(t, sess.Tags, "incomplete-tcp")

	free, _ := Process(sess, 0, 999999, 501, FlagACK, []byte("ignored"))
	require.True(t, free, "once stopTCP is set, later segments are dropped immediately")
}

func blankSession() *session.Session {
	return &session.Session{}
}
