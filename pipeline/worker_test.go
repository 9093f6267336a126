package pipeline

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/shardwire/flowcap/config"
	"github.com/shardwire/flowcap/decode"
	"github.com/shardwire/flowcap/session"
)

type countingYara struct {
	calls int
}

func (y *countingYara) Scan(sessIface interface{}, data []byte) error {
	y.calls++
	return nil
}

// flushCountingWriter wraps fakeWriter to count Flush calls, standing in for
// the rotating capture writer in the write-queue test below.
type flushCountingWriter struct {
	fakeWriter
	flushes int
}

func (w *flushCountingWriter) Flush() error {
	w.flushes++
	return nil
}

func buildUDPFrame(t *testing.T, src, dst net.IP, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.To4(),
		DstIP:    dst.To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func submitSyncUDP(t *testing.T, e *Engine, raw []byte, ts time.Time) {
	t.Helper()
	owned := make([]byte, len(raw))
	copy(owned, raw)
	pkt, err := decode.DecodeFrame(decode.LinkEthernet, owned, ts, e.decodeOpts)
	require.NoError(t, err)
	e.processPacket(0, pkt)
}

// A UDP datagram carrying 1-8 bytes of payload must still be sampled into
// FirstBytes; the old `len(payload) > 8` threshold silently skipped it since
// decode.decodeUDP already strips the 8-byte UDP header from PayloadLen.
func TestProcessUDPSamplesShortPayload(t *testing.T) {
	classify := newRecordingClassifier()
	e, table := newTestEngine(t, classify, &fakeWriter{})

	a := net.ParseIP("1.2.3.4")
	b := net.ParseIP("5.6.7.8")
	now := time.Unix(3000, 0)

	submitSyncUDP(t, e, buildUDPFrame(t, a, b, 4000, 53, []byte("abc")), now)

	sessions := table.Sessions()
	require.Len(t, sessions, 1)
	sess := sessions[0]
	require.Equal(t, 3, sess.FirstBytesLen[0])
	require.Equal(t, "abc", string(sess.FirstBytes[0][:3]))
}

// First-bytes sampling must retry on every packet in a direction until the
// 8-byte floor is reached, not just on the second packet ever seen.
func TestProcessUDPRetriesUntilEightBytes(t *testing.T) {
	classify := newRecordingClassifier()
	e, table := newTestEngine(t, classify, &fakeWriter{})

	a := net.ParseIP("1.2.3.4")
	b := net.ParseIP("5.6.7.8")
	now := time.Unix(3100, 0)

	submitSyncUDP(t, e, buildUDPFrame(t, a, b, 4001, 53, []byte("ab")), now)
	submitSyncUDP(t, e, buildUDPFrame(t, a, b, 4001, 53, []byte("cd")), now)
	submitSyncUDP(t, e, buildUDPFrame(t, a, b, 4001, 53, []byte("efghij")), now)

	sessions := table.Sessions()
	require.Len(t, sessions, 1)
	sess := sessions[0]
	require.Equal(t, 8, sess.FirstBytesLen[0])
	require.Equal(t, "abcdefgh", string(sess.FirstBytes[0][:8]))
}

// A session's first SYN must enqueue exactly one scheduled-flush command on
// its owning thread's write queue; later packets on the same session must
// not enqueue another one.
func TestSynEnqueuesWriteQueueFlushOnce(t *testing.T) {
	classify := newRecordingClassifier()
	writer := &flushCountingWriter{}
	e, table := newTestEngine(t, classify, writer)

	a := net.ParseIP("1.2.3.4")
	b := net.ParseIP("5.6.7.8")
	now := time.Unix(3300, 0)

	submitSync(t, e, buildTCPFrame(t, a, b, 1000, 80, 100, 0, layers.TCP{SYN: true}, nil), now)

	sessions := table.Sessions()
	require.Len(t, sessions, 1)
	require.True(t, sessions[0].WriteQueued)

	require.Equal(t, 1, table.ProcessCommands(0))
	require.Equal(t, 1, writer.flushes)

	// A later SYN-ACK and data packet on the same session must not enqueue
	// a second flush command.
	submitSync(t, e, buildTCPFrame(t, b, a, 80, 1000, 500, 0, layers.TCP{SYN: true, ACK: true}, nil), now)
	submitSync(t, e, buildTCPFrame(t, a, b, 1000, 80, 101, 501, layers.TCP{ACK: true}, nil), now)

	require.Equal(t, 0, table.ProcessCommands(0))
	require.Equal(t, 1, writer.flushes)
}

func TestScanYaraGatedByEnableYara(t *testing.T) {
	classify := newRecordingClassifier()
	scanner := &countingYara{}
	table := session.NewTable()
	cfg := config.New(config.WithPacketThreads(1), config.WithYara(false))
	e, err := NewEngine(cfg, table, WithClassifier(classify), WithWriter(&fakeWriter{}), WithYaraScanner(scanner))
	require.NoError(t, err)

	a := net.ParseIP("1.2.3.4")
	b := net.ParseIP("5.6.7.8")
	now := time.Unix(3200, 0)

	submitSync(t, e, buildTCPFrame(t, a, b, 1000, 80, 100, 0, layers.TCP{SYN: true}, nil), now)
	submitSync(t, e, buildTCPFrame(t, b, a, 80, 1000, 500, 0, layers.TCP{SYN: true, ACK: true}, nil), now)
	submitSync(t, e, buildTCPFrame(t, a, b, 1000, 80, 101, 501, layers.TCP{ACK: true}, nil), now)
	submitSync(t, e, buildTCPFrame(t, a, b, 1000, 80, 101, 501, layers.TCP{PSH: true, ACK: true}, []byte("GET /\r\n")), now)

	require.Equal(t, 0, scanner.calls)
}
