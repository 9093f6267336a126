package pcapreader

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/shardwire/flowcap/config"
)

func buildFrame(t *testing.T, dstPort uint16) []byte {
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
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("1.2.3.4").To4(),
		DstIP:    net.ParseIP("5.6.7.8").To4(),
	}
	tcp := &layers.TCP{SrcPort: 1000, DstPort: layers.TCPPort(dstPort), Window: 1024, SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
	return buf.Bytes()
}

func TestShouldFilterMatchesConfiguredBPF(t *testing.T) {
	fs, err := newFilterSet(layers.LinkTypeEthernet, []config.DontSaveFilter{
		{Name: "port 80", Stop: 10},
		{Name: "port 443", Stop: 5},
	})
	require.NoError(t, err)

	require.Equal(t, 0, fs.ShouldFilter(buildFrame(t, 80)))
	require.Equal(t, 1, fs.ShouldFilter(buildFrame(t, 443)))
	require.Equal(t, -1, fs.ShouldFilter(buildFrame(t, 22)))
}

func TestNewFileReaderRejectsBadFilterExpression(t *testing.T) {
	_, err := NewFileReader("unused.pcap", "", []config.DontSaveFilter{{Name: "not a real bpf expression ((("}})
	require.Error(t, err)
}

func TestStatsZeroBeforeCapture(t *testing.T) {
	r, err := NewFileReader("unused.pcap", "", nil)
	require.NoError(t, err)
	stats, err := r.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(0), stats.Total)
	require.Equal(t, uint64(0), stats.Dropped)
}
