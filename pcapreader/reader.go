// Package pcapreader implements the capture-source half of the reader
// collaborator: reading frames from a pcap file or a live device, and
// answering the stats/don't-save-filter questions the core asks of it.
//
// Session expiry and the field-schema registry are deliberately not part of
// this package; those remain pure collab interfaces with no core-owned
// implementation.
package pcapreader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"

	"github.com/shardwire/flowcap/collab"
	"github.com/shardwire/flowcap/config"
	"github.com/shardwire/flowcap/decode"
	"github.com/shardwire/flowcap/slices"
)

// defaultSnapLen matches tcpdump's own default.
const defaultSnapLen = 262144

// Frame is one captured packet, ready for pipeline.Engine.Submit.
type Frame struct {
	LinkType  decode.LinkType
	Data      []byte
	Timestamp time.Time
}

// filterSet compiles the configured don't-save BPF expressions once, so
// ShouldFilter never recompiles or reopens a handle per call.
type filterSet struct {
	compiled []*pcap.BPF
}

func newFilterSet(linkType layers.LinkType, filters []config.DontSaveFilter) (*filterSet, error) {
	compiled, err := slices.MapWithErr(filters, func(f config.DontSaveFilter) (*pcap.BPF, error) {
		bpf, err := pcap.NewBPF(linkType, defaultSnapLen, f.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "compiling don't-save filter %q", f.Name)
		}
		return bpf, nil
	})
	if err != nil {
		return nil, err
	}
	return &filterSet{compiled: compiled}, nil
}

// ShouldFilter implements the filter half of collab.Reader.
func (fs *filterSet) ShouldFilter(raw []byte) int {
	ci := gopacket.CaptureInfo{CaptureLength: len(raw), Length: len(raw)}
	for i, bpf := range fs.compiled {
		if bpf.Matches(ci, raw) {
			return i
		}
	}
	return -1
}

// counters implements the stats half of collab.Reader. total is kept
// locally (incremented from the single capture goroutine); dropped defers
// to libpcap's own kernel-drop counter on the live handle once one exists,
// since that's the only place a true drop count is visible.
type counters struct {
	total uint64

	mu     sync.Mutex
	handle *pcap.Handle
}

func (c *counters) setHandle(h *pcap.Handle) {
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
}

func (c *counters) Stats() (collab.ReaderStats, error) {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()

	dropped := uint64(0)
	if h != nil {
		if s, err := h.Stats(); err == nil {
			dropped = uint64(s.PacketsDropped + s.PacketsIfDropped)
		}
	}
	return collab.ReaderStats{
		Total:   atomic.LoadUint64(&c.total),
		Dropped: dropped,
	}, nil
}

// FileReader streams every frame out of a pcap file once, then closes its
// output channel. Grounded on the teacher's own FileReader, generalized to
// carry a decode.LinkType and to answer collab.Reader.
type FileReader struct {
	*filterSet
	counters

	path     string
	bpfilter string
}

// NewFileReader builds a FileReader over path. bpfilter, if non-empty, is
// applied at capture time (frames that don't match are never seen at all);
// dontSave is compiled separately; the worker consults it on the first packet
// of each session direction.
func NewFileReader(path, bpfilter string, dontSave []config.DontSaveFilter) (*FileReader, error) {
	fs, err := newFilterSet(layers.LinkTypeEthernet, dontSave)
	if err != nil {
		return nil, err
	}
	return &FileReader{filterSet: fs, path: path, bpfilter: bpfilter}, nil
}

// Capture opens the file and streams its frames until exhausted or ctx is
// done.
func (r *FileReader) Capture(ctx context.Context) (<-chan Frame, error) {
	handle, err := pcap.OpenOffline(r.path)
	if err != nil {
		return nil, errors.Wrap(err, "opening capture file")
	}
	if r.bpfilter != "" {
		if err := handle.SetBPFFilter(r.bpfilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "setting ingress BPF filter")
		}
	}

	linkType := decode.LinkType(handle.LinkType())
	r.setHandle(handle)
	out := make(chan Frame, 64)

	go func() {
		defer r.setHandle(nil)
		defer handle.Close()
		defer close(out)

		source := gopacket.NewPacketSource(handle, handle.LinkType())
		for packet := range source.Packets() {
			atomic.AddUint64(&r.total, 1)
			frame := Frame{
				LinkType:  linkType,
				Data:      packet.Data(),
				Timestamp: packet.Metadata().Timestamp,
			}
			select {
			case <-ctx.Done():
				return
			case out <- frame:
			}
		}
	}()

	return out, nil
}

// LiveReader streams frames from a live interface until ctx is canceled.
// Grounded on the teacher's own DeviceReader.
type LiveReader struct {
	*filterSet
	counters

	device   string
	bpfilter string
	snaplen  int32
}

// NewLiveReader builds a LiveReader over device.
func NewLiveReader(device, bpfilter string, dontSave []config.DontSaveFilter) (*LiveReader, error) {
	fs, err := newFilterSet(layers.LinkTypeEthernet, dontSave)
	if err != nil {
		return nil, err
	}
	return &LiveReader{filterSet: fs, device: device, bpfilter: bpfilter, snaplen: defaultSnapLen}, nil
}

// Capture opens the device and streams its frames until ctx is done.
func (r *LiveReader) Capture(ctx context.Context) (<-chan Frame, error) {
	handle, err := pcap.OpenLive(r.device, r.snaplen, true, pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrap(err, "opening capture device")
	}
	if r.bpfilter != "" {
		if err := handle.SetBPFFilter(r.bpfilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "setting ingress BPF filter")
		}
	}

	linkType := decode.LinkType(handle.LinkType())
	r.setHandle(handle)
	out := make(chan Frame, 64)

	// Build the packet source before returning, so the caller can be
	// confident frames are being watched once Capture returns.
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()

	go func() {
		// Closing out first lets the consumer drain while the handle
		// teardown (which can block) runs in the background.
		defer r.setHandle(nil)
		defer handle.Close()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-packets:
				if !ok {
					return
				}
				atomic.AddUint64(&r.total, 1)
				frame := Frame{
					LinkType:  linkType,
					Data:      packet.Data(),
					Timestamp: packet.Metadata().Timestamp,
				}
				select {
				case <-ctx.Done():
					return
				case out <- frame:
				}
			}
		}
	}()

	return out, nil
}
