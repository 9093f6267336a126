// Package pipeline wires the ingress dispatcher, the per-worker queues, and
// the worker loop together: it is the sharded, lock-free-at-steady-state
// routing layer that guarantees exactly one goroutine ever touches a given
// session. Per the design note on sharded ownership, "one channel per
// worker, packets as owned messages" is the direct Go translation of the
// mutex+condvar queue the core is modeled on; no explicit lock is needed
// once a packet lands on its owning channel.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shardwire/flowcap/collab"
	"github.com/shardwire/flowcap/config"
	"github.com/shardwire/flowcap/decode"
	"github.com/shardwire/flowcap/flowkey"
	"github.com/shardwire/flowcap/logging"
	"github.com/shardwire/flowcap/mempool"
)

// queueDepth bounds each worker's channel. The spec models an unbounded
// FIFO; a large bounded channel is the pragmatic Go stand-in (unbounded
// growth under sustained overload is not a property worth keeping).
const queueDepth = 4096

// frameChunkBytes sizes the mempool arena so a single capture frame always
// fits in one chunk, keeping the owned copy contiguous.
const frameChunkBytes = 1 << 16

// poolChunks caps the ingress arena at a fixed, modest size independent of
// worker count: the pool is a steady-state recycling buffer, not a backlog
// store (queueDepth already bounds the backlog).
const poolChunks = 512

// Engine is the top-level wiring for the ingress dispatcher, the worker
// pool, and the stats/lifecycle surface exposed to the reader collaborator.
type Engine struct {
	cfg config.Config
	log *zap.SugaredLogger

	table   collab.SessionTable
	writer  collab.Writer
	reader  collab.Reader
	classify collab.Classifier
	plugins collab.PluginHooks
	yara    collab.YaraScanner
	self    collab.SelfTrafficPredicate

	decodeOpts decode.Options
	pool       mempool.BufferPool

	queues []chan *decode.Packet
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context

	counters counters

	packetsSinceLog uint64
	firstPacket     time.Time
	haveFirstPacket bool
}

// Option configures an Engine under construction, following the functional
// options shape used throughout this codebase.
type Option func(*Engine)

func WithWriter(w collab.Writer) Option { return func(e *Engine) { e.writer = w } }
func WithReader(r collab.Reader) Option { return func(e *Engine) { e.reader = r } }
func WithClassifier(c collab.Classifier) Option { return func(e *Engine) { e.classify = c } }
func WithPlugins(p collab.PluginHooks) Option { return func(e *Engine) { e.plugins = p } }
func WithYaraScanner(y collab.YaraScanner) Option { return func(e *Engine) { e.yara = y } }
func WithSelfTrafficPredicate(p collab.SelfTrafficPredicate) Option {
	return func(e *Engine) { e.self = p }
}
func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.log = l } }

// NewEngine builds an Engine over cfg and table, the only two mandatory
// collaborators (everything else degrades gracefully when nil).
func NewEngine(cfg config.Config, table collab.SessionTable, opts ...Option) (*Engine, error) {
	pool, err := mempool.MakeBufferPool(poolChunks*frameChunkBytes, frameChunkBytes)
	if err != nil {
		return nil, errors.Wrap(err, "building ingress buffer pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		log:    logging.New(cfg.Debug),
		table:  table,
		pool:   pool,
		ctx:    ctx,
		cancel: cancel,
		decodeOpts: decode.Options{
			EnableGRE:        cfg.EnableGRE,
			LogUnknownProtos: cfg.LogUnknownProtocols,
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	n := cfg.PacketThreads
	if n <= 0 {
		n = config.DefaultPacketThreads
	}
	e.queues = make([]chan *decode.Packet, n)
	for i := range e.queues {
		e.queues[i] = make(chan *decode.Packet, queueDepth)
	}
	return e, nil
}

// Start launches one goroutine per worker partition. Call once.
func (e *Engine) Start() {
	for i, q := range e.queues {
		e.wg.Add(1)
		go func(thread int, queue chan *decode.Packet) {
			defer e.wg.Done()
			e.workerLoop(thread, queue)
		}(i, q)
	}
}

// Submit is the reader's entry point into the core: decode, shard, enqueue.
// linkType and raw follow the pcap per-packet header/frame shape; ts is the
// capture timestamp. Rejections (malformed frame, unsupported protocol) are
// silent per the error-handling design, except unsupported link types which
// are returned so the caller can treat them as the configuration error they
// are.
func (e *Engine) Submit(linkType decode.LinkType, raw []byte, ts time.Time) error {
	owned := e.copyIntoOwnedBuffer(raw)

	pkt, err := decode.DecodeFrame(linkType, owned, ts, e.decodeOpts)
	if err != nil {
		if errors.Is(err, decode.ErrUnsupportedLinkType) {
			return err
		}
		// Malformed/unknown-protocol rejections are routine; drop the frame,
		// logging it only when LogUnknownProtocols asked decode to annotate
		// the rejection with which protocol it was.
		if e.cfg.LogUnknownProtocols {
			e.log.Infow("dropping malformed or unsupported frame", "error", err)
		}
		return nil
	}

	if !e.haveFirstPacket {
		e.haveFirstPacket = true
		e.firstPacket = ts
		if e.reader != nil {
			if stats, statErr := e.reader.Stats(); statErr == nil {
				e.counters.setDroppedBase(stats.Dropped)
			}
		}
	}

	e.counters.addPacket(uint64(len(owned)))
	e.packetsSinceLog++
	if e.cfg.LogEveryXPackets > 0 && e.packetsSinceLog >= uint64(e.cfg.LogEveryXPackets) {
		e.packetsSinceLog = 0
		e.logPeriodicStats()
	}

	thread := flowkey.Worker(pkt.Key, len(e.queues))
	select {
	case e.queues[thread] <- pkt:
	case <-e.ctx.Done():
	}
	return nil
}

func (e *Engine) copyIntoOwnedBuffer(raw []byte) []byte {
	buf := e.pool.NewBuffer()
	defer buf.Release()
	if _, err := buf.Write(raw); err != nil {
		// Pool exhaustion: fall back to a plain heap copy so ingress never
		// drops a frame solely because the arena is momentarily full.
		owned := make([]byte, len(raw))
		copy(owned, raw)
		return owned
	}
	// MemView.String() copies the chunked pool storage into an independent
	// string (and the []byte conversion below copies again), so the pool
	// chunks backing buf are no longer aliased by anything once Write
	// returns; release them back to the pool immediately instead of leaking
	// them for the life of the packet.
	return []byte(buf.Bytes().String())
}

// flushWriter runs as a queued per-thread command the moment a session's TCP
// handshake opens, so a capture file's buffered bytes reach storage on a
// schedule independent of that session's own traffic volume.
func (e *Engine) flushWriter() {
	if e.writer == nil {
		return
	}
	if err := e.writer.Flush(); err != nil {
		e.log.Warnw("scheduled capture file flush failed", "error", err)
	}
}

func (e *Engine) logPeriodicStats() {
	snap := e.counters.snapshot()
	dropped := uint64(0)
	if e.reader != nil {
		if stats, err := e.reader.Stats(); err == nil && stats.Dropped > snap.DroppedBase {
			dropped = stats.Dropped - snap.DroppedBase
		}
	}
	e.log.Infow("packet stats",
		"packets", snap.TotalPackets,
		"bytes", snap.TotalBytes,
		"dropped", dropped,
		"outstanding", e.Outstanding(),
	)
}

// Outstanding reports the total number of packets sitting in worker queues,
// the core's "packet_outstanding" surface.
func (e *Engine) Outstanding() int {
	total := 0
	for _, q := range e.queues {
		total += len(q)
	}
	return total
}

// DroppedPackets reports the reader's current drop count minus the baseline
// recorded at the first submitted packet, the core's "packet_dropped_packets"
// surface.
func (e *Engine) DroppedPackets() uint64 {
	if e.reader == nil {
		return 0
	}
	stats, err := e.reader.Stats()
	if err != nil {
		return 0
	}
	base := e.counters.snapshot().DroppedBase
	if stats.Dropped < base {
		return 0
	}
	return stats.Dropped - base
}

// Stats returns a snapshot of the global counters.
func (e *Engine) Stats() Stats {
	return e.counters.snapshot()
}

// Flush is a deliberately simple quiesce: poll every worker queue's depth
// with brief sleeps until all are empty. Main-thread only, matching the
// design note that shutdown need not be more sophisticated than this.
func (e *Engine) Flush(ctx context.Context) error {
	for {
		if e.Outstanding() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Exit stops all worker goroutines and waits for them to return; packets
// still sitting in a worker queue are not processed. It is a no-op beyond
// that, per the design note that exit has no extra behavior
// past quiescing the workers.
func (e *Engine) Exit() {
	e.cancel()
	e.wg.Wait()
}
