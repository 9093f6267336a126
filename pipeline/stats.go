package pipeline

import "sync/atomic"

// Stats is a snapshot of the engine's global counters, read by the periodic
// log line and by anything polling for progress.
type Stats struct {
	TotalPackets uint64
	TotalBytes   uint64
	DroppedBase  uint64
}

// counters holds the producer-side-only counters the dispatcher updates.
// They are read concurrently by the stats logger, hence atomics rather than
// the "no cross-worker synchronization" rule that applies to session state.
type counters struct {
	totalPackets uint64
	totalBytes   uint64
	droppedBase  uint64
}

func (c *counters) addPacket(n uint64) {
	atomic.AddUint64(&c.totalPackets, 1)
	atomic.AddUint64(&c.totalBytes, n)
}

func (c *counters) setDroppedBase(n uint64) {
	atomic.StoreUint64(&c.droppedBase, n)
}

func (c *counters) snapshot() Stats {
	return Stats{
		TotalPackets: atomic.LoadUint64(&c.totalPackets),
		TotalBytes:   atomic.LoadUint64(&c.totalBytes),
		DroppedBase:  atomic.LoadUint64(&c.droppedBase),
	}
}
