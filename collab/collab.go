// Package collab declares the narrow contracts the core consumes from its
// external collaborators: the capture reader, the session table, the
// persistence writer, the classifier/parser chain, the plugin dispatch, the
// YARA engine, and the self-traffic predicate. None of these are
// implemented here beyond what's needed to exercise the core in tests; the
// concrete production implementations (session table, YARA, indexer HTTP
// client, CLI/config loader) live outside this module's scope.
package collab

import (
	"time"

	"github.com/shardwire/flowcap/flowkey"
)

// ReaderStats reports the capture source's own packet/drop counters, used
// for periodic logging and the initial-drop baseline.
type ReaderStats struct {
	Total   uint64
	Dropped uint64
}

// Reader is the capture-source collaborator.
type Reader interface {
	// Stats returns the reader's live counters. An error is treated as a
	// zero-dropped reading for that cycle, never propagated further.
	Stats() (ReaderStats, error)

	// ShouldFilter returns the index of the first "don't save" BPF filter
	// that matches raw, or -1 if none match.
	ShouldFilter(raw []byte) int
}

// SessionKind tags which transport a session was created for.
type SessionKind uint8

const (
	SessionTCP SessionKind = iota
	SessionUDP
	SessionICMP
)

// Command is a session-management instruction addressed to a specific
// worker thread (e.g. an expiry sweep result). A worker drains all of its
// pending commands at the top of each loop iteration, before it waits for
// its next packet; while its queue stays empty, newly queued commands wait
// for the next packet to arrive.
type Command func()

// SessionTable is the session-table collaborator: lookup/creation,
// mid-stream commands, and session lifecycle transitions the core requests.
type SessionTable interface {
	// FindOrCreate returns the session for key (creating one if absent) and
	// whether it was newly created. The returned session is considered
	// "locked" to the calling worker for the duration of the call.
	FindOrCreate(kind SessionKind, key flowkey.Key, now time.Time) (session interface{}, isNew bool)

	// MarkForClose requests the session table retire a session once its
	// collaborators are done with it.
	MarkForClose(session interface{}, kind SessionKind)

	// MidSave notifies the table that a session has crossed maxPackets and
	// should be checkpointed without waiting for full expiry.
	MidSave(session interface{}, at time.Time)

	// ProcessCommands drains and executes any pending commands addressed to
	// thread, returning how many ran.
	ProcessCommands(thread int) int

	// Enqueue schedules cmd to run on thread's next ProcessCommands drain.
	Enqueue(thread int, cmd Command)
}

// Writer persists retained frames and returns where they landed.
type Writer interface {
	// Write appends the pcap per-packet header plus raw frame and returns
	// the file number and byte offset the record was written at.
	Write(raw []byte, capturedLen, origLen uint32, ts time.Time) (fileNum int32, filePos int64, err error)

	// QueueLength reports how many writes are outstanding, for stats.
	QueueLength() int

	// Flush pushes any buffered-but-unwritten bytes for the currently open
	// file out to storage, without closing or rotating it. Used for the
	// scheduled flush a session is queued for the moment its TCP handshake
	// opens, so a low-volume session's captured bytes don't sit unflushed
	// indefinitely.
	Flush() error
}

// ParseDecision is what a classifier/parser returns about a chunk of bytes.
type ParseDecision int

const (
	// Accept means this factory recognizes the stream and wants to own it.
	Accept ParseDecision = iota
	// Reject means this factory will never recognize this stream.
	Reject
	// NeedMoreData means the decision cannot be made yet from this prefix.
	NeedMoreData
)

// Parser consumes delivered, in-order bytes for one direction of a session.
// It reports how many of the len bytes it consumed; once the sum across
// parsers reaches len, the reassembler stops invoking the remaining chain
// for that delivery.
type Parser interface {
	Parse(dir int, data []byte) (consumed int)
}

// ParserFactory inspects the first bytes of a direction and decides whether
// to install a Parser for the rest of the stream.
type ParserFactory interface {
	Accepts(data []byte, isClient bool) (ParseDecision, int)
	CreateParser(sessionID string) Parser
}

// Classifier installs parsers for a session the first time bytes are
// delivered for either direction of a TCP stream, or once per UDP datagram
// direction.
type Classifier interface {
	ClassifyTCP(session interface{}, data []byte, dir int) []Parser
	ClassifyUDP(session interface{}, data []byte, dir int) []Parser
	InitialTag(session interface{})
}

// PluginHooks is the plugin dispatch collaborator.
type PluginHooks interface {
	NewSession(session interface{})
}

// YaraScanner scans delivered TCP bytes when enabled.
type YaraScanner interface {
	Scan(session interface{}, data []byte) error
}

// SelfTrafficPredicate answers "is this the indexer talking to itself",
// used to suppress deep inspection and persistence of the core's own
// control traffic.
type SelfTrafficPredicate func(key flowkey.Key, sessionID string) bool
