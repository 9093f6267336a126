// Package session defines the per-flow record the worker loop and the TCP
// reassembler operate on, plus a minimal in-memory session table so the
// rest of the core is runnable without a production session store.
package session

import (
	"sync"
	"time"

	"github.com/shardwire/flowcap/collab"
	"github.com/shardwire/flowcap/flowid"
	"github.com/shardwire/flowcap/flowkey"
	"github.com/shardwire/flowcap/sets"
)

// TCPState is the per-direction half-close state of a TCP session.
type TCPState uint8

const (
	Open TCPState = iota
	Fin
	FinAck
)

// Segment is one buffered, not-yet-delivered TCP payload. It lives in a
// per-session doubly linked list ordered per the reassembler's insertion
// rule; Prev/Next are nil at the list ends.
type Segment struct {
	Seq        uint32
	Ack        uint32
	Len        uint32
	Dir        int
	Data       []byte // owned copy of the payload bytes, offset already applied
	Prev, Next *Segment
}

// Session is the full per-flow record. Exactly one worker thread accesses a
// given Session for its lifetime; no field needs its own lock.
type Session struct {
	ID        flowid.SessionID
	Key       flowkey.Key
	Kind      collab.SessionKind
	Thread    int

	// Endpoint1/Endpoint2 are fixed at creation time; direction is derived
	// by comparing a frame's (src,dst) against this ordering, never against
	// Key (which is unordered for hashing purposes only).
	Endpoint1, Endpoint2 flowkey.Endpoint

	TOS uint8

	Packets        [2]uint64
	Bytes          [2]uint64
	DataBytes      [2]uint64
	TotalDataBytes [2]uint64
	Consumed       [2]uint64

	FirstBytes    [2][8]byte
	FirstBytesLen [2]int

	HaveTCPSession bool
	TCPSeq         [2]uint32
	TCPState       [2]TCPState
	TCPFlags       uint8
	TCPHead        *Segment
	TCPTail        *Segment
	TCPDataLen     int
	StopSPI        bool
	StopTCP        bool
	ClosingQ       bool

	// WriteQueued is set the first time this session is enqueued onto its
	// owning thread's TCP write queue (on SYN), so it is only enqueued once.
	WriteQueued bool

	Parsers [2][]collab.Parser
	// classified[dir] is true once ClassifyTCP/ClassifyUDP has fired for
	// that direction, matching the "once, when totalDatabytes==consumed"
	// trigger condition.
	Classified [2]bool

	FirstSeen, LastSeen time.Time
	SaveTime            time.Time
	StopSaving          int // 0 = unlimited; else stop once Packets[0]+Packets[1] reaches this

	FileNumArray []int32
	FilePosArray []int64
	FileLenArray []int64
	lastFileNum  int32
	haveFile     bool

	VLANs sets.OrderedSet[uint16]
	MACSrc, MACDst [6]byte
	HaveMAC bool

	Tags []string
}

// AddVLANs records VLAN ids seen on a frame, deduplicated.
func (s *Session) AddVLANs(ids ...uint16) {
	if s.VLANs == nil {
		s.VLANs = sets.NewOrderedSet[uint16]()
	}
	s.VLANs.Insert(ids...)
}

// New creates a fresh Session for key, owned by thread.
func New(kind collab.SessionKind, key flowkey.Key, thread int, now time.Time) *Session {
	return &Session{
		ID:        flowid.NewSessionID(),
		Key:       key,
		Kind:      kind,
		Thread:    thread,
		FirstSeen: now,
		LastSeen:  now,
	}
}

// SessionID returns the session's loggable reference id as a string, the
// narrow surface a collaborator can type-assert for without importing this
// package (session is carried as interface{} across the collab boundary).
func (s *Session) SessionID() string { return s.ID.String() }

// AddTag appends tag if not already present.
func (s *Session) AddTag(tag string) {
	for _, t := range s.Tags {
		if t == tag {
			return
		}
	}
	s.Tags = append(s.Tags, tag)
}

// AppendWriterRecord records a persisted frame's location, inserting the
// rotation sentinel entry whenever the writer moves to a new file number.
func (s *Session) AppendWriterRecord(fileNum int32, filePos int64, length int64) {
	if !s.haveFile || fileNum != s.lastFileNum {
		s.FilePosArray = append(s.FilePosArray, int64(-fileNum))
		s.FileLenArray = append(s.FileLenArray, 0)
		s.FileNumArray = append(s.FileNumArray, fileNum)
		s.lastFileNum = fileNum
		s.haveFile = true
	}
	s.FilePosArray = append(s.FilePosArray, filePos)
	s.FileLenArray = append(s.FileLenArray, length)
}

// AddFirstBytes fills FirstBytes[dir] up to the 8-byte floor; once full it
// is never modified again.
func (s *Session) AddFirstBytes(dir int, data []byte) {
	n := s.FirstBytesLen[dir]
	if n >= 8 {
		return
	}
	room := 8 - n
	if len(data) < room {
		room = len(data)
	}
	copy(s.FirstBytes[dir][n:], data[:room])
	s.FirstBytesLen[dir] = n + room
}

// Table is a minimal in-memory implementation of collab.SessionTable with
// no expiry policy of its own; production deployments are expected to
// supply a richer implementation that also handles session aging.
type Table struct {
	mu       sync.Mutex
	sessions map[flowkey.Key]*Session
	commands map[int][]collab.Command
}

var _ collab.SessionTable = (*Table)(nil)

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{
		sessions: make(map[flowkey.Key]*Session),
		commands: make(map[int][]collab.Command),
	}
}

// FindOrCreate implements collab.SessionTable.
func (t *Table) FindOrCreate(kind collab.SessionKind, key flowkey.Key, now time.Time) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[key]; ok {
		return s, false
	}
	// Thread is a placeholder: the table has no knowledge of the engine's
	// partition count, so the caller overwrites Session.Thread with the
	// value it used to route the packet here.
	s := New(kind, key, 0, now)
	t.sessions[key] = s
	return s, true
}

// MarkForClose implements collab.SessionTable.
func (t *Table) MarkForClose(session interface{}, kind collab.SessionKind) {
	s := session.(*Session)
	s.ClosingQ = true
}

// MidSave implements collab.SessionTable.
func (t *Table) MidSave(session interface{}, at time.Time) {
	s := session.(*Session)
	s.SaveTime = at
}

// ProcessCommands implements collab.SessionTable.
func (t *Table) ProcessCommands(thread int) int {
	t.mu.Lock()
	cmds := t.commands[thread]
	t.commands[thread] = nil
	t.mu.Unlock()

	for _, cmd := range cmds {
		cmd()
	}
	return len(cmds)
}

// Enqueue schedules cmd to run on the named worker's next ProcessCommands
// drain; used by the worker's SYN handling and by tests.
func (t *Table) Enqueue(thread int, cmd collab.Command) {
	t.mu.Lock()
	t.commands[thread] = append(t.commands[thread], cmd)
	t.mu.Unlock()
}

// Remove deletes a session from the table, e.g. once fully closed.
func (t *Table) Remove(key flowkey.Key) {
	t.mu.Lock()
	delete(t.sessions, key)
	t.mu.Unlock()
}

// Len reports the number of tracked sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Sessions returns a snapshot of every tracked session, for introspection by
// an expiry sweep or by tests.
func (t *Table) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
