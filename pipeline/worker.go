package pipeline

import (
	"time"

	"github.com/shardwire/flowcap/collab"
	"github.com/shardwire/flowcap/decode"
	"github.com/shardwire/flowcap/reassembly"
	"github.com/shardwire/flowcap/session"
	"github.com/shardwire/flowcap/slices"
)

// workerLoop services one partition's queue until the engine exits. Each
// iteration first drains every pending session-management command for this
// thread, then blocks until a packet arrives and processes it, so commands
// never wait behind more than one packet. The loop has no wake-up of its
// own: while the queue stays empty, commands enqueued in the meantime wait
// for the next packet.
func (e *Engine) workerLoop(thread int, queue chan *decode.Packet) {
	for {
		e.table.ProcessCommands(thread)

		select {
		case pkt, ok := <-queue:
			if !ok {
				return
			}
			e.processPacket(thread, pkt)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) processPacket(thread int, pkt *decode.Packet) {
	now := time.Unix(pkt.TimestampSec, pkt.TimestampUsec*1000)

	sessObj, isNew := e.table.FindOrCreate(pkt.Kind, pkt.Key, now)
	sess := sessObj.(*session.Session)
	// The table has no knowledge of the engine's partition count; the
	// worker that actually owns this packet's hash is authoritative.
	sess.Thread = thread
	sess.LastSeen = now

	if isNew {
		e.setupNewSession(sess, pkt, now)
	}

	dir := direction(sess, pkt)

	sess.Packets[dir]++
	sess.Bytes[dir] += uint64(pkt.OrigLen)
	switch pkt.Kind {
	case collab.SessionTCP:
		sess.TCPFlags |= pkt.TCPFlags
	case collab.SessionUDP:
		sess.DataBytes[dir] += uint64(pkt.PayloadLen)
	}

	if sess.Packets[dir] == 1 && sess.StopSaving == 0 && len(e.cfg.DontSaveBPFs) > 0 && e.reader != nil {
		if idx := e.reader.ShouldFilter(pkt.Raw); idx >= 0 && idx < len(e.cfg.DontSaveBPFs) {
			sess.StopSaving = e.cfg.DontSaveBPFs[idx].Stop
		}
	}

	e.persist(sess, pkt, now)
	e.extractLinkLayer(sess, pkt, dir)

	var free bool
	switch pkt.Kind {
	case collab.SessionTCP:
		free = e.processTCP(sess, pkt, dir)
	case collab.SessionUDP:
		free = e.processUDP(sess, pkt, dir)
	default:
		free = e.processICMP(sess, pkt, dir)
	}
	_ = free // packets are GC-owned in Go; retention is implicit via Segment.Data
}

func (e *Engine) setupNewSession(sess *session.Session, pkt *decode.Packet, now time.Time) {
	sess.SaveTime = now.Add(e.cfg.TCPSaveTimeout)
	sess.TOS = pkt.TOS

	src, dst := pkt.Src, pkt.Dst
	if pkt.Kind == collab.SessionTCP && e.cfg.AntiSynDrop && pkt.TCPFlags&0x12 == 0x12 {
		// SYN+ACK as the first-seen packet: the real initiator's SYN was
		// missed, so treat the responder's source as endpoint 1.
		src, dst = dst, src
	}
	sess.Endpoint1, sess.Endpoint2 = src, dst

	if e.classify != nil {
		e.classify.InitialTag(sess)
	}

	if e.self != nil && e.self(pkt.Key, sess.ID.String()) {
		sess.StopSPI = true
		sess.StopSaving = 1
		if e.cfg.Debug {
			e.log.Debugw("ignoring self-traffic connection", "session", sess.ID.String())
		}
	}

	if e.plugins != nil {
		e.plugins.NewSession(sess)
	}
}

// direction reports 0 if pkt's (src,dst) matches the session's fixed
// (Endpoint1,Endpoint2) ordering established at creation, 1 otherwise.
// ICMP flows ignore ports, matching flowkey.New's canonicalization.
func direction(sess *session.Session, pkt *decode.Packet) int {
	src, dst := pkt.Src, pkt.Dst
	if pkt.Kind == collab.SessionICMP {
		src.Port, dst.Port = 0, 0
	}
	if src == sess.Endpoint1 && dst == sess.Endpoint2 {
		return 0
	}
	return 1
}

func (e *Engine) persist(sess *session.Session, pkt *decode.Packet, now time.Time) {
	if e.writer == nil {
		return
	}
	totalPackets := sess.Packets[0] + sess.Packets[1]
	if sess.StopSaving > 0 && totalPackets >= uint64(sess.StopSaving) {
		return
	}

	fileNum, filePos, err := e.writer.Write(pkt.Raw, uint32(len(pkt.Raw)), uint32(pkt.OrigLen), now)
	if err != nil {
		return
	}
	sess.AppendWriterRecord(fileNum, filePos, int64(16+len(pkt.Raw)))

	if e.cfg.MaxPackets > 0 && totalPackets >= uint64(e.cfg.MaxPackets) {
		e.table.MidSave(sess, now)
	}
}

func (e *Engine) extractLinkLayer(sess *session.Session, pkt *decode.Packet, dir int) {
	if !pkt.HaveMAC || sess.FirstBytesLen[dir] >= 8 {
		return
	}
	if dir == 0 {
		sess.MACSrc, sess.MACDst = pkt.MACSrc, pkt.MACDst
	} else {
		sess.MACSrc, sess.MACDst = pkt.MACDst, pkt.MACSrc
	}
	sess.HaveMAC = true

	// decode walks tags outermost-first as they appear on the wire; they are
	// handed over innermost-first, but Session.VLANs is a set and keeps no
	// order (its AsSlice returns the ids sorted).
	sess.AddVLANs(slices.Reverse(pkt.VLANs)...)
}

func (e *Engine) processTCP(sess *session.Session, pkt *decode.Packet, dir int) bool {
	if sess.StopSPI || sess.StopTCP {
		return true
	}

	if pkt.TCPFlags&reassembly.FlagSYN != 0 && !sess.WriteQueued {
		sess.WriteQueued = true
		e.table.Enqueue(sess.Thread, func() { e.flushWriter() })
	}

	payload := pkt.Raw[pkt.PayloadOffset : pkt.PayloadOffset+pkt.PayloadLen]
	free, closeRequested := reassembly.Process(sess, dir, pkt.TCPSeq, pkt.TCPAck, pkt.TCPFlags, payload)

	reassembly.Deliver(sess, reassembly.Hooks{
		ClassifyTCP: e.classifyTCP,
		Yara:        e.scanYara,
	})

	if closeRequested {
		e.table.MarkForClose(sess, collab.SessionTCP)
	}
	return free
}

func (e *Engine) classifyTCP(sess *session.Session, dir int, data []byte) []collab.Parser {
	if e.classify == nil || sess.Classified[dir] {
		return nil
	}
	sess.Classified[dir] = true
	return e.classify.ClassifyTCP(sess, data, dir)
}

func (e *Engine) scanYara(sess *session.Session, data []byte) error {
	if !e.cfg.EnableYara || e.yara == nil {
		return nil
	}
	return e.yara.Scan(sess, data)
}

func (e *Engine) processUDP(sess *session.Session, pkt *decode.Packet, dir int) bool {
	payload := pkt.Raw[pkt.PayloadOffset : pkt.PayloadOffset+pkt.PayloadLen]

	if len(payload) > 0 && sess.FirstBytesLen[dir] < 8 {
		sess.AddFirstBytes(dir, payload)
	}

	if !sess.StopSPI && e.classify != nil && !sess.Classified[dir] {
		sess.Classified[dir] = true
		parsers := e.classify.ClassifyUDP(sess, payload, dir)
		if len(parsers) > 0 {
			sess.Parsers[dir] = append(sess.Parsers[dir], parsers...)
		}
	}
	return true
}

func (e *Engine) processICMP(sess *session.Session, pkt *decode.Packet, dir int) bool {
	return true
}
