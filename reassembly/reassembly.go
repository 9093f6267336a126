// Package reassembly implements the per-session TCP state machine: sequence
// tracking, the bounded out-of-order segment buffer with tail-walk
// insertion, the FIN/RST/ACK lifecycle, and in-order delivery to the
// classifier/parser chain. It intentionally does not depend on
// gopacket/reassembly: the 256-segment cap, the specific tail-walk
// insertion order, and the explicit FIN_ACK lifecycle are bespoke enough
// that modeling them directly against the session record is clearer than
// adapting a general-purpose assembler.
package reassembly

import (
	"github.com/shardwire/flowcap/collab"
	"github.com/shardwire/flowcap/config"
	"github.com/shardwire/flowcap/seqnum"
	"github.com/shardwire/flowcap/session"
)

const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

// Hooks are the classify/scan collaborators the reassembler invokes while
// delivering in-order bytes. Both may be nil.
type Hooks struct {
	ClassifyTCP func(sess *session.Session, dir int, data []byte) []collab.Parser
	Yara        func(sess *session.Session, data []byte) error
}

// Process handles one just-arrived TCP segment for sess. It returns
// whether the caller may free the owning packet immediately (free=true) or
// whether ownership was transferred into the reassembly buffer
// (free=false), plus whether this call is the one that should request the
// session table close the session (closeRequested is true at most once per
// session, the first time both directions reach FIN_ACK).
func Process(sess *session.Session, dir int, seq, ack uint32, flags uint8, payload []byte) (free, closeRequested bool) {
	if sess.StopSPI || sess.StopTCP {
		return true, false
	}

	length := len(payload)

	if flags&FlagSYN != 0 {
		sess.HaveTCPSession = true
		sess.TCPSeq[dir] = seq + 1
		return true, false
	}

	if flags&FlagRST != 0 {
		if seqnum.Diff(seq, sess.TCPSeq[dir]) <= 0 {
			return true, false
		}
		sess.TCPState[dir] = session.FinAck
	}

	if flags&FlagFIN != 0 {
		sess.TCPState[dir] = session.Fin
	}

	if sess.TCPDataLen > config.MaxBufferedSegments {
		freeAll(sess)
		sess.AddTag("incomplete-tcp")
		sess.StopTCP = true
		return true, false
	}

	if flags&(FlagACK|FlagRST) != 0 {
		opp := 1 - dir
		if sess.TCPState[opp] == session.Fin {
			sess.TCPState[opp] = session.FinAck
			if sess.TCPState[dir] == session.FinAck {
				wasClosing := sess.ClosingQ
				sess.ClosingQ = true
				return true, !wasClosing
			}
		}
	}

	if length <= 0 || flags&FlagRST != 0 {
		return true, false
	}

	if seqnum.Diff(sess.TCPSeq[dir], seq+uint32(length)) <= 0 {
		return true, false
	}

	seg := &session.Segment{Seq: seq, Ack: ack, Len: uint32(length), Dir: dir, Data: payload}
	if !insert(sess, seg) {
		return true, false
	}
	return false, false
}

// insert performs the tail-walk ordered insertion described in the design
// notes: walk from the tail, comparing same-direction segments by seq and
// cross-direction segments by seq-vs-ack, so retransmits (which usually
// overlap the tail) are found in near-constant time. It reports whether seg
// was linked into the buffer; a same-direction segment with the same seq as
// a buffered one and no greater length is discarded.
func insert(sess *session.Session, seg *session.Segment) bool {
	if sess.TCPDataLen == 0 {
		pushTail(sess, seg)
		return true
	}

	for ftd := sess.TCPTail; ftd != nil; ftd = ftd.Prev {
		sameDir := seg.Dir == ftd.Dir
		var sortA, sortB uint32
		if sameDir {
			sortA, sortB = seg.Seq, ftd.Seq
		} else {
			sortA, sortB = seg.Seq, ftd.Ack
		}

		diff := seqnum.Diff(sortB, sortA)
		if diff == 0 {
			if sameDir {
				if seg.Len > ftd.Len {
					addAfter(sess, ftd, seg)
					remove(sess, ftd)
					return true
				}
				return false
			}
			if seqnum.Diff(seg.Ack, ftd.Seq) < 0 {
				addAfter(sess, ftd, seg)
				return true
			}
			continue
		}
		if diff > 0 {
			addAfter(sess, ftd, seg)
			return true
		}
	}
	pushHead(sess, seg)
	return true
}

// Deliver drains in-order bytes from the head of sess's buffer, feeding
// first-bytes sampling, the classifier (once per direction's gap closing),
// and the installed parser chain, then advances tcpSeq and frees each
// consumed segment.
func Deliver(sess *session.Session, hooks Hooks) {
	for sess.TCPHead != nil {
		h := sess.TCPHead
		dir := h.Dir

		if !seqnum.Covers(h.Seq, h.Len, sess.TCPSeq[dir]) {
			return
		}

		offset := uint32(seqnum.Diff(h.Seq, sess.TCPSeq[dir]))
		data := h.Data[offset:]

		sess.AddFirstBytes(dir, data)

		if hooks.ClassifyTCP != nil && sess.TotalDataBytes[dir] == sess.Consumed[dir] {
			parsers := hooks.ClassifyTCP(sess, dir, data)
			if len(parsers) > 0 {
				sess.Parsers[dir] = append(sess.Parsers[dir], parsers...)
			}
		}

		totalConsumed := 0
		for _, parser := range sess.Parsers[dir] {
			c := parser.Parse(dir, data[totalConsumed:])
			if c > 0 {
				totalConsumed += c
				sess.Consumed[dir] += uint64(c)
			}
			if totalConsumed >= len(data) {
				break
			}
		}

		sess.TCPSeq[dir] += uint32(len(data))
		sess.DataBytes[dir] += uint64(len(data))
		sess.TotalDataBytes[dir] += uint64(len(data))

		if hooks.Yara != nil {
			if err := hooks.Yara(sess, data); err != nil {
				// YARA failures never abort delivery; they are logged by
				// the caller-supplied hook, not surfaced here.
				_ = err
			}
		}

		remove(sess, h)
	}
}
