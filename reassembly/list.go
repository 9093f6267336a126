package reassembly

import "github.com/shardwire/flowcap/session"

func pushTail(s *session.Session, seg *session.Segment) {
	seg.Prev = s.TCPTail
	seg.Next = nil
	if s.TCPTail != nil {
		s.TCPTail.Next = seg
	} else {
		s.TCPHead = seg
	}
	s.TCPTail = seg
	s.TCPDataLen++
}

func pushHead(s *session.Session, seg *session.Segment) {
	seg.Next = s.TCPHead
	seg.Prev = nil
	if s.TCPHead != nil {
		s.TCPHead.Prev = seg
	} else {
		s.TCPTail = seg
	}
	s.TCPHead = seg
	s.TCPDataLen++
}

func addAfter(s *session.Session, after, seg *session.Segment) {
	seg.Prev = after
	seg.Next = after.Next
	if after.Next != nil {
		after.Next.Prev = seg
	} else {
		s.TCPTail = seg
	}
	after.Next = seg
	s.TCPDataLen++
}

func remove(s *session.Session, seg *session.Segment) {
	if seg.Prev != nil {
		seg.Prev.Next = seg.Next
	} else {
		s.TCPHead = seg.Next
	}
	if seg.Next != nil {
		seg.Next.Prev = seg.Prev
	} else {
		s.TCPTail = seg.Prev
	}
	seg.Prev, seg.Next = nil, nil
	s.TCPDataLen--
}

func freeAll(s *session.Session) {
	s.TCPHead = nil
	s.TCPTail = nil
	s.TCPDataLen = 0
}
