package daybreak

import (
	"log/slog"
	"time"
)

type sequenceOrder int

const (
	seqCurrent sequenceOrder = iota
	seqFuture
	seqPast
)

// compareSequence classifies an incoming sequence against the expected one.
// Sequence numbers wrap modulo 65536; a difference beyond 10000 in either
// direction is treated as a wrap rather than a genuine gap.
func compareSequence(expected, actual uint16) sequenceOrder {
	diff := int(actual) - int(expected)
	if diff == 0 {
		return seqCurrent
	}
	if diff > 0 {
		if diff > 10000 {
			return seqPast
		}
		return seqFuture
	}
	if diff < -10000 {
		return seqFuture
	}
	return seqPast
}

// fragmentAssembly accumulates one multi-datagram payload. At most one exists
// per stream; it is consumed the instant it completes.
type fragmentAssembly struct {
	totalBytes    uint32
	buffer        []byte
	filledBytes   uint32
	startSequence uint16
}

// sentPacket is an outbound reliable datagram awaiting acknowledgement.
type sentPacket struct {
	datagram    []byte
	firstSent   time.Time
	lastSent    time.Time
	timesResent int
	resendDelay time.Duration
}

// streamState is one of the four independent sequencing lanes.
type streamState struct {
	sequenceIn  uint16
	sequenceOut uint16

	// fragment is the in-progress reassembly, nil when idle.
	fragment *fragmentAssembly

	// parked holds future reliable datagrams (full wire form, header included)
	// until the sequence gap before them fills.
	parked map[uint16][]byte

	// sent is the unacknowledged outbound ledger keyed by sequence.
	sent map[uint16]*sentPacket
}

func (s *streamState) park(seq uint16, datagram []byte) {
	if s.parked == nil {
		s.parked = make(map[uint16][]byte)
	}
	if _, ok := s.parked[seq]; ok {
		return
	}
	cp := make([]byte, len(datagram))
	copy(cp, datagram)
	s.parked[seq] = cp
}

// beginFragment starts a new assembly. An assembly already in progress is a
// protocol anomaly: it is abandoned, never merged with the new one.
func (s *streamState) beginFragment(seq uint16, total uint32, ceiling uint32) error {
	if s.fragment != nil {
		slog.Warn("abandoning in-progress fragment assembly",
			"start_seq", s.fragment.startSequence,
			"filled", s.fragment.filledBytes,
			"total", s.fragment.totalBytes,
		)
		s.fragment = nil
	}
	if total == 0 || total > ceiling {
		return ErrFragmentOverflow
	}
	s.fragment = &fragmentAssembly{
		totalBytes:    total,
		buffer:        make([]byte, total),
		startSequence: seq,
	}
	return nil
}

// appendFragment copies chunk into the assembly. Exceeding the declared total
// abandons the assembly. The second return value is true once the assembly is
// complete, in which case the buffer is handed back and the slot cleared.
func (s *streamState) appendFragment(chunk []byte) ([]byte, bool, error) {
	f := s.fragment
	if f == nil {
		return nil, false, ErrFragmentOverflow
	}
	if f.filledBytes+uint32(len(chunk)) > f.totalBytes {
		s.fragment = nil
		return nil, false, ErrFragmentOverflow
	}
	copy(f.buffer[f.filledBytes:], chunk)
	f.filledBytes += uint32(len(chunk))
	if f.filledBytes >= f.totalBytes {
		buf := f.buffer
		s.fragment = nil
		return buf, true, nil
	}
	return nil, false, nil
}

// reset discards all per-stream state; used at connection teardown.
func (s *streamState) reset() {
	s.fragment = nil
	s.parked = nil
	s.sent = nil
}
