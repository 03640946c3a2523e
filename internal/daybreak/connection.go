package daybreak

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Sink is the boundary the engine hands finished application messages to.
// The payload slice is only valid for the duration of the call.
type Sink interface {
	OnApplicationMessage(appOpcode uint16, payload []byte)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(appOpcode uint16, payload []byte)

func (f SinkFunc) OnApplicationMessage(appOpcode uint16, payload []byte) { f(appOpcode, payload) }

// SenderFunc transmits one fully encoded datagram to the peer.
type SenderFunc func(datagram []byte)

// Status is the connection lifecycle state.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnecting
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// maxNestingDepth bounds dispatcher re-entry through Combined, AppCombined
// and completed fragments.
const maxNestingDepth = 10

// combinedLimit is the size of a Combined datagram built by the flush path.
const combinedLimit = 512

// Resend sweep caps, matching the observed client receive window.
const (
	maxResendPacketsPerSweep = 300
	maxResendBytesPerSweep   = 140 * 1024
)

// Stats are per-connection transport counters.
type Stats struct {
	SentPackets   uint64
	SentBytes     uint64
	RecvPackets   uint64
	RecvBytes     uint64
	ResentPackets uint64
	CRCDrops      uint64

	// Remote counters learned from session stat exchanges.
	SyncRemoteSentPackets uint64
	SyncRemoteRecvPackets uint64

	RollingPing time.Duration
}

// Options tune a connection. Zero values fall back to the defaults below.
type Options struct {
	CRCBytes        uint8
	EncodePasses    [2]EncodePass
	MaxPacketSize   uint32
	FragmentCeiling uint32

	// HoldSize is the byte budget of the combine hold buffer; exceeding it
	// forces a flush.
	HoldSize int

	ResendDelay    time.Duration // base added to the ping estimate
	ResendDelayMin time.Duration
	ResendDelayMax time.Duration
	ResendTimeout  time.Duration // oldest unacked packet this old closes the connection
}

// DefaultOptions are the live-server tunings.
func DefaultOptions() Options {
	return Options{
		CRCBytes:        2,
		EncodePasses:    [2]EncodePass{EncodeCompression, EncodeNone},
		MaxPacketSize:   512,
		FragmentCeiling: DefaultFragmentCeiling,
		HoldSize:        250,
		ResendDelay:     150 * time.Millisecond,
		ResendDelayMin:  300 * time.Millisecond,
		ResendDelayMax:  5 * time.Second,
		ResendTimeout:   30 * time.Second,
	}
}

func (o *Options) fillDefaults() {
	def := DefaultOptions()
	if o.MaxPacketSize == 0 {
		o.MaxPacketSize = def.MaxPacketSize
	}
	if o.FragmentCeiling == 0 {
		o.FragmentCeiling = def.FragmentCeiling
	}
	if o.HoldSize == 0 {
		o.HoldSize = def.HoldSize
	}
	if o.ResendDelay == 0 {
		o.ResendDelay = def.ResendDelay
	}
	if o.ResendDelayMin == 0 {
		o.ResendDelayMin = def.ResendDelayMin
	}
	if o.ResendDelayMax == 0 {
		o.ResendDelayMax = def.ResendDelayMax
	}
	if o.ResendTimeout == 0 {
		o.ResendTimeout = def.ResendTimeout
	}
}

// Connection is one Daybreak session. All methods must be called from a
// single goroutine; the engine holds no process-wide state and separate
// connections are fully independent.
type Connection struct {
	opts    Options
	params  Params
	status  Status
	client  bool
	streams [NumStreams]streamState

	sink Sink
	send SenderFunc

	stats       Stats
	rollingPing time.Duration

	// Combine hold buffer for small outbound packets.
	buffered    [][]byte
	bufferedLen int
	flushing    bool

	lastSend time.Time
	lastRecv time.Time
}

// NewServerConnection builds the session a server creates when a
// SessionRequest arrives from an unknown endpoint. The encode key is chosen
// here; the max packet size is the smaller of ours and the client's.
func NewServerConnection(opts Options, req SessionRequest, sink Sink, send SenderFunc) *Connection {
	opts.fillDefaults()
	maxSize := opts.MaxPacketSize
	if req.MaxPacketSize > 0 && req.MaxPacketSize < maxSize {
		maxSize = req.MaxPacketSize
	}
	c := &Connection{
		opts:   opts,
		status: StatusConnected,
		sink:   sink,
		send:   send,
		params: Params{
			ConnectCode:     req.ConnectCode,
			EncodeKey:       rand.Uint32(),
			CRCBytes:        opts.CRCBytes,
			EncodePasses:    opts.EncodePasses,
			MaxPacketSize:   maxSize,
			FragmentCeiling: opts.FragmentCeiling,
		},
		rollingPing: 500 * time.Millisecond,
		lastSend:    time.Now(),
		lastRecv:    time.Now(),
	}
	return c
}

// NewClientConnection builds a dialing session. Parameters beyond the connect
// code stay at their pre-handshake values (no CRC, no passes) until the
// SessionResponse establishes them.
func NewClientConnection(opts Options, sink Sink, send SenderFunc) *Connection {
	opts.fillDefaults()
	return &Connection{
		opts:   opts,
		status: StatusConnecting,
		client: true,
		sink:   sink,
		send:   send,
		params: Params{
			ConnectCode:     rand.Uint32(),
			MaxPacketSize:   opts.MaxPacketSize,
			FragmentCeiling: opts.FragmentCeiling,
		},
		rollingPing: 500 * time.Millisecond,
		lastSend:    time.Now(),
		lastRecv:    time.Now(),
	}
}

func (c *Connection) Status() Status { return c.status }
func (c *Connection) Params() Params { return c.params }

func (c *Connection) Stats() Stats {
	out := c.stats
	out.RollingPing = c.rollingPing
	return out
}

func (c *Connection) LastRecv() time.Time { return c.lastRecv }
func (c *Connection) LastSend() time.Time { return c.lastSend }

// SendConnect emits the client hello. Safe to call repeatedly while the
// handshake is unanswered.
func (c *Connection) SendConnect() {
	if c.status != StatusConnecting {
		return
	}
	c.sendRaw(BuildSessionRequest(c.params.ConnectCode, c.opts.MaxPacketSize))
}

// SendKeepAlive emits a keepalive datagram.
func (c *Connection) SendKeepAlive() {
	c.sendRaw(BuildKeepAlive())
}

// Close flushes held packets, notifies the peer and moves the connection to
// disconnecting. Stream state is discarded.
func (c *Connection) Close() {
	if c.status != StatusDisconnected && c.status != StatusDisconnecting {
		c.Flush()
		c.sendRaw(BuildDisconnect(c.params.ConnectCode))
	}
	c.status = StatusDisconnecting
	for i := range c.streams {
		c.streams[i].reset()
	}
}

// packetCanBeEncoded reports whether a datagram participates in CRC and the
// encode passes. Handshake datagrams never do: their parameters are what the
// handshake itself establishes.
func packetCanBeEncoded(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	if data[0] != 0 {
		return true
	}
	switch data[1] {
	case OpSessionRequest, OpSessionResponse, OpOutOfSession:
		return false
	}
	return true
}

// ProcessDatagram is the inbound entry point: one raw UDP payload, already
// demultiplexed to this connection. Errors are local to the datagram; the
// connection stays usable.
func (c *Connection) ProcessDatagram(data []byte) error {
	c.lastRecv = time.Now()
	c.stats.RecvPackets++
	c.stats.RecvBytes += uint64(len(data))

	if len(data) < headerSize {
		return ErrShortDatagram
	}
	if data[0] == 0 && (data[1] == OpKeepAlive || data[1] == OpOutboundPing) {
		return nil
	}
	if !packetCanBeEncoded(data) {
		return c.processDecoded(data, 0)
	}
	body, err := StripCRC(data, int(c.params.CRCBytes), c.params.EncodeKey)
	if err != nil {
		c.stats.CRCDrops++
		return err
	}
	decoded, err := DecodePasses(body, c.params)
	if err != nil {
		return err
	}
	return c.processDecoded(decoded, 0)
}

// processDecoded classifies one decoded datagram and routes it. depth guards
// the re-entry paths (Combined, AppCombined, completed fragments).
func (c *Connection) processDecoded(data []byte, depth int) error {
	if depth > maxNestingDepth {
		return ErrRecursionLimit
	}
	if len(data) == 0 {
		return ErrShortDatagram
	}
	if data[0] != 0 {
		return c.deliverApp(data)
	}
	if len(data) < headerSize {
		return ErrShortDatagram
	}

	opcode := data[1]
	if c.status == StatusConnecting {
		// Parameters are unknown until the handshake reply lands; anything
		// but the handshake family is ignored on purpose.
		switch opcode {
		case OpSessionRequest, OpSessionResponse, OpSessionDisconnect, OpOutOfSession:
		default:
			return ErrPreHandshakeData
		}
	}

	switch opcode {
	case OpPadding:
		// A zero opcode wraps an application payload whose first byte is 0x00.
		return c.deliverApp(data[1:])

	case OpSessionRequest:
		return c.handleSessionRequest(data)

	case OpSessionResponse:
		return c.handleSessionResponse(data)

	case OpSessionDisconnect:
		if c.status == StatusConnected || c.status == StatusDisconnecting {
			c.Flush()
			c.sendRaw(BuildDisconnect(c.params.ConnectCode))
		}
		slog.Info("session disconnect received", "connect_code", c.params.ConnectCode)
		c.status = StatusDisconnecting
		return nil

	case OpCombined:
		return c.handleCombined(data, depth)

	case OpAppCombined:
		return c.handleAppCombined(data, depth)

	case OpPacket, OpPacket2, OpPacket3, OpPacket4:
		return c.handleReliable(data, int(opcode-OpPacket), depth)

	case OpFragment, OpFragment2, OpFragment3, OpFragment4:
		return c.handleFragmentDatagram(data, int(opcode-OpFragment), depth)

	case OpAck, OpAck2, OpAck3, OpAck4:
		if len(data) < reliableHeaderSize {
			return ErrShortDatagram
		}
		c.handleAck(int(opcode-OpAck), binary.BigEndian.Uint16(data[2:4]))
		return nil

	case OpOutOfOrderAck, OpOutOfOrderAck2, OpOutOfOrderAck3, OpOutOfOrderAck4:
		if len(data) < reliableHeaderSize {
			return ErrShortDatagram
		}
		c.handleOutOfOrderAck(int(opcode-OpOutOfOrderAck), binary.BigEndian.Uint16(data[2:4]))
		return nil

	case OpSessionStatReq:
		return c.handleStatRequest(data)

	case OpSessionStatResp:
		return c.handleStatResponse(data)

	case OpKeepAlive, OpOutboundPing, OpOutOfSession:
		return nil

	default:
		// Unknown opcodes are logged and ignored, never an error.
		slog.Debug("unhandled protocol opcode", "opcode", OpcodeName(opcode), "len", len(data))
		return nil
	}
}

func (c *Connection) deliverApp(data []byte) error {
	if len(data) < 2 {
		return ErrShortDatagram
	}
	if c.status == StatusConnecting {
		return ErrPreHandshakeData
	}
	if c.sink != nil {
		c.sink.OnApplicationMessage(binary.LittleEndian.Uint16(data[:2]), data[2:])
	}
	return nil
}

func (c *Connection) handleSessionRequest(data []byte) error {
	if c.client || c.status != StatusConnected {
		return nil
	}
	req, err := ParseSessionRequest(data)
	if err != nil {
		return err
	}
	if req.ConnectCode != c.params.ConnectCode {
		return nil
	}
	// Duplicate hello; the reply may have been lost. Answer again.
	c.sendRaw(BuildSessionResponse(c.params))
	return nil
}

func (c *Connection) handleSessionResponse(data []byte) error {
	if !c.client || c.status != StatusConnecting {
		return nil
	}
	params, err := ParseSessionResponse(data)
	if err != nil {
		return err
	}
	if params.ConnectCode != c.params.ConnectCode {
		return nil
	}
	params.FragmentCeiling = c.opts.FragmentCeiling
	c.params = params
	c.status = StatusConnected
	slog.Info("session established",
		"connect_code", params.ConnectCode,
		"crc_bytes", params.CRCBytes,
		"encode_pass1", params.EncodePasses[0].String(),
		"encode_pass2", params.EncodePasses[1].String(),
		"max_packet_size", params.MaxPacketSize,
	)
	return nil
}

func (c *Connection) handleCombined(data []byte, depth int) error {
	pos := headerSize
	for pos < len(data) {
		l := int(data[pos])
		pos++
		if pos+l > len(data) {
			// Process what parsed cleanly, discard the remainder.
			slog.Debug("combined datagram truncated", "claimed", l, "remaining", len(data)-pos)
			return nil
		}
		if err := c.processDecoded(data[pos:pos+l], depth+1); err != nil {
			slog.Debug("combined sub-packet failed", "err", err)
		}
		pos += l
	}
	return nil
}

// handleAppCombined unpacks the variable-length combine form. A sub-length
// byte of 0xFF escapes to a 2-byte length; 0xFF 0xFF 0xFF escapes to a
// 4-byte length. This is the only way application packets over 255 bytes are
// combined.
func (c *Connection) handleAppCombined(data []byte, depth int) error {
	pos := headerSize
	for pos < len(data) {
		var l int
		switch {
		case data[pos] != 0xFF:
			l = int(data[pos])
			pos++
		case pos+3 > len(data):
			return ErrTruncatedSubpacket
		case data[pos+1] == 0xFF && data[pos+2] == 0xFF:
			if pos+7 > len(data) {
				return ErrTruncatedSubpacket
			}
			l = int(binary.BigEndian.Uint32(data[pos+3 : pos+7]))
			pos += 7
		default:
			l = int(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
			pos += 3
		}
		if l < 0 || pos+l > len(data) {
			return ErrTruncatedSubpacket
		}
		if err := c.processDecoded(data[pos:pos+l], depth+1); err != nil {
			slog.Debug("app-combined sub-packet failed", "err", err)
		}
		pos += l
	}
	return nil
}

func (c *Connection) handleReliable(data []byte, streamID, depth int) error {
	if len(data) < reliableHeaderSize {
		return ErrShortDatagram
	}
	seq := binary.BigEndian.Uint16(data[2:4])
	s := &c.streams[streamID]

	switch compareSequence(s.sequenceIn, seq) {
	case seqFuture:
		c.sendOutOfOrderAck(streamID, seq)
		s.park(seq, data)
		return nil
	case seqPast:
		// Duplicate or retransmit; re-ack so the peer stops resending.
		c.sendAck(streamID, s.sequenceIn-1)
		return nil
	}

	delete(s.parked, seq)
	c.sendAck(streamID, s.sequenceIn)
	s.sequenceIn++
	if err := c.processDecoded(data[reliableHeaderSize:], depth+1); err != nil {
		slog.Debug("reliable payload failed", "stream", streamID, "seq", seq, "err", err)
	}
	c.drainParked(streamID, depth)
	return nil
}

func (c *Connection) handleFragmentDatagram(data []byte, streamID, depth int) error {
	if len(data) < reliableHeaderSize {
		return ErrShortDatagram
	}
	seq := binary.BigEndian.Uint16(data[2:4])
	s := &c.streams[streamID]

	switch compareSequence(s.sequenceIn, seq) {
	case seqFuture:
		c.sendOutOfOrderAck(streamID, seq)
		s.park(seq, data)
		return nil
	case seqPast:
		c.sendAck(streamID, s.sequenceIn-1)
		return nil
	}

	delete(s.parked, seq)
	c.sendAck(streamID, s.sequenceIn)
	s.sequenceIn++
	err := c.consumeFragment(s, data, seq, depth)
	c.drainParked(streamID, depth)
	return err
}

// consumeFragment feeds one in-sequence fragment datagram into the stream's
// assembly. First fragments and continuations share the same opcodes and are
// told apart by whether an assembly is in progress.
func (c *Connection) consumeFragment(s *streamState, data []byte, seq uint16, depth int) error {
	var chunk []byte
	if s.fragment == nil {
		if len(data) < fragmentHeaderSize {
			return ErrShortDatagram
		}
		total := binary.BigEndian.Uint32(data[4:8])
		if err := s.beginFragment(seq, total, c.params.fragmentCeiling()); err != nil {
			slog.Warn("fragment rejected", "total", total, "ceiling", c.params.fragmentCeiling())
			return err
		}
		chunk = data[fragmentHeaderSize:]
	} else {
		chunk = data[reliableHeaderSize:]
	}

	assembled, done, err := s.appendFragment(chunk)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	// The assembled payload may itself be compressed, independently of the
	// per-datagram pass. 0x5a is only honored when the zlib magic follows.
	if len(assembled) > 1 && assembled[0] == markerCompressed && assembled[1] == zlibMagic {
		inflated, err := inflate(assembled[1:], int(c.params.fragmentCeiling()))
		if err != nil {
			return err
		}
		assembled = inflated
	} else if len(assembled) > 0 && assembled[0] == markerUncompressed {
		assembled = assembled[1:]
	}
	return c.processDecoded(assembled, depth+1)
}

// drainParked releases parked datagrams for a stream as long as the next
// expected sequence is present. Parked fragments go through assembly;
// everything else recurses into the dispatcher.
func (c *Connection) drainParked(streamID, depth int) {
	s := &c.streams[streamID]
	for {
		data, ok := s.parked[s.sequenceIn]
		if !ok {
			return
		}
		delete(s.parked, s.sequenceIn)
		seq := s.sequenceIn
		c.sendAck(streamID, seq)
		s.sequenceIn++

		op := data[1]
		if op >= OpFragment && op <= OpFragment4 {
			if err := c.consumeFragment(s, data, seq, depth); err != nil {
				slog.Debug("parked fragment failed", "stream", streamID, "seq", seq, "err", err)
			}
			continue
		}
		if len(data) > reliableHeaderSize {
			if err := c.processDecoded(data[reliableHeaderSize:], depth+1); err != nil {
				slog.Debug("parked payload failed", "stream", streamID, "seq", seq, "err", err)
			}
		}
	}
}

func (c *Connection) observePing(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	c.rollingPing = (c.rollingPing*2 + rtt) / 3
}

// handleAck removes every sent packet at or before seq from the ledger.
func (c *Connection) handleAck(streamID int, seq uint16) {
	now := time.Now()
	s := &c.streams[streamID]
	for sentSeq, sp := range s.sent {
		if compareSequence(seq, sentSeq) != seqFuture {
			c.observePing(now.Sub(sp.lastSent))
			delete(s.sent, sentSeq)
		}
	}
}

// handleOutOfOrderAck removes exactly one sent packet from the ledger.
func (c *Connection) handleOutOfOrderAck(streamID int, seq uint16) {
	now := time.Now()
	s := &c.streams[streamID]
	if sp, ok := s.sent[seq]; ok {
		c.observePing(now.Sub(sp.lastSent))
		delete(s.sent, seq)
	}
}

// Session stat exchange layouts, big-endian throughout:
// request: header(2) timestamp(2) deltas(5*4) packets_sent(8) packets_recv(8)
// response: header(2) timestamp(2) our_timestamp(4) client_sent(8) client_recv(8) server_sent(8) server_recv(8)
const (
	statRequestSize  = 40
	statResponseSize = 40
)

func (c *Connection) handleStatRequest(data []byte) error {
	if len(data) < statRequestSize {
		return ErrShortDatagram
	}
	remoteSent := binary.BigEndian.Uint64(data[24:32])
	remoteRecv := binary.BigEndian.Uint64(data[32:40])
	c.stats.SyncRemoteSentPackets = remoteSent
	c.stats.SyncRemoteRecvPackets = remoteRecv

	out := make([]byte, statResponseSize)
	out[1] = OpSessionStatResp
	copy(out[2:4], data[2:4]) // echo the requester's timestamp
	binary.BigEndian.PutUint32(out[4:8], uint32(time.Now().UnixMilli()))
	binary.BigEndian.PutUint64(out[8:16], remoteSent)
	binary.BigEndian.PutUint64(out[16:24], remoteRecv)
	binary.BigEndian.PutUint64(out[24:32], c.stats.SentPackets)
	binary.BigEndian.PutUint64(out[32:40], c.stats.RecvPackets)
	c.sendRaw(out)
	return nil
}

func (c *Connection) handleStatResponse(data []byte) error {
	if len(data) < statResponseSize {
		return ErrShortDatagram
	}
	c.stats.SyncRemoteSentPackets = binary.BigEndian.Uint64(data[24:32])
	c.stats.SyncRemoteRecvPackets = binary.BigEndian.Uint64(data[32:40])
	return nil
}

// ---------------------------------------------------------------------------
// Outbound path
// ---------------------------------------------------------------------------

// QueuePacket queues an application payload for transmission on a stream.
// Unreliable payloads that are too large for a single raw datagram are
// silently upgraded to reliable so they can fragment.
func (c *Connection) QueuePacket(payload []byte, stream int, reliable bool) error {
	if stream < 0 || stream >= NumStreams {
		return fmt.Errorf("daybreak: stream %d out of range", stream)
	}
	if len(payload) == 0 {
		return ErrShortDatagram
	}
	if payload[0] == 0 {
		// Ride behind a padding byte so the receiver does not mistake the
		// payload for a protocol datagram.
		wrapped := make([]byte, len(payload)+1)
		copy(wrapped[1:], payload)
		payload = wrapped
	}
	c.queueInternal(payload, stream, reliable)
	return nil
}

func (c *Connection) queueInternal(payload []byte, stream int, reliable bool) {
	if !reliable {
		if len(payload) <= 0xFF-int(c.params.CRCBytes) {
			c.bufferedSend(payload)
			return
		}
		// Too large to ride unreliable; fall through to the reliable path.
	}

	s := &c.streams[stream]
	maxRaw := int(c.params.MaxPacketSize) - int(c.params.CRCBytes) - reliableHeaderSize - 1
	if len(payload) <= maxRaw {
		pkt := make([]byte, reliableHeaderSize+len(payload))
		pkt[1] = OpPacket + byte(stream)
		binary.BigEndian.PutUint16(pkt[2:4], s.sequenceOut)
		copy(pkt[reliableHeaderSize:], payload)
		c.recordSent(s, pkt)
		c.bufferedSend(pkt)
		return
	}

	// Fragment series: the first datagram carries the declared total.
	firstChunk := int(c.params.MaxPacketSize) - int(c.params.CRCBytes) - fragmentHeaderSize - 1
	first := make([]byte, fragmentHeaderSize+firstChunk)
	first[1] = OpFragment + byte(stream)
	binary.BigEndian.PutUint16(first[2:4], s.sequenceOut)
	binary.BigEndian.PutUint32(first[4:8], uint32(len(payload)))
	copy(first[fragmentHeaderSize:], payload[:firstChunk])
	c.recordSent(s, first)
	c.bufferedSend(first)

	used := firstChunk
	for used < len(payload) {
		chunk := len(payload) - used
		if chunk > maxRaw {
			chunk = maxRaw
		}
		cont := make([]byte, reliableHeaderSize+chunk)
		cont[1] = OpFragment + byte(stream)
		binary.BigEndian.PutUint16(cont[2:4], s.sequenceOut)
		copy(cont[reliableHeaderSize:], payload[used:used+chunk])
		c.recordSent(s, cont)
		c.bufferedSend(cont)
		used += chunk
	}
}

// recordSent enters an outbound reliable datagram into the resend ledger and
// advances the stream's outgoing sequence.
func (c *Connection) recordSent(s *streamState, datagram []byte) {
	if s.sent == nil {
		s.sent = make(map[uint16]*sentPacket)
	}
	cp := make([]byte, len(datagram))
	copy(cp, datagram)
	now := time.Now()
	s.sent[s.sequenceOut] = &sentPacket{
		datagram:    cp,
		firstSent:   now,
		lastSent:    now,
		resendDelay: clampDuration(c.rollingPing*3/2+c.opts.ResendDelay, c.opts.ResendDelayMin, c.opts.ResendDelayMax),
	}
	s.sequenceOut++
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func (c *Connection) sendAck(streamID int, seq uint16) {
	ack := make([]byte, reliableHeaderSize)
	ack[1] = OpAck + byte(streamID)
	binary.BigEndian.PutUint16(ack[2:4], seq)
	c.bufferedSend(ack)
}

func (c *Connection) sendOutOfOrderAck(streamID int, seq uint16) {
	ack := make([]byte, reliableHeaderSize)
	ack[1] = OpOutOfOrderAck + byte(streamID)
	binary.BigEndian.PutUint16(ack[2:4], seq)
	c.bufferedSend(ack)
}

// bufferedSend holds small packets for combining; oversized packets and a
// full hold buffer force a flush.
func (c *Connection) bufferedSend(p []byte) {
	if len(p) > 0xFF {
		if !c.flushing {
			c.Flush()
		}
		c.sendRaw(p)
		return
	}

	rawSize := headerSize + int(c.params.CRCBytes) + c.bufferedLen + len(c.buffered) + 1 + len(p)
	if rawSize > int(c.params.MaxPacketSize) && !c.flushing {
		c.Flush()
	}

	cp := make([]byte, len(p))
	copy(cp, p)
	c.buffered = append(c.buffered, cp)
	c.bufferedLen += len(p)

	if c.bufferedLen+len(c.buffered) > c.opts.HoldSize && !c.flushing {
		c.Flush()
	}
}

// Flush drains the hold buffer. A single held packet goes out as-is; several
// are multiplexed into Combined datagrams with 1-byte sub-lengths.
func (c *Connection) Flush() {
	if c.flushing || len(c.buffered) == 0 {
		return
	}
	c.flushing = true

	for len(c.buffered) > 0 {
		if len(c.buffered) == 1 {
			c.sendRaw(c.buffered[0])
			c.buffered = c.buffered[:0]
			break
		}

		out := make([]byte, headerSize, combinedLimit)
		out[1] = OpCombined
		count := 0
		i := 0
		for i < len(c.buffered) {
			p := c.buffered[i]
			if len(out)+1+len(p) > combinedLimit {
				if count == 0 {
					// Will not fit even alone in a combined datagram.
					c.sendRaw(p)
					c.buffered = append(c.buffered[:i], c.buffered[i+1:]...)
					continue
				}
				break
			}
			out = append(out, byte(len(p)))
			out = append(out, p...)
			count++
			i++
		}
		c.buffered = c.buffered[i:]
		if count > 0 {
			c.sendRaw(out)
		}
	}

	c.buffered = nil
	c.bufferedLen = 0
	c.flushing = false
}

// sendRaw runs the encode passes and CRC trailer and hands the datagram to
// the sender.
func (c *Connection) sendRaw(data []byte) {
	c.lastSend = time.Now()
	out := data
	if packetCanBeEncoded(data) {
		out = encodePasses(data, c.params)
		if len(out) == len(data) && len(out) > 0 && &out[0] == &data[0] {
			// No pass copied; do not let the CRC append grow the caller's slice.
			out = append(make([]byte, 0, len(data)+4), data...)
		}
		out = AppendCRC(out, int(c.params.CRCBytes), c.params.EncodeKey)
	}
	c.stats.SentPackets++
	c.stats.SentBytes += uint64(len(out))
	if c.send != nil {
		c.send(out)
	}
}

// ProcessResend retransmits unacked reliable packets whose delay expired and
// reports whether the connection timed out and closed. Driven by the manager
// tick.
func (c *Connection) ProcessResend(now time.Time) bool {
	if c.status == StatusDisconnected {
		return false
	}
	packets := 0
	bytes := 0
	for i := range c.streams {
		s := &c.streams[i]
		for _, sp := range s.sent {
			if now.Sub(sp.firstSent) >= c.opts.ResendTimeout {
				slog.Warn("resend timeout, closing connection",
					"connect_code", c.params.ConnectCode,
					"age", now.Sub(sp.firstSent),
				)
				c.Close()
				return true
			}
			if packets >= maxResendPacketsPerSweep || bytes >= maxResendBytesPerSweep {
				continue
			}
			if now.Sub(sp.lastSent) < sp.resendDelay {
				continue
			}
			c.bufferedSend(sp.datagram)
			c.stats.ResentPackets++
			sp.lastSent = now
			sp.timesResent++
			sp.resendDelay = clampDuration(sp.resendDelay*2, c.opts.ResendDelayMin, c.opts.ResendDelayMax)
			packets++
			bytes += len(sp.datagram)
		}
	}
	c.Flush()
	return false
}
