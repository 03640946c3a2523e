package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"open-daybreak/internal/config"
	"open-daybreak/internal/daybreak"
	"open-daybreak/internal/packetlog"
	"open-daybreak/internal/state"
)

type inboundMsg struct {
	appOpcode uint16
	payload   []byte
}

// conn pairs a daybreak connection with its remote endpoint. The engine is
// single-goroutine; mu serializes the read loop and the ticker over it.
type conn struct {
	endpoint *net.UDPAddr
	key      string

	mu sync.Mutex
	dc *daybreak.Connection

	// pending collects messages delivered by the sink during ProcessDatagram;
	// they are dispatched after the engine lock is released so handlers can
	// send replies without deadlocking.
	pending []inboundMsg
}

// Peer is the handler-facing view of a connection.
type Peer struct {
	c *conn
}

func (p *Peer) Endpoint() string { return p.c.key }

// Send queues an application payload toward the peer. The payload must start
// with the 2-byte little-endian app opcode.
func (p *Peer) Send(payload []byte, stream int, reliable bool) error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.c.dc.QueuePacket(payload, stream, reliable)
}

func (p *Peer) Stats() daybreak.Stats {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.c.dc.Stats()
}

type Manager struct {
	cfg   config.Config
	runID string

	log        *packetlog.Logger
	dispatcher *Dispatcher
	sessions   *state.SessionStore

	pc *net.UDPConn

	mu    sync.Mutex
	conns map[string]*conn
}

type Stats struct {
	Sessions    int
	SentPackets uint64
	RecvPackets uint64
}

func NewManager(cfg config.Config, runID string, log *packetlog.Logger, d *Dispatcher, sessions *state.SessionStore) *Manager {
	if d == nil {
		d = NewDispatcher()
	}
	if sessions == nil {
		sessions = state.NewSessionStore()
	}
	return &Manager{
		cfg:        cfg,
		runID:      runID,
		log:        log,
		dispatcher: d,
		sessions:   sessions,
		conns:      make(map[string]*conn),
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Stats{Sessions: len(m.conns)}
	for _, c := range m.conns {
		c.mu.Lock()
		s := c.dc.Stats()
		c.mu.Unlock()
		out.SentPackets += s.SentPackets
		out.RecvPackets += s.RecvPackets
	}
	return out
}

// Listen binds the UDP socket. Split from Run so callers can learn the bound
// address before serving.
func (m *Manager) Listen() error {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{Port: m.cfg.ListenPort})
	if err != nil {
		return fmt.Errorf("listen udp :%d: %w", m.cfg.ListenPort, err)
	}
	m.pc = pc
	return nil
}

// Addr returns the bound UDP address, nil before Listen.
func (m *Manager) Addr() *net.UDPAddr {
	if m.pc == nil {
		return nil
	}
	addr, _ := m.pc.LocalAddr().(*net.UDPAddr)
	return addr
}

// Run serves the socket until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.pc == nil {
		if err := m.Listen(); err != nil {
			return err
		}
	}

	if m.log != nil {
		m.log.Log(packetlog.Record{
			RunID:     m.runID,
			Timestamp: packetlog.NowTS(),
			Type:      "startup",
			Message:   fmt.Sprintf("udp manager start addr=%s tick=%s", m.pc.LocalAddr(), m.cfg.TickInterval),
		})
	}

	go func() {
		<-ctx.Done()
		_ = m.pc.Close()
	}()
	go m.tickLoop(ctx)

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := m.pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				m.closeAll()
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				m.closeAll()
				return nil
			}
			slog.Warn("udp read failed", "err", err)
			continue
		}
		m.handleDatagram(addr, buf[:n])
	}
}

func (m *Manager) handleDatagram(addr *net.UDPAddr, data []byte) {
	key := addr.String()

	m.mu.Lock()
	c, ok := m.conns[key]
	m.mu.Unlock()

	if !ok {
		m.handleUnknownEndpoint(addr, key, data)
		return
	}

	c.mu.Lock()
	err := c.dc.ProcessDatagram(data)
	status := c.dc.Status()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if err != nil {
		slog.Debug("datagram dropped", "endpoint", key, "err", err)
		if m.log != nil {
			head := data
			if len(head) > 16 {
				head = head[:16]
			}
			m.log.Log(packetlog.Record{
				RunID:     m.runID,
				Timestamp: packetlog.NowTS(),
				Type:      "drop",
				Direction: "in",
				Source:    key,
				Length:    len(data),
				Message:   fmt.Sprintf("err=%v head=%s", err, packetlog.ToHex(head)),
			})
		}
	}
	m.sessions.Touch(key, time.Now().UTC())

	peer := &Peer{c: c}
	for _, msg := range pending {
		if m.log != nil {
			m.log.Log(packetlog.Record{
				RunID:     m.runID,
				Timestamp: packetlog.NowTS(),
				Type:      "app",
				Direction: "in",
				Source:    key,
				AppOpcode: msg.appOpcode,
				Length:    len(msg.payload),
			})
		}
		m.dispatcher.dispatch(peer, msg.appOpcode, msg.payload)
	}

	if status == daybreak.StatusDisconnecting || status == daybreak.StatusDisconnected {
		m.removeConn(key, "peer disconnect")
	}
}

// handleUnknownEndpoint admits a SessionRequest and answers anything else
// with OutOfSession so a peer with a dead session can notice quickly.
func (m *Manager) handleUnknownEndpoint(addr *net.UDPAddr, key string, data []byte) {
	req, err := daybreak.ParseSessionRequest(data)
	if err != nil {
		slog.Debug("datagram from unknown endpoint", "endpoint", key, "len", len(data))
		_, _ = m.pc.WriteToUDP(daybreak.BuildOutOfSession(), addr)
		return
	}

	c := &conn{endpoint: addr, key: key}
	send := func(d []byte) {
		if _, err := m.pc.WriteToUDP(d, addr); err != nil {
			slog.Debug("udp write failed", "endpoint", key, "err", err)
		}
	}
	sink := daybreak.SinkFunc(func(appOpcode uint16, payload []byte) {
		c.pending = append(c.pending, inboundMsg{
			appOpcode: appOpcode,
			payload:   append([]byte(nil), payload...),
		})
	})
	c.dc = daybreak.NewServerConnection(m.cfg.Daybreak, req, sink, send)

	m.mu.Lock()
	m.conns[key] = c
	m.mu.Unlock()
	m.sessions.Upsert(key, req.ConnectCode, time.Now().UTC())

	slog.Info("session accepted",
		"endpoint", key,
		"connect_code", fmt.Sprintf("0x%08x", req.ConnectCode),
		"client_max_packet_size", req.MaxPacketSize,
	)
	if m.log != nil {
		m.log.Log(packetlog.Record{
			RunID:     m.runID,
			Timestamp: packetlog.NowTS(),
			Type:      "session",
			Direction: "in",
			Source:    key,
			Opcode:    daybreak.OpcodeName(data[1]),
			Length:    len(data),
		})
	}

	// Replays the request through the connection so it answers with the
	// session response.
	c.mu.Lock()
	_ = c.dc.ProcessDatagram(data)
	c.mu.Unlock()
}

func (m *Manager) tickLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.tick(now)
		}
	}
}

func (m *Manager) tick(now time.Time) {
	m.mu.Lock()
	snapshot := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		snapshot = append(snapshot, c)
	}
	m.mu.Unlock()

	for _, c := range snapshot {
		c.mu.Lock()
		closed := c.dc.ProcessResend(now)
		if !closed {
			if m.cfg.KeepAliveDelay > 0 && now.Sub(c.dc.LastSend()) >= m.cfg.KeepAliveDelay {
				c.dc.SendKeepAlive()
			}
			if m.cfg.StaleTimeout > 0 && now.Sub(c.dc.LastRecv()) >= m.cfg.StaleTimeout {
				slog.Info("session stale", "endpoint", c.key, "idle", now.Sub(c.dc.LastRecv()))
				c.dc.Close()
				closed = true
			}
			c.dc.Flush()
		}
		status := c.dc.Status()
		c.mu.Unlock()

		if closed || status == daybreak.StatusDisconnecting || status == daybreak.StatusDisconnected {
			m.removeConn(c.key, "tick close")
		}
	}
}

func (m *Manager) removeConn(key, reason string) {
	m.mu.Lock()
	_, ok := m.conns[key]
	delete(m.conns, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.sessions.Remove(key)
	slog.Info("session removed", "endpoint", key, "reason", reason)
	if m.log != nil {
		m.log.Log(packetlog.Record{
			RunID:     m.runID,
			Timestamp: packetlog.NowTS(),
			Type:      "session",
			Source:    key,
			Message:   "removed: " + reason,
		})
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	for key, c := range conns {
		c.mu.Lock()
		c.dc.Close()
		c.mu.Unlock()
		m.sessions.Remove(key)
	}
}
