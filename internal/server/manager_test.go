package server

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"open-daybreak/internal/config"
	"open-daybreak/internal/daybreak"
	"open-daybreak/internal/state"
)

func testConfig() config.Config {
	return config.Config{
		ListenPort:     0,
		Daybreak:       daybreak.DefaultOptions(),
		TickInterval:   5 * time.Millisecond,
		KeepAliveDelay: time.Minute,
		StaleTimeout:   time.Minute,
	}
}

type clientRecorder struct {
	msgs []struct {
		op      uint16
		payload []byte
	}
}

func (r *clientRecorder) OnApplicationMessage(op uint16, payload []byte) {
	r.msgs = append(r.msgs, struct {
		op      uint16
		payload []byte
	}{op, append([]byte(nil), payload...)})
}

// pump reads one datagram from the socket into the client engine, returning
// false on read timeout.
func pump(t *testing.T, uc *net.UDPConn, cli *daybreak.Connection) bool {
	t.Helper()
	buf := make([]byte, 64*1024)
	_ = uc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err := uc.Read(buf)
	if err != nil {
		return false
	}
	if err := cli.ProcessDatagram(buf[:n]); err != nil {
		t.Logf("client dropped datagram: %v", err)
	}
	return true
}

func TestManagerEchoOverLoopback(t *testing.T) {
	d := NewDispatcher()
	d.Register(0x0101, func(peer *Peer, _ uint16, payload []byte) {
		reply := append([]byte{0x02, 0x01}, payload...)
		if err := peer.Send(reply, 0, true); err != nil {
			t.Errorf("peer send: %v", err)
		}
	})

	sessions := state.NewSessionStore()
	m := NewManager(testConfig(), "run-test", nil, d, sessions)
	if err := m.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	uc, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: m.Addr().Port})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer uc.Close()

	rec := &clientRecorder{}
	cli := daybreak.NewClientConnection(daybreak.DefaultOptions(), rec, func(dg []byte) {
		_, _ = uc.Write(dg)
	})

	deadline := time.Now().Add(5 * time.Second)
	cli.SendConnect()
	for cli.Status() != daybreak.StatusConnected && time.Now().Before(deadline) {
		if !pump(t, uc, cli) {
			cli.SendConnect()
		}
	}
	if cli.Status() != daybreak.StatusConnected {
		t.Fatalf("handshake did not complete")
	}
	if sessions.Count() != 1 {
		t.Fatalf("session count: got %d want 1", sessions.Count())
	}

	if err := cli.QueuePacket([]byte{0x01, 0x01, 0xaa, 0xbb}, 0, true); err != nil {
		t.Fatalf("queue: %v", err)
	}
	cli.Flush()

	for len(rec.msgs) == 0 && time.Now().Before(deadline) {
		pump(t, uc, cli)
	}
	if len(rec.msgs) == 0 {
		t.Fatalf("no echo received")
	}
	if rec.msgs[0].op != 0x0102 {
		t.Fatalf("echo opcode: got %#x want 0x0102", rec.msgs[0].op)
	}
	if !bytes.Equal(rec.msgs[0].payload, []byte{0xaa, 0xbb}) {
		t.Fatalf("echo payload: got %x", rec.msgs[0].payload)
	}
}

func TestManagerAnswersUnknownEndpointWithOutOfSession(t *testing.T) {
	m := NewManager(testConfig(), "run-test", nil, NewDispatcher(), state.NewSessionStore())
	if err := m.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	uc, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: m.Addr().Port})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer uc.Close()

	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		_, _ = uc.Write([]byte{0x42, 0x00, 1, 2, 3})
		buf := make([]byte, 256)
		_ = uc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if n, err := uc.Read(buf); err == nil {
			got = buf[:n]
		}
	}
	if got == nil {
		t.Fatalf("no reply to unknown endpoint")
	}
	if len(got) < 2 || got[0] != 0 || got[1] != daybreak.OpOutOfSession {
		t.Fatalf("reply: got %x want out-of-session", got)
	}
}
