package server

import "testing"

func TestDispatcherRoutesByOpcode(t *testing.T) {
	d := NewDispatcher()
	peer := &Peer{c: &conn{key: "192.0.2.10:9000"}}

	var gotOp uint16
	var gotPayload []byte
	d.Register(0x0101, func(_ *Peer, op uint16, payload []byte) {
		gotOp = op
		gotPayload = append([]byte(nil), payload...)
	})

	d.dispatch(peer, 0x0101, []byte{1, 2, 3})
	if gotOp != 0x0101 || len(gotPayload) != 3 {
		t.Fatalf("handler not invoked: op=%#x payload=%v", gotOp, gotPayload)
	}
}

func TestDispatcherFallback(t *testing.T) {
	d := NewDispatcher()
	peer := &Peer{c: &conn{key: "192.0.2.10:9000"}}

	var fallbackOp uint16
	d.SetFallback(func(_ *Peer, op uint16, _ []byte) {
		fallbackOp = op
	})
	d.Register(0x0001, func(_ *Peer, _ uint16, _ []byte) {
		t.Fatalf("wrong handler invoked")
	})

	d.dispatch(peer, 0x0909, nil)
	if fallbackOp != 0x0909 {
		t.Fatalf("fallback not invoked: %#x", fallbackOp)
	}
}

func TestDispatcherUnknownOpcodeIsDropped(t *testing.T) {
	d := NewDispatcher()
	peer := &Peer{c: &conn{key: "192.0.2.10:9000"}}
	// No handler, no fallback: must not panic.
	d.dispatch(peer, 0xffff, []byte{1})
}
