package server

import (
	"log/slog"
	"sync"
)

// Handler consumes one application message from a peer. The payload slice is
// only valid for the duration of the call.
type Handler func(peer *Peer, appOpcode uint16, payload []byte)

// Dispatcher routes application messages by opcode. Unregistered opcodes go
// to the fallback handler when one is set, otherwise they are logged and
// dropped.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint16]Handler
	fallback Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[uint16]Handler{}}
}

func (d *Dispatcher) Register(appOpcode uint16, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[appOpcode] = h
}

func (d *Dispatcher) SetFallback(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

func (d *Dispatcher) dispatch(peer *Peer, appOpcode uint16, payload []byte) {
	d.mu.RLock()
	h, ok := d.handlers[appOpcode]
	fallback := d.fallback
	d.mu.RUnlock()

	if ok {
		h(peer, appOpcode, payload)
		return
	}
	if fallback != nil {
		fallback(peer, appOpcode, payload)
		return
	}
	slog.Warn("no handler for app opcode",
		"app_opcode", appOpcode,
		"len", len(payload),
		"endpoint", peer.Endpoint(),
	)
}
