package notification

import (
	"sync"
	"sync/atomic"
)

type transportState struct {
	transport Transport
	config    TransportConfig

	refs    atomic.Int64
	retired atomic.Bool
	drained chan struct{}
	once    sync.Once
}

func newTransportState(t Transport, cfg TransportConfig) *transportState {
	return &transportState{transport: t, config: cfg, drained: make(chan struct{})}
}

func (s *transportState) release() {
	if s.refs.Add(-1) == 0 && s.retired.Load() {
		s.once.Do(func() { close(s.drained) })
	}
}

func (s *transportState) retire() {
	s.retired.Store(true)
	if s.refs.Load() == 0 {
		s.once.Do(func() { close(s.drained) })
	}
}

// TransportHolder publishes the active transport. Swaps are atomic: a
// delivery always sees either the old or the new transport, never a mix.
//
// Callers that send through the transport hold it with Acquire. A replaced
// transport reports drained once every holder has released it, and only then
// may it be closed.
type TransportHolder struct {
	state atomic.Pointer[transportState]
}

// NewTransportHolder wraps the initial transport and the config it was built from.
func NewTransportHolder(t Transport, cfg TransportConfig) *TransportHolder {
	h := &TransportHolder{}
	h.state.Store(newTransportState(t, cfg))
	return h
}

// Acquire returns the active transport and a release func that must be
// called once the caller is done with it.
func (h *TransportHolder) Acquire() (Transport, func()) {
	for {
		s := h.state.Load()
		s.refs.Add(1)
		// A swap between Load and Add leaves s retired with a holder it never saw
		if h.state.Load() == s {
			var once sync.Once
			return s.transport, func() { once.Do(s.release) }
		}
		s.release()
	}
}

// Current returns the active transport without holding it.
func (h *TransportHolder) Current() Transport {
	return h.state.Load().transport
}

// Config returns the configuration of the active transport.
func (h *TransportHolder) Config() TransportConfig {
	return h.state.Load().config
}

// Swap installs a new transport and returns the replaced one together with a
// channel that is closed when no caller holds it any more.
func (h *TransportHolder) Swap(t Transport, cfg TransportConfig) (Transport, <-chan struct{}) {
	old := h.state.Swap(newTransportState(t, cfg))
	old.retire()
	return old.transport, old.drained
}
