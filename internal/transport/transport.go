// Package transport defines the physical-connection collaborator contract
// and a race-free adoption helper for it. The physical WebSocket
// transport itself is out of scope for this module's core: the
// core only depends on the Physical interface below. Dialer is this
// module's own concrete implementation, built on github.com/coder/websocket,
// so the library has something real to run against.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ReadyState mirrors the standard WebSocket readyState contract.
// RobustConnection's own logical readyState reuses this same type — both
// spaces are ordered CONNECTING < OPEN < CLOSING < CLOSED.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ReadyState(%d)", int(s))
	}
}

// CloseEvent describes why a connection (physical or logical) closed.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

// Handlers are the four events a Physical reports to whoever adopted it.
// This is the internal wiring counterpart of the public onopen/onclose/
// onerror/onmessage callback slots: internal wiring uses explicit
// subscription rather than mutable public fields.
type Handlers struct {
	OnOpen    func()
	OnClose   func(CloseEvent)
	OnError   func(error)
	OnMessage func(data string)
}

// Physical is the contract a physical WebSocket connection must satisfy.
// A Physical is never shared between two RobustConnections and is bound to
// at most one logical connection for its entire lifetime.
type Physical interface {
	ReadyState() ReadyState
	URL() string
	Protocol() string
	Extensions() string

	// Send forwards data as a single outbound text frame.
	Send(data string) error

	// Close closes the physical connection. Implementations should return
	// an error for invalid code/reason combinations without changing
	// ReadyState.
	Close(code int, reason string) error

	// Attach wires h to this Physical and is the resume half of the
	// pause/resume race-free adoption technique:
	// every event the Physical would have fired before Attach was called
	// is queued internally and replayed, in order, synchronously inside
	// this call; every event after Attach returns is forwarded directly.
	// Attach must be called exactly once.
	Attach(h Handlers)
}

// pauseGate buffers Physical events raised before Attach and replays them
// in order when Attach is finally called, then forwards everything live.
// The real dialer's wsPhysical embeds one; the test fakes in other packages
// cannot reach this unexported type and implement their own queue/flush.
type pauseGate struct {
	mu       sync.Mutex
	attached bool
	handlers Handlers
	queue    []func(Handlers)
}

func (g *pauseGate) attach(h Handlers) {
	g.mu.Lock()
	queued := g.queue
	g.queue = nil
	g.handlers = h
	g.attached = true
	g.mu.Unlock()

	for _, fn := range queued {
		fn(h)
	}
}

func (g *pauseGate) emit(fn func(Handlers)) {
	g.mu.Lock()
	if !g.attached {
		g.queue = append(g.queue, fn)
		g.mu.Unlock()
		return
	}
	h := g.handlers
	g.mu.Unlock()
	fn(h)
}

func (g *pauseGate) fireOpen() {
	g.emit(func(h Handlers) {
		if h.OnOpen != nil {
			h.OnOpen()
		}
	})
}

func (g *pauseGate) fireClose(ev CloseEvent) {
	g.emit(func(h Handlers) {
		if h.OnClose != nil {
			h.OnClose(ev)
		}
	})
}

func (g *pauseGate) fireError(err error) {
	g.emit(func(h Handlers) {
		if h.OnError != nil {
			h.OnError(err)
		}
	})
}

func (g *pauseGate) fireMessage(data string) {
	g.emit(func(h Handlers) {
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	})
}

// Factory constructs a Physical for url and invokes cb exactly once with
// either an error or a usable connection. url already carries whatever the
// caller needs for resume semantics (the robust-id query parameter is
// robust.Connection's concern — Factory itself just dials a URL).
type Factory func(ctx context.Context, url string, cb func(err error, conn Physical))

// Dialer is a Factory backed by github.com/coder/websocket.
type Dialer struct {
	// DialTimeout bounds a single dial attempt. Defaults to 10s, matching
	// the signaling client default.
	DialTimeout time.Duration

	// Header is sent with every dial (e.g. an Authorization bearer token).
	// Optional.
	Header http.Header
}

// Dial satisfies Factory: it dials url and invokes cb exactly once.
func (d *Dialer) Dial(ctx context.Context, attemptURL string, cb func(err error, conn Physical)) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if d.Header != nil {
		opts.HTTPHeader = d.Header
	}

	conn, _, err := websocket.Dial(dialCtx, attemptURL, opts)
	if err != nil {
		cb(fmt.Errorf("transport: dial %s: %w", attemptURL, err), nil)
		return
	}

	p := newWSPhysical(conn, attemptURL)
	// coder/websocket's Dial blocks until the HTTP upgrade completes, so
	// by the time we get here the physical is already OPEN — there is no
	// separate asynchronous CONNECTING phase to await for this transport.
	// The open event is queued before the read loop starts, so no inbound
	// frame can be queued ahead of it.
	p.fireOpen()
	// start gives the read loop its own connection-lifetime context,
	// cancelled only by a later Close — not the ctx this Dial call runs
	// under, which the caller is free to cancel the moment this attempt
	// resolves (see wsPhysical.start).
	p.start()
	cb(nil, p)
}
