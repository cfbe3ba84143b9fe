package robust

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kuuji/robustws/internal/transport"
)

// fakePhysical is a manually-driven transport.Physical: tests call open,
// deliver and drop at whatever point in the timeline they want to exercise,
// instead of relying on real network timing.
type fakePhysical struct {
	mu       sync.Mutex
	state    transport.ReadyState
	url      string
	attached bool
	handlers transport.Handlers
	queue    []func(transport.Handlers)
	sent     []string
}

func newFakePhysical(url string) *fakePhysical {
	return &fakePhysical{url: url, state: transport.Connecting}
}

func (p *fakePhysical) ReadyState() transport.ReadyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePhysical) URL() string        { return p.url }
func (p *fakePhysical) Protocol() string   { return "" }
func (p *fakePhysical) Extensions() string { return "" }

func (p *fakePhysical) Send(data string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != transport.Open {
		return fmt.Errorf("fakePhysical: send while %s", p.state)
	}
	p.sent = append(p.sent, data)
	return nil
}

func (p *fakePhysical) sentMessages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *fakePhysical) Close(code int, reason string) error {
	p.mu.Lock()
	p.state = transport.Closed
	p.mu.Unlock()
	p.emit(func(h transport.Handlers) {
		if h.OnClose != nil {
			h.OnClose(transport.CloseEvent{Code: code, Reason: reason, WasClean: true})
		}
	})
	return nil
}

func (p *fakePhysical) Attach(h transport.Handlers) {
	p.mu.Lock()
	queued := p.queue
	p.queue = nil
	p.handlers = h
	p.attached = true
	p.mu.Unlock()

	for _, fn := range queued {
		fn(h)
	}
}

func (p *fakePhysical) emit(fn func(transport.Handlers)) {
	p.mu.Lock()
	if !p.attached {
		p.queue = append(p.queue, fn)
		p.mu.Unlock()
		return
	}
	h := p.handlers
	p.mu.Unlock()
	fn(h)
}

// open transitions the physical to OPEN and fires OnOpen.
func (p *fakePhysical) open() {
	p.mu.Lock()
	p.state = transport.Open
	p.mu.Unlock()
	p.emit(func(h transport.Handlers) {
		if h.OnOpen != nil {
			h.OnOpen()
		}
	})
}

// deliver fires OnMessage with data.
func (p *fakePhysical) deliver(data string) {
	p.emit(func(h transport.Handlers) {
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	})
}

// drop fires OnClose with ev without going through Close (simulating a
// server-initiated or network-level close).
func (p *fakePhysical) drop(ev transport.CloseEvent) {
	p.mu.Lock()
	p.state = transport.Closed
	p.mu.Unlock()
	p.emit(func(h transport.Handlers) {
		if h.OnClose != nil {
			h.OnClose(ev)
		}
	})
}

// dialScript produces one physical connection (or an error) for one dial
// attempt; fakeDialer runs a queue of these, one per Dial call.
type dialScript func(attemptURL string) (*fakePhysical, error)

// fakeDialer is a transport.Factory that serves a scripted sequence of
// outcomes, one per call, so tests can script "first attempt fails, second
// succeeds" style scenarios deterministically.
type fakeDialer struct {
	mu      sync.Mutex
	scripts []dialScript
}

func (d *fakeDialer) push(s dialScript) {
	d.mu.Lock()
	d.scripts = append(d.scripts, s)
	d.mu.Unlock()
}

func (d *fakeDialer) dial(_ context.Context, attemptURL string, cb func(err error, conn transport.Physical)) {
	d.mu.Lock()
	if len(d.scripts) == 0 {
		d.mu.Unlock()
		cb(errors.New("fakeDialer: dial called with no script queued"), nil)
		return
	}
	s := d.scripts[0]
	d.scripts = d.scripts[1:]
	d.mu.Unlock()

	phys, err := s(attemptURL)
	if err != nil {
		cb(err, nil)
		return
	}
	cb(nil, phys)
}
