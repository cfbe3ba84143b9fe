package transport

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/coder/websocket"
)

// wsPhysical adapts a *websocket.Conn (github.com/coder/websocket) to the
// Physical interface.
//
// readCtx/readCancel give the read loop a lifetime of its own, independent
// of whatever per-dial-attempt context the Factory was invoked with: once
// Dial hands a wsPhysical back, the caller is free to cancel that attempt
// context (robust.Connection does, as soon as the attempt succeeds and
// before adopting the physical) without
// tearing down the connection it just adopted. Only Close cancels readCtx,
// mirroring the teacher's signaling.Client, whose own connection-lifetime
// ctx (from Connect's context.WithCancel) is cancelled only by Close, never
// by the short-lived dial context a single dial/reconnect attempt runs under.
type wsPhysical struct {
	pauseGate

	conn       *websocket.Conn
	url        string
	state      atomic.Int32 // ReadyState
	readCtx    context.Context
	readCancel context.CancelFunc
}

func newWSPhysical(conn *websocket.Conn, url string) *wsPhysical {
	readCtx, readCancel := context.WithCancel(context.Background())
	p := &wsPhysical{conn: conn, url: url, readCtx: readCtx, readCancel: readCancel}
	p.state.Store(int32(Open))
	return p
}

func (p *wsPhysical) ReadyState() ReadyState { return ReadyState(p.state.Load()) }
func (p *wsPhysical) URL() string            { return p.url }
func (p *wsPhysical) Protocol() string       { return p.conn.Subprotocol() }

// Extensions is always empty: coder/websocket negotiates permessage-deflate
// internally (CompressionMode) but does not expose a negotiated-extensions
// string the way gorilla/websocket's Response header inspection would.
func (p *wsPhysical) Extensions() string { return "" }

func (p *wsPhysical) Send(data string) error {
	if ReadyState(p.state.Load()) != Open {
		return errors.New("transport: send on non-open physical connection")
	}
	return p.conn.Write(context.Background(), websocket.MessageText, []byte(data))
}

func (p *wsPhysical) Close(code int, reason string) error {
	if err := p.conn.Close(websocket.StatusCode(code), reason); err != nil {
		return err
	}
	p.state.Store(int32(Closed))
	p.readCancel()
	return nil
}

func (p *wsPhysical) Attach(h Handlers) {
	p.pauseGate.attach(h)
}

// start launches the read loop that pumps inbound frames into the pauseGate
// until the connection closes or Close cancels readCtx. It deliberately does
// not take the dial/reconnect attempt's context: coder/websocket tears down
// the connection the instant the context passed to Read is cancelled, and
// robust.Connection cancels its attempt context as soon as an attempt
// succeeds, before adopting it (and, on the reconnect path, the context also
// expires once the reconnect deadline elapses) — either would kill a
// connection that just finished opening.
func (p *wsPhysical) start() {
	go func() {
		for {
			_, data, err := p.conn.Read(p.readCtx)
			if err != nil {
				p.state.Store(int32(Closed))
				p.fireClose(closeEventFromErr(err))
				return
			}
			p.fireMessage(string(data))
		}
	}()
}

// closeEventFromErr classifies a Read error into a CloseEvent. A clean
// close carries the peer's status code and reason; anything else (network
// error, context cancellation) is reported as an unclean close with no
// code, matching a standard WebSocket's wasClean=false abnormal closure.
func closeEventFromErr(err error) CloseEvent {
	code := websocket.CloseStatus(err)
	if code != -1 {
		return CloseEvent{
			Code:     int(code),
			Reason:   closeReason(err),
			WasClean: true,
		}
	}
	return CloseEvent{WasClean: false}
}

func closeReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}
