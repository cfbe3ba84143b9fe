// Package resend implements BufferedResendConnection: a
// decorator over a RobustConnection that tags every outbound message with a
// monotonic id, holds them in a MessageBuffer, and replays whatever the
// server never acknowledged through the CONTINUE handshake that opens every
// resumed session.
package resend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kuuji/robustws/internal/buffer"
	"github.com/kuuji/robustws/internal/robust"
	"github.com/kuuji/robustws/pkg/wire"
)

// ReadyState and CloseEvent are re-exported so callers never need to import
// the robust package directly just to read a readyState or close reason.
type (
	ReadyState = robust.ReadyState
	CloseEvent = robust.CloseEvent
)

const (
	Connecting = robust.Connecting
	Open       = robust.Open
	Closing    = robust.Closing
	Closed     = robust.Closed
)

// Connection wraps exactly one *robust.Connection and owns its inner
// callback slots for the lifetime of the wrap. Set the public On* fields below
// instead — they receive everything the inner connection would have
// delivered, minus the ACK/CONTINUE control frames this layer consumes.
type Connection struct {
	inner *robust.Connection
	buf   *buffer.Buffer
	log   *slog.Logger

	// disconnected is true between OnDisconnect and a completed CONTINUE
	// handshake; Send buffers rather than forwards while it's set.
	disconnected atomic.Bool

	mu               sync.Mutex
	awaitingContinue bool

	OnOpen       func()
	OnClose      func(CloseEvent)
	OnError      func(error)
	OnMessage    func(string)
	OnDisconnect func()
	OnReconnect  func()
}

// Wrap decorates inner with resend semantics. inner must not have had its
// On* callback fields set by the caller — Wrap takes them over completely.
func Wrap(inner *robust.Connection, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{inner: inner, buf: buffer.New(), log: logger}

	inner.OnOpen = func() { c.invoke(c.OnOpen) }
	inner.OnClose = func(ev robust.CloseEvent) {
		c.invoke(func() {
			if c.OnClose != nil {
				c.OnClose(ev)
			}
		})
	}
	inner.OnError = func(err error) {
		c.invoke(func() {
			if c.OnError != nil {
				c.OnError(err)
			}
		})
	}
	inner.OnMessage = c.handleMessage
	inner.OnDisconnect = c.handleDisconnect
	inner.OnReconnect = c.handleReconnect

	return c
}

// RobustID, ReadyState, URL, Protocol, Extensions and Done delegate to the
// wrapped connection; resend adds no readyState of its own.
func (c *Connection) RobustID() string       { return c.inner.RobustID() }
func (c *Connection) ReadyState() ReadyState { return c.inner.ReadyState() }
func (c *Connection) URL() string            { return c.inner.URL() }
func (c *Connection) Protocol() string       { return c.inner.Protocol() }
func (c *Connection) Extensions() string     { return c.inner.Extensions() }
func (c *Connection) Done() <-chan struct{}  { return c.inner.Done() }

// Connect delegates to the wrapped connection's single-shot initial dial.
func (c *Connection) Connect(ctx context.Context) error { return c.inner.Connect(ctx) }

// Close delegates to the wrapped connection.
func (c *Connection) Close(code int, reason string) error { return c.inner.Close(code, reason) }

// Send tags payload with the next MessageBuffer id and forwards it, unless
// the logical connection is mid-reconnect (no physical currently bound, or
// the CONTINUE handshake for the latest reconnect hasn't completed yet), in
// which case it is held in the buffer for the eventual resend.
//
// A nil payload is rejected outright — resend's wire
// format has no way to distinguish "no payload" from an empty string once
// tagged, so the caller must not hand us one.
func (c *Connection) Send(payload []byte) error {
	if payload == nil {
		return errors.New("resend: payload must not be nil")
	}
	msg := c.buf.Write(string(payload))
	if c.disconnected.Load() {
		return nil
	}
	return c.inner.Send(msg)
}

func (c *Connection) handleDisconnect() {
	c.disconnected.Store(true)
	c.mu.Lock()
	c.awaitingContinue = true
	c.mu.Unlock()
	c.invoke(c.OnDisconnect)
}

// handleReconnect fires once the inner connection has finished adopting a
// new physical and draining its own pending-send queue. awaitingContinue
// was already set by handleDisconnect, so any message the new physical
// delivers from this point on — including one that raced ahead of this very
// callback — is routed through handleContinueFrame first.
func (c *Connection) handleReconnect() {
	c.invoke(c.OnReconnect)
}

// handleMessage is installed as the wrapped connection's entire OnMessage
// slot. Every inbound frame passes through here: the one-shot CONTINUE
// handshake frame after a reconnect, ACK control frames at any other time,
// and ordinary application frames that are handed to the consumer as-is.
func (c *Connection) handleMessage(frame string) {
	c.mu.Lock()
	awaiting := c.awaitingContinue
	c.mu.Unlock()

	if awaiting {
		c.handleContinueFrame(frame)
		return
	}

	if id, ok := wire.ParseAck(frame); ok {
		if _, err := c.buf.Discard(id); err != nil {
			c.fatal(wire.StatusAckOutOfRange, fmt.Sprintf("ack discard: %v", err))
		}
		return
	}

	c.invoke(func() {
		if c.OnMessage != nil {
			c.OnMessage(frame)
		}
	})
}

// handleContinueFrame consumes the mandatory first frame of a resumed
// session. It must be a well-formed CONTINUE control frame naming an id the
// buffer can still discard to; anything else fatally closes the logical
// connection with code 3007.
func (c *Connection) handleContinueFrame(frame string) {
	c.mu.Lock()
	c.awaitingContinue = false
	c.mu.Unlock()

	continueID, ok := wire.ParseContinue(frame)
	if !ok {
		c.fatal(wire.StatusHandshakeError, fmt.Sprintf("expected CONTINUE, got %q", frame))
		return
	}

	if _, err := c.buf.Discard(continueID); err != nil {
		c.fatal(wire.StatusHandshakeError, fmt.Sprintf("discard: %v", err))
		return
	}

	replay, err := c.buf.GetMessagesFrom(continueID)
	if err != nil {
		c.fatal(wire.StatusHandshakeError, fmt.Sprintf("replay: %v", err))
		return
	}

	c.disconnected.Store(false)
	for _, msg := range replay {
		if err := c.inner.Send(msg); err != nil {
			c.log.Warn("resend failed after CONTINUE handshake", "err", err)
		}
	}
}

// fatal closes the wrapped connection with a protocol-violation close code.
// The detail text matches "RobustConnection handshake error:
// <detail>" wording for CONTINUE failures; ACK failures carry their own
// detail without that prefix.
func (c *Connection) fatal(code int, detail string) {
	reason := detail
	if code == wire.StatusHandshakeError {
		reason = fmt.Sprintf("RobustConnection handshake error: %s", detail)
	}
	if err := c.inner.Close(code, reason); err != nil {
		c.log.Error("failed to close after protocol violation", "code", code, "err", err)
	}
}

func (c *Connection) invoke(fn func()) {
	if fn != nil {
		fn()
	}
}
