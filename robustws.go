// Package robustws is a robust logical WebSocket connection: one that
// survives the loss and replacement of its underlying physical connection,
// with at-least-once delivery of messages sent while disconnected.
//
// Dial is the entry point for callers who just want something that looks
// like an ordinary WebSocket client. Callers who need to supply their own
// physical transport (for tests, or an alternate backend) can use the
// internal/robust and internal/resend packages directly via their own
// transport.Factory.
package robustws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kuuji/robustws/internal/resend"
	"github.com/kuuji/robustws/internal/robust"
	"github.com/kuuji/robustws/internal/transport"
)

// ReadyState and CloseEvent mirror the standard WebSocket readyState
// contract; see the internal/transport package doc for details.
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

// Options configures Dial.
type Options struct {
	// ReconnectTimeout bounds how long reconnection is attempted after a
	// drop. Zero or negative disables reconnect entirely: any drop goes
	// straight to CLOSED.
	ReconnectTimeout time.Duration

	// DialTimeout bounds each individual dial attempt. Defaults to 10s.
	DialTimeout time.Duration

	// Header is sent with every dial attempt (e.g. an Authorization
	// bearer token). Optional.
	Header http.Header

	// RobustID pins the logical connection ID instead of generating a
	// fresh one. Optional — mainly useful for reusing an ID that was
	// persisted across a process restart. The first dial still sends it
	// under the new-session "n" key, and message ids start again at 0.
	RobustID string

	// Logger receives structured diagnostics from every layer. Defaults
	// to slog.Default().
	Logger *slog.Logger
}

// Connection is the public handle returned by Dial: a BufferedResendConnection
// over a RobustConnection over a real coder/websocket transport.
type Connection = resend.Connection

// Dial constructs a Connection against url and performs the initial
// connect, blocking until it succeeds or fails — mirroring the synchronous
// feel of the standard library's other Dial-shaped constructors even though
// the underlying connection is fully event-driven from here on.
func Dial(ctx context.Context, url string, opts Options) (*Connection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &transport.Dialer{
		DialTimeout: opts.DialTimeout,
		Header:      opts.Header,
	}

	inner := robust.New(robust.Config{
		URL:      url,
		Timeout:  opts.ReconnectTimeout,
		Dial:     dialer.Dial,
		RobustID: opts.RobustID,
		Logger:   logger,
	})

	conn := resend.Wrap(inner, logger)

	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}
