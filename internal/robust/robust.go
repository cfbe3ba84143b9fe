// Package robust implements RobustConnection: a logical
// WebSocket connection that survives the failure and replacement of its
// underlying physical connection, reconnecting with backoff and exposing
// disconnect/reconnect lifecycle events in addition to the standard
// open/close/error/message ones.
package robust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/kuuji/robustws/internal/transport"
	"github.com/kuuji/robustws/pkg/robustid"
	"github.com/kuuji/robustws/pkg/wire"
)

// ReadyState and CloseEvent are the same types the physical transport uses.
type (
	ReadyState = transport.ReadyState
	CloseEvent = transport.CloseEvent
)

const (
	Connecting = transport.Connecting
	Open       = transport.Open
	Closing    = transport.Closing
	Closed     = transport.Closed
)

// Config are the construction inputs for a Connection.
type Config struct {
	// URL is the base server URL; the robust-id query parameter is
	// appended to it on every dial attempt.
	URL string

	// Timeout bounds how long reconnection is attempted after a drop,
	// measured from the moment of the drop. Non-positive disables
	// reconnect entirely.
	Timeout time.Duration

	// Dial constructs physical connections. Required.
	Dial transport.Factory

	// RobustID is the logical connection ID shared by every physical
	// this Connection dials. Generated with pkg/robustid if empty.
	RobustID string

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Connection is a robust logical WebSocket connection.
//
// A mutex guards the mutable state (readyState, the physical slot, the
// pending-send queue, the stay-closed flag), and callbacks are invoked
// outside the lock so a handler can itself call back into Connection
// (e.g. Close from OnClose) without deadlocking. At most one physical is
// ever live, so its read-loop goroutine is the only writer besides
// Connect/Send/Close, and the mutex makes their interleaving safe without
// reordering observable events (adoption always happens after the queue
// drains, close always happens after state flips to Closed).
type Connection struct {
	cfg Config
	log *slog.Logger

	// OnOpen, OnClose, OnError, OnMessage, OnDisconnect and OnReconnect
	// are the public callback slots. Set
	// them before calling Connect; Connection never synchronizes writes
	// to these fields itself, matching the single-threaded-caller
	// assumption the underlying WebSocket API makes.
	OnOpen       func()
	OnClose      func(CloseEvent)
	OnError      func(error)
	OnMessage    func(string)
	OnDisconnect func()
	OnReconnect  func()

	mu            sync.Mutex
	state         ReadyState
	phys          transport.Physical
	pending       []string
	stayClosed    bool
	protocol      string
	extensions    string
	cancelAttempt context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}

	connectCalled atomic.Bool
}

// New constructs a Connection in the CONNECTING state. Call Connect to
// perform the first dial.
func New(cfg Config) *Connection {
	if cfg.RobustID == "" {
		cfg.RobustID = robustid.New()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("robust_id", cfg.RobustID)

	return &Connection{
		cfg:    cfg,
		log:    log,
		state:  Connecting,
		closed: make(chan struct{}),
	}
}

// RobustID returns the logical connection ID used on every dial attempt.
func (c *Connection) RobustID() string { return c.cfg.RobustID }

// ReadyState returns the current logical readyState.
func (c *Connection) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL returns the base server URL this Connection was configured with.
func (c *Connection) URL() string { return c.cfg.URL }

// Protocol returns the subprotocol negotiated by the currently (or most
// recently) adopted physical connection.
func (c *Connection) Protocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Extensions returns the extensions string of the currently (or most
// recently) adopted physical connection.
func (c *Connection) Extensions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extensions
}

// Done is closed once the Connection reaches CLOSED.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Connect performs the first dial attempt and blocks until it succeeds or
// fails. The initial attempt never retries — "deadline 0"
// means one shot — regardless of Config.Timeout, which only governs
// reconnection after a later drop. Connect must be called exactly once.
func (c *Connection) Connect(ctx context.Context) error {
	if !c.connectCalled.CompareAndSwap(false, true) {
		return errors.New("robust: Connect called more than once")
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelAttempt = cancel
	c.mu.Unlock()

	att, err := c.attemptOnce(attemptCtx, false)

	c.mu.Lock()
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	alreadyClosed := c.state == Closed
	c.mu.Unlock()

	if err != nil {
		if !alreadyClosed {
			c.emitError(fmt.Errorf("robust: initial connect failed: %w", err))
			c.synthesizeClose(wire.StatusAbnormalClosure, "", false)
		}
		return err
	}

	c.adopt(att)
	return nil
}

// Send forwards data to the live physical connection, or queues it if the
// logical connection is OPEN but mid-reconnect.
func (c *Connection) Send(data string) error {
	c.mu.Lock()
	switch c.state {
	case Connecting, Closing, Closed:
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("robust: send while %s", st)
	}

	phys := c.phys
	if phys == nil {
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return phys.Send(data)
}

// Close closes the logical connection.
func (c *Connection) Close(code int, reason string) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}

	if c.phys != nil {
		phys := c.phys
		wasStayClosed := c.stayClosed
		c.stayClosed = true
		c.mu.Unlock()

		if err := phys.Close(code, reason); err != nil {
			// Invalid close args: revert stay-closed, leave readyState
			// alone, rethrow.
			c.mu.Lock()
			c.stayClosed = wasStayClosed
			c.mu.Unlock()
			return err
		}

		c.mu.Lock()
		if c.state < Closing {
			c.state = Closing
		}
		c.mu.Unlock()
		// The physical's own close event drives the rest of the
		// transition via handlePhysicalClose.
		return nil
	}

	c.stayClosed = true
	cancel := c.cancelAttempt
	c.cancelAttempt = nil
	c.mu.Unlock()

	if cancel != nil {
		// Hard cancellation: any in-flight factory callback
		// that later yields an OPEN physical must close+discard it;
		// attemptOnce/adopt both guard against that race already.
		cancel()
	}

	c.synthesizeClose(code, reason, false)
	return nil
}

// adopt binds att's physical as the live physical connection, draining the
// pending-send queue and announcing adoption, and only then releasing any
// inbound message/close events the physical produced while adoption was in
// progress. attemptHandlers.markAdopted is the release valve: everything
// queued between Attach and this point plays back in order before any event
// arriving after this point is allowed to interleave.
func (c *Connection) adopt(att *attempt) {
	phys := att.phys
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		_ = phys.Close(1000, "robust: superseded by close")
		return
	}
	if c.phys != nil && c.phys.ReadyState() <= transport.Open {
		c.mu.Unlock()
		panic("robust: adopt called while a live physical is already bound")
	}

	wasFirstOpen := c.state == Connecting
	wasReconnect := !wasFirstOpen && c.phys == nil
	c.phys = phys
	c.protocol = phys.Protocol()
	c.extensions = phys.Extensions()
	if wasFirstOpen {
		c.state = Open
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, data := range pending {
		if err := phys.Send(data); err != nil {
			c.log.Warn("failed to drain pending send on adoption", "err", err)
		}
	}

	switch {
	case wasFirstOpen:
		c.invoke(c.OnOpen)
	case wasReconnect:
		c.invoke(c.OnReconnect)
	}

	att.handlers.markAdopted()
}

// handlePhysicalClose reacts to the bound physical's close event. A clean
// close (and code 4567 is never "clean" for this purpose — it forces
// reconnect even when wasClean is true) ends the logical connection, as
// does any close once stay-closed is set; any other close emits
// OnDisconnect and starts a reconnect.
func (c *Connection) handlePhysicalClose(ev transport.CloseEvent) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	stayClosed := c.stayClosed
	c.phys = nil
	c.mu.Unlock()

	cleanTermination := ev.WasClean && ev.Code != wire.StatusDebugForceReconnect
	if stayClosed || cleanTermination {
		c.mu.Lock()
		c.state = Closed
		c.mu.Unlock()
		c.invoke(func() {
			if c.OnClose != nil {
				c.OnClose(ev)
			}
		})
		c.closeOnce.Do(func() { close(c.closed) })
		return
	}

	c.invoke(c.OnDisconnect)
	c.startReconnect()
}

func (c *Connection) handlePhysicalMessage(data string) {
	c.invoke(func() {
		if c.OnMessage != nil {
			c.OnMessage(data)
		}
	})
}

func (c *Connection) startReconnect() {
	if c.cfg.Timeout <= 0 {
		c.synthesizeClose(wire.StatusAbnormalClosure, "", false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	c.mu.Lock()
	c.cancelAttempt = cancel
	c.mu.Unlock()

	go c.reconnectLoop(ctx)
}

// reconnectLoop retries dialing, with backoff, until an attempt succeeds
// or ctx's deadline passes. Bounding retry-go's loop by a context deadline
// (rather than an attempt count) implements "retry until
// success or the deadline is reached".
func (c *Connection) reconnectLoop(ctx context.Context) {
	var won *attempt
	attempt := 0

	err := retry.Do(
		func() error {
			attempt++
			a, err := c.attemptOnce(ctx, true)
			if err != nil {
				return err
			}
			won = a
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0), // unbounded attempt count; ctx's deadline is the real limit
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Info("reconnect attempt failed", "attempt", n+1, "err", err)
		}),
	)

	c.mu.Lock()
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("reconnect deadline exceeded", "attempts", attempt, "err", err)
		// Retry exhaustion closes without an error event — only the
		// initial connect failure emits one.
		c.synthesizeClose(wire.StatusAbnormalClosure, "", false)
		return
	}

	c.log.Info("reconnected", "attempts", attempt)
	c.adopt(won)
}

// synthesizeClose transitions straight to CLOSED with a fabricated close
// event — used for the initial-connect-failure, reconnect-deadline, and
// no-physical-bound Close() paths.
func (c *Connection) synthesizeClose(code int, reason string, wasClean bool) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.phys = nil
	c.mu.Unlock()

	c.invoke(func() {
		if c.OnClose != nil {
			c.OnClose(transport.CloseEvent{Code: code, Reason: reason, WasClean: wasClean})
		}
	})
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Connection) emitError(err error) {
	c.invoke(func() {
		if c.OnError != nil {
			c.OnError(err)
		}
	})
}

func (c *Connection) invoke(fn func()) {
	if fn != nil {
		fn()
	}
}

// attempt bundles a now-OPEN physical with the attemptHandlers gate that
// queued any of its post-open events until adopt() releases them.
type attempt struct {
	phys     transport.Physical
	handlers *attemptHandlers
}

// attemptOnce dials one physical connection and waits for it to reach
// OPEN, or for ctx to be done. resuming selects the "o" (resume) query
// parameter over "n" (new) — false only for the very first attempt of
// this Connection's life.
func (c *Connection) attemptOnce(ctx context.Context, resuming bool) (*attempt, error) {
	attemptURL, err := c.buildURL(resuming)
	if err != nil {
		return nil, fmt.Errorf("robust: building dial URL: %w", err)
	}

	type dialResult struct {
		err  error
		conn transport.Physical
	}
	dialCh := make(chan dialResult, 1)
	go c.cfg.Dial(ctx, attemptURL, func(err error, conn transport.Physical) {
		dialCh <- dialResult{err: err, conn: conn}
	})

	var res dialResult
	select {
	case res = <-dialCh:
	case <-ctx.Done():
		go func() {
			if r := <-dialCh; r.conn != nil {
				_ = r.conn.Close(1001, "robust: dial cancelled")
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	return c.awaitOpen(ctx, res.conn)
}

// awaitOpen attaches to conn and blocks until it reports OPEN or closes
// beforehand — the race-free adoption step: handlers are
// wired via conn.Attach before any event the caller cares about can be
// lost, because Attach itself replays anything buffered before it ran.
// Everything delivered through the handlers after OPEN resolves — a
// CONTINUE frame arriving on the physical's own read-loop goroutine, say —
// is held by the handlers' own gate until the caller finishes adopt().
func (c *Connection) awaitOpen(ctx context.Context, conn transport.Physical) (*attempt, error) {
	h := &attemptHandlers{c: c, resolve: make(chan error, 1)}
	conn.Attach(transport.Handlers{
		OnOpen:    h.onOpen,
		OnClose:   h.onClose,
		OnError:   h.onError,
		OnMessage: h.onMessage,
	})

	select {
	case err := <-h.resolve:
		if err != nil {
			return nil, err
		}
		return &attempt{phys: conn, handlers: h}, nil
	case <-ctx.Done():
		_ = conn.Close(1001, "robust: attempt cancelled")
		return nil, ctx.Err()
	}
}

func (c *Connection) buildURL(resuming bool) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	key, value := robustid.QueryParam(c.cfg.RobustID, resuming)
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// attemptHandlers resolves the single outcome of one dial attempt (open,
// or closed/errored before ever opening) and then — for the OnClose and
// OnMessage events that matter once the physical has been adopted as the
// live connection — forwards to Connection's steady-state handlers. Events
// arriving after OPEN resolves but before markAdopted releases the gate are
// queued and replayed in order, so a frame the physical delivers on its own
// goroutine the instant it opens can never beat adopt()'s pending-send
// drain and OnOpen/OnReconnect emission to the consumer.
type attemptHandlers struct {
	c        *Connection
	resolve  chan error
	resolved atomic.Bool

	gateMu  sync.Mutex
	adopted bool
	queued  []func()
}

func (h *attemptHandlers) onOpen() {
	if h.resolved.CompareAndSwap(false, true) {
		h.resolve <- nil
	}
}

func (h *attemptHandlers) onClose(ev transport.CloseEvent) {
	if h.resolved.CompareAndSwap(false, true) {
		h.resolve <- fmt.Errorf("robust: physical closed before opening (code=%d clean=%v)", ev.Code, ev.WasClean)
		return
	}
	h.dispatch(func() { h.c.handlePhysicalClose(ev) })
}

func (h *attemptHandlers) onError(err error) {
	h.c.log.Warn("physical connection error", "err", err)
}

func (h *attemptHandlers) onMessage(data string) {
	if h.resolved.Load() {
		h.dispatch(func() { h.c.handlePhysicalMessage(data) })
	}
}

// dispatch runs fn now if the gate is already open, or queues it to run, in
// order, from markAdopted otherwise.
func (h *attemptHandlers) dispatch(fn func()) {
	h.gateMu.Lock()
	if !h.adopted {
		h.queued = append(h.queued, fn)
		h.gateMu.Unlock()
		return
	}
	h.gateMu.Unlock()
	fn()
}

// markAdopted opens the gate: anything queued while adopt() was still
// running plays back in order, then the gate stays open for good.
func (h *attemptHandlers) markAdopted() {
	h.gateMu.Lock()
	queued := h.queued
	h.queued = nil
	h.adopted = true
	h.gateMu.Unlock()

	for _, fn := range queued {
		fn()
	}
}
