// Package stream maintains one live streaming session per venue.
//
// A Connection runs an explicit state machine:
//
//	Disconnected -> Connecting -> Connected
//	Connecting | Connected -> Error       (transport failure)
//	Error -> Disconnected                 (reconnect scheduled)
//	Connected -> Disconnected             (peer closed the session)
//
// Every reconnect waits according to a ReconnectPolicy. Once the policy is
// exhausted the connection stays in Error until Reconnect is called.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-market-aggregator/internal/exchange"
	"github.com/johnayoung/go-market-aggregator/internal/metrics"
	"github.com/johnayoung/go-market-aggregator/internal/models"
)

var (
	ErrAlreadyStarted   = errors.New("connection already started")
	ErrConnectionActive = errors.New("connection is active")
	ErrStopped          = errors.New("connection stopped")
)

const maxLoggedFrame = 256

// Options configures a Connection.
type Options struct {
	Venue             string
	Protocol          exchange.StreamProtocol
	Transport         Transport
	Policy            ReconnectPolicy
	HeartbeatInterval time.Duration

	// OnEvent receives decoded events in wire order, on the connection's goroutine.
	OnEvent func(models.Event)
	// OnStateChange is called after every state transition.
	OnStateChange func(venue string, state models.ConnectionState)

	Metrics *metrics.MetricsCollector // optional
	Logger  *slog.Logger

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Connection owns the streaming session of one venue.
type Connection struct {
	venue         string
	protocol      exchange.StreamProtocol
	decoder       exchange.Decoder
	transport     Transport
	policy        ReconnectPolicy
	heartbeat     time.Duration
	onEvent       func(models.Event)
	onStateChange func(string, models.ConnectionState)
	metrics       *metrics.MetricsCollector
	logger        *slog.Logger
	sleep         func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    models.ConnectionState
	attempts int
	running  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Connection in the Disconnected state. Nothing is dialed until Start.
func New(opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewWebsocketTransport(0)
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	onEvent := opts.OnEvent
	if onEvent == nil {
		onEvent = func(models.Event) {}
	}

	return &Connection{
		venue:         opts.Venue,
		protocol:      opts.Protocol,
		decoder:       opts.Protocol.Decoder(),
		transport:     transport,
		policy:        opts.Policy,
		heartbeat:     opts.HeartbeatInterval,
		onEvent:       onEvent,
		onStateChange: opts.OnStateChange,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "stream", "venue", opts.Venue),
		sleep:         sleep,
		state:         models.StateDisconnected,
	}
}

// Venue returns the venue name this connection serves.
func (c *Connection) Venue() string { return c.venue }

// State returns the current connection state.
func (c *Connection) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive reconnects since the last successful connect.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Start launches the session loop. It returns immediately; progress is
// reported through State and OnStateChange.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.running {
		return ErrAlreadyStarted
	}
	c.launch(ctx)
	return nil
}

// Reconnect restarts a connection whose loop has ended, typically after the
// reconnect policy was exhausted. The attempt counter starts from zero. The
// new loop outlives ctx and ends only on Stop.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.running {
		return ErrConnectionActive
	}
	c.logger.Info("manual reconnect requested")
	c.launch(context.WithoutCancel(ctx))
	return nil
}

// Stop closes the session and waits for the loop to exit. It is safe to call
// more than once; a stopped connection cannot be restarted.
func (c *Connection) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// launch must be called with c.mu held.
func (c *Connection) launch(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.running = true
	c.attempts = 0
	go c.run(runCtx, done)
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.release(done)

	schedule := c.policy.NewBackOff()
	for {
		err := c.session(ctx, schedule)
		if ctx.Err() != nil {
			c.setState(models.StateDisconnected)
			return
		}

		closed := errors.Is(err, ErrClosed)
		if closed {
			c.logger.Info("stream closed by peer", "error", err)
		} else {
			c.logger.Warn("stream session failed", "error", err)
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			c.logger.Error("reconnect attempts exhausted", "attempts", c.Attempts())
			// Reconnect must be accepted as soon as the error state is visible.
			c.release(done)
			c.setState(models.StateError)
			return
		}

		if !closed {
			c.setState(models.StateError)
		}
		c.setState(models.StateDisconnected)
		attempt := c.nextAttempt()
		c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
		c.count(metrics.Reconnects)

		if err := c.sleep(ctx, delay); err != nil {
			c.setState(models.StateDisconnected)
			return
		}
	}
}

// release marks the loop owning done as finished. A loop replaced by a manual
// Reconnect leaves the new loop's flag alone.
func (c *Connection) release(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == done {
		c.running = false
	}
}

// session runs one connect-subscribe-read cycle and returns why it ended.
func (c *Connection) session(ctx context.Context, schedule backoff.BackOff) error {
	c.setState(models.StateConnecting)

	conn, err := c.transport.Dial(ctx, c.protocol.StreamURL())
	if err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	// unblock ReadMessage on shutdown
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	schedule.Reset()
	c.resetAttempts()
	c.setState(models.StateConnected)
	c.logger.Info("stream connected", "url", c.protocol.StreamURL())

	msgs, err := c.protocol.SubscribeMessages()
	if err != nil {
		return fmt.Errorf("build subscribe messages: %w", err)
	}
	for _, msg := range msgs {
		if err := conn.WriteMessage(msg); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
	}

	if hb := c.protocol.HeartbeatMessage(); hb != nil && c.heartbeat > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeatLoop(sessionCtx, conn, hb)
		}()
	}

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.handleFrame(frame)
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context, conn Conn, msg []byte) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(msg); err != nil {
				c.logger.Warn("heartbeat failed, closing session", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// handleFrame decodes one frame. Undecodable frames are dropped.
func (c *Connection) handleFrame(frame []byte) {
	c.count(metrics.FramesReceived)

	events, err := c.decoder.Decode(frame)
	if err != nil {
		c.count(metrics.DecodeFailures)
		c.logger.Warn("dropping frame", "error", err, "frame", truncate(frame, maxLoggedFrame))
		return
	}
	for _, ev := range events {
		c.onEvent(ev)
	}
}

func (c *Connection) setState(state models.ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordGauge(metrics.ConnectionState, StateValue(state), "venue connection state", map[string]string{"venue": c.venue})
	}
	if c.onStateChange != nil {
		c.onStateChange(c.venue, state)
	}
}

func (c *Connection) resetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

func (c *Connection) nextAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

func (c *Connection) count(name string) {
	if c.metrics != nil {
		c.metrics.RecordCounter(name, "", map[string]string{"venue": c.venue})
	}
}

// StateValue encodes a state for the connection_state gauge.
func StateValue(state models.ConnectionState) float64 {
	switch state {
	case models.StateConnecting:
		return 1
	case models.StateConnected:
		return 2
	case models.StateError:
		return 3
	default:
		return 0
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(frame []byte, n int) string {
	if len(frame) <= n {
		return string(frame)
	}
	return string(frame[:n]) + "..."
}
