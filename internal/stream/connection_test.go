package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-market-aggregator/internal/config"
	"github.com/johnayoung/go-market-aggregator/internal/exchange"
	"github.com/johnayoung/go-market-aggregator/internal/logger"
	"github.com/johnayoung/go-market-aggregator/internal/metrics"
	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(frame []byte) ([]models.Event, error) {
	if string(frame) == "bad" {
		return nil, &exchange.DecodeError{Venue: "test", Reason: "bad frame"}
	}
	return []models.Event{{Type: models.EventTicker, Symbol: string(frame), Exchange: "Test"}}, nil
}

type fakeProtocol struct {
	subscribe [][]byte
	heartbeat []byte
}

func (p *fakeProtocol) StreamURL() string                    { return "wss://example.invalid/ws" }
func (p *fakeProtocol) SubscribeMessages() ([][]byte, error) { return p.subscribe, nil }
func (p *fakeProtocol) HeartbeatMessage() []byte             { return p.heartbeat }
func (p *fakeProtocol) Decoder() exchange.Decoder            { return fakeDecoder{} }

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errors.New("use of closed network connection")
	case f, ok := <-c.frames:
		if !ok {
			return nil, fmt.Errorf("%w: close 1000", ErrClosed)
		}
		return f, nil
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

type fakeTransport struct {
	mu    sync.Mutex
	dials int
	dial  func(n int) (Conn, error)
}

func (t *fakeTransport) Dial(ctx context.Context, url string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	n := t.dials
	dial := t.dial
	t.mu.Unlock()
	return dial(n)
}

func (t *fakeTransport) setDial(dial func(n int) (Conn, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dial = dial
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleep) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type stateLog struct {
	mu     sync.Mutex
	states []models.ConnectionState
}

func (l *stateLog) record(_ string, state models.ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *stateLog) recorded() []models.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ConnectionState(nil), l.states...)
}

func newTestMetrics(t *testing.T) *metrics.MetricsCollector {
	t.Helper()
	lm, err := logger.NewLoggerManager(config.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	return metrics.NewMetricsCollector(config.MetricsConfig{}, lm)
}

func waitForState(t *testing.T, c *Connection, want models.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"connection never reached %s, last state %s", want, c.State())
}

func waitForLoopExit(t *testing.T, c *Connection) {
	t.Helper()
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	require.NotNil(t, done)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection loop did not exit")
	}
}

func TestReconnectPolicy_Delay(t *testing.T) {
	policy := DefaultReconnectPolicy()

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
		wantOK  bool
	}{
		{name: "first", attempt: 0, want: time.Second, wantOK: true},
		{name: "second", attempt: 1, want: 2 * time.Second, wantOK: true},
		{name: "third", attempt: 2, want: 4 * time.Second, wantOK: true},
		{name: "fourth", attempt: 3, want: 8 * time.Second, wantOK: true},
		{name: "fifth", attempt: 4, want: 16 * time.Second, wantOK: true},
		{name: "exhausted", attempt: 5, wantOK: false},
		{name: "negative", attempt: -1, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := policy.Delay(tt.attempt)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReconnectPolicy_NewBackOff(t *testing.T) {
	policy := DefaultReconnectPolicy()
	schedule := policy.NewBackOff()

	drain := func() []time.Duration {
		var out []time.Duration
		for i := 0; i < 10; i++ {
			next := schedule.NextBackOff()
			if next == backoff.Stop {
				return out
			}
			out = append(out, next)
		}
		return out
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	assert.Equal(t, want, drain())

	schedule.Reset()
	assert.Equal(t, want, drain())

	none := ReconnectPolicy{Base: time.Second}.NewBackOff()
	assert.Equal(t, backoff.Stop, none.NextBackOff())
}

func TestConnection_ReconnectBackoffCap(t *testing.T) {
	failing := &fakeTransport{dial: func(int) (Conn, error) { return nil, errors.New("connection refused") }}
	sleeper := &recordingSleep{}
	states := &stateLog{}

	broken := New(Options{
		Venue:         "broken",
		Protocol:      &fakeProtocol{},
		Transport:     failing,
		Policy:        DefaultReconnectPolicy(),
		OnStateChange: states.record,
		Logger:        createTestLogger(),
		Sleep:         sleeper.sleep,
	})

	healthyConn := newFakeConn()
	healthy := New(Options{
		Venue:     "healthy",
		Protocol:  &fakeProtocol{},
		Transport: &fakeTransport{dial: func(int) (Conn, error) { return healthyConn, nil }},
		Policy:    DefaultReconnectPolicy(),
		Logger:    createTestLogger(),
	})

	ctx := context.Background()
	require.NoError(t, broken.Start(ctx))
	require.NoError(t, healthy.Start(ctx))
	defer broken.Stop()
	defer healthy.Stop()

	waitForLoopExit(t, broken)

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, sleeper.recorded())
	assert.Equal(t, 6, failing.dialCount())
	assert.Equal(t, models.StateError, broken.State())
	assert.Equal(t, 5, broken.Attempts())
	assert.Contains(t, states.recorded(), models.StateDisconnected)

	waitForState(t, healthy, models.StateConnected)

	t.Run("active_connection_refuses_reconnect", func(t *testing.T) {
		assert.ErrorIs(t, healthy.Reconnect(ctx), ErrConnectionActive)
	})

	t.Run("manual_reconnect_resets_attempts", func(t *testing.T) {
		recovered := newFakeConn()
		failing.setDial(func(int) (Conn, error) { return recovered, nil })

		reqCtx, cancel := context.WithCancel(ctx)
		require.NoError(t, broken.Reconnect(reqCtx))
		cancel()

		waitForState(t, broken, models.StateConnected)
		assert.Equal(t, 0, broken.Attempts())
	})
}

func TestConnection_ReconnectFromErrorState(t *testing.T) {
	transport := &fakeTransport{dial: func(int) (Conn, error) { return nil, errors.New("connection refused") }}
	recovered := newFakeConn()
	reconnected := make(chan error, 1)
	var once sync.Once

	var conn *Connection
	conn = New(Options{
		Venue:     "flaky",
		Protocol:  &fakeProtocol{},
		Transport: transport,
		Policy:    DefaultReconnectPolicy(),
		Logger:    createTestLogger(),
		Sleep:     (&recordingSleep{}).sleep,
		OnStateChange: func(_ string, state models.ConnectionState) {
			if state != models.StateError || conn.Attempts() < 5 {
				return
			}
			once.Do(func() {
				transport.setDial(func(int) (Conn, error) { return recovered, nil })
				reconnected <- conn.Reconnect(context.Background())
			})
		},
	})
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop()

	select {
	case err := <-reconnected:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect attempts never ran out")
	}
	waitForState(t, conn, models.StateConnected)
	assert.ErrorIs(t, conn.Reconnect(context.Background()), ErrConnectionActive)
}

func TestConnection_SubscribeDecodeAndDispatch(t *testing.T) {
	conn := newFakeConn()
	collector := newTestMetrics(t)
	received := make(chan models.Event, 8)

	c := New(Options{
		Venue:     "test",
		Protocol:  &fakeProtocol{subscribe: [][]byte{[]byte("sub-1"), []byte("sub-2")}},
		Transport: &fakeTransport{dial: func(int) (Conn, error) { return conn, nil }},
		Policy:    DefaultReconnectPolicy(),
		OnEvent:   func(ev models.Event) { received <- ev },
		Metrics:   collector,
		Logger:    createTestLogger(),
	})

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	waitForState(t, c, models.StateConnected)
	require.Eventually(t, func() bool { return len(conn.written()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"sub-1", "sub-2"}, conn.written())

	conn.frames <- []byte("BTC-USDT")
	conn.frames <- []byte("bad")
	conn.frames <- []byte("ETH-USDT")

	var symbols []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-received:
			symbols = append(symbols, ev.Symbol)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, symbols)

	labels := map[string]string{"venue": "test"}
	require.Eventually(t, func() bool {
		v, _ := collector.Value(metrics.FramesReceived, labels)
		return v == 3
	}, time.Second, 5*time.Millisecond)
	failures, ok := collector.Value(metrics.DecodeFailures, labels)
	require.True(t, ok)
	assert.Equal(t, float64(1), failures)

	gauge, ok := collector.Value(metrics.ConnectionState, labels)
	require.True(t, ok)
	assert.Equal(t, StateValue(models.StateConnected), gauge)

	c.Stop()
	c.Stop()
	assert.Equal(t, models.StateDisconnected, c.State())
	assert.ErrorIs(t, c.Start(context.Background()), ErrStopped)

	select {
	case <-conn.closed:
	default:
		t.Fatal("session connection was not closed")
	}
}

func TestConnection_Heartbeat(t *testing.T) {
	tests := []struct {
		name      string
		heartbeat []byte
		wantPing  bool
	}{
		{name: "sends_heartbeat", heartbeat: []byte("ping"), wantPing: true},
		{name: "no_heartbeat_is_noop", heartbeat: nil, wantPing: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn()
			c := New(Options{
				Venue:             "test",
				Protocol:          &fakeProtocol{subscribe: [][]byte{[]byte("sub")}, heartbeat: tt.heartbeat},
				Transport:         &fakeTransport{dial: func(int) (Conn, error) { return conn, nil }},
				Policy:            DefaultReconnectPolicy(),
				HeartbeatInterval: 10 * time.Millisecond,
				Logger:            createTestLogger(),
			})
			require.NoError(t, c.Start(context.Background()))
			defer c.Stop()

			waitForState(t, c, models.StateConnected)

			if tt.wantPing {
				require.Eventually(t, func() bool {
					writes := conn.written()
					return len(writes) >= 3 && writes[1] == "ping" && writes[2] == "ping"
				}, 2*time.Second, 5*time.Millisecond)
				return
			}

			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, []string{"sub"}, conn.written())
		})
	}
}

func TestConnection_PeerCloseReconnects(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	sleeper := &recordingSleep{}
	states := &stateLog{}

	c := New(Options{
		Venue:    "test",
		Protocol: &fakeProtocol{},
		Transport: &fakeTransport{dial: func(n int) (Conn, error) {
			if n == 1 {
				return first, nil
			}
			return second, nil
		}},
		Policy:        DefaultReconnectPolicy(),
		OnStateChange: states.record,
		Logger:        createTestLogger(),
		Sleep:         sleeper.sleep,
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	waitForState(t, c, models.StateConnected)
	close(first.frames)

	require.Eventually(t, func() bool { return len(states.recorded()) >= 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.ConnectionState{
		models.StateConnecting,
		models.StateConnected,
		models.StateDisconnected,
		models.StateConnecting,
		models.StateConnected,
	}, states.recorded()[:5])
	assert.Equal(t, []time.Duration{time.Second}, sleeper.recorded())
	assert.Equal(t, 0, c.Attempts())
}
