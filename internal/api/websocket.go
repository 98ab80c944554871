package api

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	applog "github.com/johnayoung/go-market-aggregator/internal/logger"
	"github.com/johnayoung/go-market-aggregator/internal/metrics"
	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/johnayoung/go-market-aggregator/internal/registry"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Envelope types sent on the live feed.
const (
	EnvelopeTrade     = "trade"
	EnvelopePrice     = "price"
	EnvelopeVolume    = "volume"
	EnvelopeCandle    = "candle"
	EnvelopeOrderBook = "orderbook"
)

// Envelope is one message on the websocket feed.
type Envelope struct {
	Type     string      `json:"type"`
	Symbol   string      `json:"symbol"`
	Interval string      `json:"interval,omitempty"`
	Data     interface{} `json:"data"`
}

// PriceData is the payload of a price envelope.
type PriceData struct {
	Price     decimal.Decimal `json:"price"`
	Change24h float64         `json:"change_24h"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	server *Server
	conn   *websocket.Conn
	symbol string
	send   chan Envelope
	done   chan struct{}
	once   sync.Once
}

// handleWebSocket subscribes the connection to one symbol and forwards every
// event for it. A client that cannot keep up loses envelopes; dispatch never waits.
func (s *Server) handleWebSocket(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		s.badRequest(c, "symbol query parameter is required")
		return
	}
	interval := c.DefaultQuery("interval", s.defaultInterval())

	cl := &client{
		server: s,
		symbol: symbol,
		send:   make(chan Envelope, s.clientBuffer),
		done:   make(chan struct{}),
	}

	// Subscribe before upgrading so a bad interval is still a plain HTTP error.
	handle, err := s.service.Subscribe(registry.Subscription{
		Symbol:        symbol,
		ChartInterval: interval,
		OnTrade: func(trade models.Trade) {
			cl.enqueue(Envelope{Type: EnvelopeTrade, Symbol: symbol, Data: trade})
		},
		OnPrice: func(price decimal.Decimal, change24h float64) {
			cl.enqueue(Envelope{Type: EnvelopePrice, Symbol: symbol, Data: PriceData{Price: price, Change24h: change24h}})
		},
		OnVolume: func(volume decimal.Decimal) {
			cl.enqueue(Envelope{Type: EnvelopeVolume, Symbol: symbol, Data: volume})
		},
		OnCandle: func(candle models.Candle) {
			cl.enqueue(Envelope{Type: EnvelopeCandle, Symbol: symbol, Interval: interval, Data: candle})
		},
		OnOrderBook: func(book models.OrderBook) {
			cl.enqueue(Envelope{Type: EnvelopeOrderBook, Symbol: symbol, Data: book})
		},
	})
	if err != nil {
		s.handleError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		handle.Unsubscribe()
		s.logger.Warn("failed to upgrade websocket", "symbol", symbol, "error", err)
		return
	}
	cl.conn = conn

	ctx := applog.WithSubscriptionID(applog.WithSymbol(c.Request.Context(), symbol), handle.ID())
	atomic.AddInt64(&s.clients, 1)
	s.logger.InfoContext(ctx, "websocket client connected", append(applog.Attrs(ctx), "interval", interval, "remote", c.ClientIP())...)

	go cl.writePump()
	cl.readPump()

	handle.Unsubscribe()
	cl.close()
	atomic.AddInt64(&s.clients, -1)
	s.logger.InfoContext(ctx, "websocket client disconnected", applog.Attrs(ctx)...)
}

func (cl *client) enqueue(env Envelope) {
	select {
	case <-cl.done:
		return
	default:
	}
	select {
	case cl.send <- env:
	default:
		if cl.server.metrics != nil {
			cl.server.metrics.RecordCounter(metrics.WebsocketDropped, "Websocket envelopes dropped for slow clients",
				map[string]string{"type": env.Type})
		}
	}
}

func (cl *client) close() {
	cl.once.Do(func() { close(cl.done) })
}

// readPump only watches for close frames and pong replies.
func (cl *client) readPump() {
	defer cl.conn.Close()

	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.server.logger.Debug("websocket read error", "symbol", cl.symbol, "error", err)
			}
			return
		}
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case <-cl.done:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case env := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteJSON(env); err != nil {
				cl.server.logger.Debug("websocket write failed", "symbol", cl.symbol, "error", err)
				cl.close()
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.close()
				return
			}
		}
	}
}
