package ibkr

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// stream keeps a websocket to the gateway alive, subscribes to the order
// and trade topics, and turns gateway messages into broker events on the
// owning client. Reconnection is automatic; connectivity transitions are
// surfaced through client.setConnected.
type stream struct {
	url    string
	client *Client
	logger core.ILogger

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectWait time.Duration
	pingInterval  time.Duration
	pongWait      time.Duration
}

func newStream(url string, client *Client, logger core.ILogger) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		url:           url,
		client:        client,
		logger:        logger.WithField("component", "ibkr_stream"),
		ctx:           ctx,
		cancel:        cancel,
		reconnectWait: 5 * time.Second,
		pingInterval:  30 * time.Second,
		pongWait:      60 * time.Second,
	}
}

// Start connects and begins listening for messages.
func (s *stream) Start() {
	s.wg.Add(1)
	go s.runLoop()
}

// Stop closes the connection and stops the loop.
func (s *stream) Stop() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Stream stop: goroutines did not exit within timeout")
	}

	s.closeConn()
}

func (s *stream) runLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			if err := s.connect(); err != nil {
				s.logger.Error("Gateway stream connect failed", "url", s.url, "error", err)
				s.client.setConnected(false)
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(s.reconnectWait):
				}
				continue
			}

			s.client.setConnected(true)
			s.subscribe()

			heartbeatCtx, heartbeatCancel := context.WithCancel(s.ctx)
			s.wg.Add(1)
			go s.heartbeat(heartbeatCtx)

			s.readLoop()
			heartbeatCancel()
			s.client.setConnected(false)

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.reconnectWait):
			}
		}
	}
}

func (s *stream) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongWait))
		return nil
	})

	s.conn = conn
	return nil
}

// subscribe requests the live order and trade topics.
func (s *stream) subscribe() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for _, topic := range []string{"sor+{}", "str+{}"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(topic)); err != nil {
			s.logger.Error("Stream subscribe failed", "topic", topic, "error", err)
			return
		}
	}
}

func (s *stream) heartbeat(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte("tic"), time.Now().Add(10*time.Second)); err != nil {
				s.closeConn()
				return
			}
		}
	}
}

func (s *stream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *stream) readLoop() {
	defer s.closeConn()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleMessage(message)
		}
	}
}

// gateway stream frame: topic plus args.
type streamFrame struct {
	Topic string          `json:"topic"`
	Args  json.RawMessage `json:"args"`
}

type orderUpdate struct {
	OrderID   int64   `json:"orderId"`
	Status    string  `json:"status"`
	FilledQty float64 `json:"filledQuantity"`
	Remaining float64 `json:"remainingQuantity"`
	AvgPrice  string  `json:"avgPrice"`
	Ticker    string  `json:"ticker"`
}

type tradeUpdate struct {
	ExecutionID string  `json:"execution_id"`
	OrderID     int64   `json:"order_ref"`
	Symbol      string  `json:"symbol"`
	Size        float64 `json:"size"`
	Price       string  `json:"price"`
}

func (s *stream) handleMessage(message []byte) {
	var frame streamFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return
	}

	now := s.client.clock.Now()
	switch frame.Topic {
	case "sor":
		var updates []orderUpdate
		if err := json.Unmarshal(frame.Args, &updates); err != nil {
			s.logger.Debug("Unparseable order update", "error", err)
			return
		}
		for _, u := range updates {
			status := domain.OrderStatus(u.Status)
			evType := domain.EventOrderStatusChanged
			if status == domain.OrderFilled {
				evType = domain.EventOrderFilled
			}
			s.client.emit(core.BrokerEvent{
				Type:          evType,
				BrokerOrderID: u.OrderID,
				Status:        status,
				FilledQty:     int(u.FilledQty),
				Remaining:     int(u.Remaining),
				AvgFillPrice:  parseDecimal(u.AvgPrice),
				Symbol:        u.Ticker,
				Time:          now,
			})
		}
	case "str":
		var trades []tradeUpdate
		if err := json.Unmarshal(frame.Args, &trades); err != nil {
			s.logger.Debug("Unparseable trade update", "error", err)
			return
		}
		for _, t := range trades {
			s.client.emit(core.BrokerEvent{
				Type:          domain.EventOrderFilled,
				BrokerOrderID: t.OrderID,
				ExecutionID:   t.ExecutionID,
				Status:        domain.OrderFilled,
				FilledQty:     int(t.Size),
				AvgFillPrice:  parseDecimal(t.Price),
				Symbol:        t.Symbol,
				Time:          now,
			})
		}
	}
}
