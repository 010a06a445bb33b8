package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"curve-indexer/internal/observability"
)

// WSConfig configures WebSocket client behavior.
type WSConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// Logger receives connection lifecycle messages. Defaults to log.Default().
	Logger *log.Logger
	// Metrics counts reconnects. Defaults to observability.DefaultMetrics.
	Metrics *observability.Metrics
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// WSClient streams log notifications for a single program mention over a
// Solana WebSocket endpoint. It reconnects and resubscribes on connection
// loss; notifications are never dropped once the subscription is live.
type WSClient struct {
	endpoint string
	config   WSConfig
	logger   *log.Logger
	metrics  *observability.Metrics

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	// mention is the single active subscription filter.
	mention   string
	mentionMu sync.Mutex

	// subID is the live subscription ID; 0 when none.
	subID atomic.Int64
	out   chan LogNotification

	// pending maps request ID to channel waiting for a subscription ID.
	pending   map[uint64]chan int64
	pendingMu sync.Mutex

	done         chan struct{}
	wg           sync.WaitGroup
	reconnecting atomic.Bool
}

var _ LogStreamer = (*WSClient)(nil)

// NewWSClient connects to the WebSocket endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSConfig) (*WSClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}

	c := &WSClient{
		endpoint: endpoint,
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		out:      make(chan LogNotification, 10000),
		pending:  make(map[uint64]chan int64),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

func (c *WSClient) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	return nil
}

// Subscribe opens a logsSubscribe stream for transactions mentioning the
// given address. Only one subscription is supported per client.
func (c *WSClient) Subscribe(ctx context.Context, mention string) (<-chan LogNotification, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("client closed")
	}

	c.mentionMu.Lock()
	if c.mention != "" {
		c.mentionMu.Unlock()
		return nil, fmt.Errorf("already subscribed")
	}
	c.mention = mention
	c.mentionMu.Unlock()

	subID, err := c.subscribe(ctx, mention)
	if err != nil {
		c.mentionMu.Lock()
		c.mention = ""
		c.mentionMu.Unlock()
		return nil, err
	}
	c.subID.Store(subID)

	return c.out, nil
}

// subscribe sends logsSubscribe and waits for the subscription ID.
func (c *WSClient) subscribe(ctx context.Context, mention string) (int64, error) {
	reqID := c.requestID.Add(1)
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "logsSubscribe",
		Params: []interface{}{
			map[string]interface{}{"mentions": []string{mention}},
			map[string]string{"commitment": "confirmed"},
		},
	}

	confirmCh := make(chan int64, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = confirmCh
	c.pendingMu.Unlock()

	discard := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		discard()
		return 0, fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(req)
	c.connMu.Unlock()

	if err != nil {
		discard()
		return 0, fmt.Errorf("write subscribe: %w", err)
	}

	select {
	case subID := <-confirmCh:
		return subID, nil
	case <-time.After(30 * time.Second):
		discard()
		return 0, fmt.Errorf("subscription timeout after 30s")
	case <-c.done:
		return 0, fmt.Errorf("client closed")
	case <-ctx.Done():
		discard()
		return 0, ctx.Err()
	}
}

// Close closes the WebSocket connection and the notification channel.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.wg.Wait()
	close(c.out)
	return nil
}

// readLoop reads messages from the WebSocket and dispatches them.
func (c *WSClient) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			if !c.reconnecting.Swap(true) {
				go c.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > c.config.MaxReconnectDelay {
				reconnectDelay = c.config.MaxReconnectDelay
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = c.config.ReconnectDelay

		c.handleMessage(message)
	}
}

// reconnect re-dials and renews the active subscription.
func (c *WSClient) reconnect(delay time.Duration) {
	defer c.reconnecting.Store(false)

	if c.closed.Load() {
		return
	}

	select {
	case <-c.done:
		return
	case <-time.After(delay):
	}

	c.metrics.DetectorReconnects.Inc()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.connect(ctx); err != nil {
		c.logger.Printf("ws reconnect failed: %v", err)
		return
	}

	c.mentionMu.Lock()
	mention := c.mention
	c.mentionMu.Unlock()
	if mention == "" {
		return
	}

	subID, err := c.subscribe(ctx, mention)
	if err != nil {
		c.logger.Printf("ws resubscribe failed: %v", err)
		return
	}
	c.subID.Store(subID)
	c.logger.Printf("ws resubscribed (subscription %d)", subID)
}

// handleMessage processes one incoming WebSocket message.
func (c *WSClient) handleMessage(message []byte) {
	var resp wsSubscribeResponse
	if err := json.Unmarshal(message, &resp); err == nil && resp.Result > 0 {
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- resp.Result:
			default:
			}
		}
		return
	}

	var notif wsNotification
	if err := json.Unmarshal(message, &notif); err == nil && notif.Method == "logsNotification" {
		c.dispatch(&notif)
		return
	}

	var errResp struct {
		ID    uint64 `json:"id"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(message, &errResp); err == nil && errResp.Error != nil {
		c.logger.Printf("ws error response: code=%d msg=%s", errResp.Error.Code, errResp.Error.Message)
	}
}

// dispatch forwards a notification for the live subscription. The send
// blocks rather than drop; the buffer absorbs bursts.
func (c *WSClient) dispatch(notif *wsNotification) {
	if notif.Params == nil || notif.Params.Subscription != c.subID.Load() {
		return
	}

	value := notif.Params.Result.Value
	n := LogNotification{
		Signature: value.Signature,
		Logs:      value.Logs,
		Err:       value.Err,
	}
	if notif.Params.Result.Context != nil {
		n.Slot = notif.Params.Result.Context.Slot
	}

	select {
	case c.out <- n:
	case <-c.done:
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// Reader handles reconnect when the connection is dead.
				_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsSubscribeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  int64  `json:"result"` // subscription ID
}

type wsNotification struct {
	JSONRPC string                `json:"jsonrpc"`
	Method  string                `json:"method"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext  `json:"context"`
	Value   wsLogsValue `json:"value"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

type wsLogsValue struct {
	Signature string      `json:"signature"`
	Logs      []string    `json:"logs"`
	Err       interface{} `json:"err"`
}
