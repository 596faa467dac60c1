package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/observability"
)

// TxSubscriber delivers finalized transactions over a push channel.
type TxSubscriber interface {
	// SubscribeTransaction returns a channel that receives the transaction once
	// it is finalized. The channel is closed without a value if the connection
	// drops. cancel releases the subscription if the caller stops waiting.
	SubscribeTransaction(ctx context.Context, hash string) (ch <-chan *domain.TransactionRecord, cancel func(), err error)

	// Close closes the WebSocket connection.
	Close() error
}

// ErrClientClosed is returned by a closed or disconnected WSClient.
var ErrClientClosed = errors.New("websocket client closed")

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscription confirmation.
	SubscribeTimeout time.Duration
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		SubscribeTimeout: 10 * time.Second,
	}
}

// WSClient implements TxSubscriber using gorilla/websocket.
// It does not reconnect: on a read error every open subscription channel is
// closed and callers fall back to polling.
type WSClient struct {
	config WSClientConfig
	logger *zap.Logger

	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	// subs maps subscription ID to channel until its notification is delivered
	subs   map[int64]chan *domain.TransactionRecord
	subsMu sync.Mutex

	// pendingSubs maps request ID to channel waiting for subscription ID
	pendingSubs   map[uint64]chan subscribeReply
	pendingSubsMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

type subscribeReply struct {
	id  int64
	ch  chan *domain.TransactionRecord
	err error
}

// NewWSClient connects to endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig, logger *zap.Logger) (*WSClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	// An idle connection only sees pongs; each one extends the read deadline.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	c := &WSClient{
		config:      cfg,
		logger:      logger,
		conn:        conn,
		subs:        make(map[int64]chan *domain.TransactionRecord),
		pendingSubs: make(map[uint64]chan subscribeReply),
		done:        make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// SubscribeTransaction subscribes to the finalization of hash. The
// subscription ends when its notification is delivered or cancel is called.
func (c *WSClient) SubscribeTransaction(ctx context.Context, hash string) (<-chan *domain.TransactionRecord, func(), error) {
	if c.closed.Load() {
		return nil, nil, ErrClientClosed
	}

	params, err := EncodeParams(hash)
	if err != nil {
		return nil, nil, err
	}
	reqID := c.requestID.Add(1)
	req := Request{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  MethodTransactionSubscribe,
		Params:  params,
	}

	confirmCh := make(chan subscribeReply, 1)
	c.pendingSubsMu.Lock()
	c.pendingSubs[reqID] = confirmCh
	c.pendingSubsMu.Unlock()

	if err := c.writeJSON(req); err != nil {
		c.dropPending(reqID)
		return nil, nil, fmt.Errorf("write subscribe: %w", err)
	}

	var reply subscribeReply
	var ok bool
	select {
	case reply, ok = <-confirmCh:
		if !ok {
			return nil, nil, ErrClientClosed
		}
	case <-time.After(c.config.SubscribeTimeout):
		c.abandon(reqID, confirmCh)
		return nil, nil, fmt.Errorf("subscription timeout after %v", c.config.SubscribeTimeout)
	case <-c.done:
		return nil, nil, ErrClientClosed
	case <-ctx.Done():
		c.abandon(reqID, confirmCh)
		return nil, nil, ctx.Err()
	}
	if reply.err != nil {
		return nil, nil, reply.err
	}

	cancel := func() { c.dropSubscription(reply.id) }
	if c.closed.Load() {
		cancel()
		return nil, nil, ErrClientClosed
	}
	return reply.ch, cancel, nil
}

// abandon stops waiting for a confirmation and releases the subscription
// if the read loop confirmed it in the meantime.
func (c *WSClient) abandon(reqID uint64, confirmCh <-chan subscribeReply) {
	c.dropPending(reqID)
	select {
	case reply, ok := <-confirmCh:
		if ok && reply.err == nil {
			c.dropSubscription(reply.id)
		}
	default:
	}
}

// dropSubscription forgets a subscription. A notification arriving later is discarded.
func (c *WSClient) dropSubscription(id int64) {
	c.subsMu.Lock()
	delete(c.subs, id)
	c.subsMu.Unlock()
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
	c.writeMu.Unlock()

	c.wg.Wait()
	c.closeSubscriptions()
	return nil
}

func (c *WSClient) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *WSClient) dropPending(reqID uint64) {
	c.pendingSubsMu.Lock()
	delete(c.pendingSubs, reqID)
	c.pendingSubsMu.Unlock()
}

// closeSubscriptions closes every open and pending subscription channel.
func (c *WSClient) closeSubscriptions() {
	c.subsMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	c.pendingSubsMu.Lock()
	for id, ch := range c.pendingSubs {
		close(ch)
		delete(c.pendingSubs, id)
	}
	c.pendingSubsMu.Unlock()
}

// readLoop reads messages from WebSocket and dispatches to subscribers.
func (c *WSClient) readLoop() {
	defer c.wg.Done()

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.CompareAndSwap(false, true) {
				c.logger.Warn("websocket read failed, dropping subscriptions", zap.Error(err))
				close(c.done)
				c.conn.Close()
				c.closeSubscriptions()
			}
			return
		}

		start := time.Now()
		c.handleMessage(message)
		observability.RecordWSMessage(time.Since(start).Seconds())
	}
}

// handleMessage processes incoming WebSocket message.
func (c *WSClient) handleMessage(message []byte) {
	var envelope struct {
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		c.logger.Debug("ignoring malformed websocket message", zap.Error(err))
		return
	}

	switch {
	case envelope.Method == MethodTransactionNotification:
		var notif Notification
		if err := json.Unmarshal(message, &notif); err != nil || notif.Params == nil {
			return
		}
		c.handleNotification(notif.Params)
	case envelope.Error != nil:
		c.handleSubscribeReply(envelope.ID, subscribeReply{err: envelope.Error})
	case envelope.ID != 0:
		var subID int64
		if err := json.Unmarshal(envelope.Result, &subID); err != nil {
			c.handleSubscribeReply(envelope.ID, subscribeReply{err: fmt.Errorf("decode subscription id: %w", err)})
			return
		}
		c.handleSubscribeReply(envelope.ID, subscribeReply{id: subID})
	}
}

// handleSubscribeReply registers a confirmed subscription and hands it to
// the waiting SubscribeTransaction call. The server confirms a subscription
// before notifying it, so registering here never misses a notification.
func (c *WSClient) handleSubscribeReply(reqID uint64, reply subscribeReply) {
	// Held until the reply is handed over so abandon sees either no pending
	// entry or a buffered reply.
	c.pendingSubsMu.Lock()
	defer c.pendingSubsMu.Unlock()

	ch, ok := c.pendingSubs[reqID]
	if !ok {
		// The caller gave up; nobody will read this subscription.
		return
	}
	delete(c.pendingSubs, reqID)

	if reply.err == nil {
		reply.ch = make(chan *domain.TransactionRecord, 1)
		c.subsMu.Lock()
		c.subs[reply.id] = reply.ch
		c.subsMu.Unlock()
	}
	ch <- reply // buffered, one reply per request
}

// handleNotification delivers a finalized transaction and ends the subscription.
func (c *WSClient) handleNotification(p *NotificationParams) {
	c.subsMu.Lock()
	ch, ok := c.subs[p.Subscription]
	delete(c.subs, p.Subscription)
	c.subsMu.Unlock()

	if !ok {
		c.logger.Debug("dropping notification for unknown subscription", zap.Int64("subscription", p.Subscription))
		return
	}
	ch <- p.Result // buffered; a subscription gets one notification
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("websocket ping failed", zap.Error(err))
			}
		}
	}
}

var _ TxSubscriber = (*WSClient)(nil)
