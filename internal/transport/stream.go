package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexatrade/chain-rpc-router/internal/registry"
)

const (
	streamHandshakeTimeout = 10 * time.Second
	streamReadLimit        = 10 * 1024 * 1024
	notificationBuffer     = 256
)

var ErrNoStreamEndpoint = errors.New("provider has no streaming endpoint")

// Notification is one push message delivered on a subscription.
type Notification struct {
	SubscriptionID string
	Result         json.RawMessage
}

// subscriptionNotice is the JSON-RPC notification envelope pushed by the
// provider for an active subscription (eth_subscribe style).
type subscriptionNotice struct {
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// StreamClient opens persistent websocket connections against providers
// that expose a streaming endpoint.
type StreamClient struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewStreamClient(logger *slog.Logger) *StreamClient {
	return &StreamClient{
		dialer: &websocket.Dialer{
			HandshakeTimeout: streamHandshakeTimeout,
		},
		logger: logger,
	}
}

// Subscription is one live push stream from a provider. Notifications
// arrive on C until the subscription is closed; after that C is closed
// and Err reports the terminal error, if any.
type Subscription struct {
	ID       string
	Provider string
	C        <-chan Notification

	conn    *websocket.Conn
	cancel  context.CancelFunc
	mu      sync.Mutex
	err     error
	closed  bool
	closeCh chan struct{}
}

// Subscribe dials the provider's websocket endpoint, issues the
// subscription call, and starts the read loop.
func (s *StreamClient) Subscribe(ctx context.Context, p registry.Provider, method string, params []any) (*Subscription, error) {
	if p.WSURL == "" {
		return nil, fmt.Errorf("provider %s: %w", p.ID, ErrNoStreamEndpoint)
	}

	conn, _, err := s.dialer.DialContext(ctx, p.WSURL, nil)
	if err != nil {
		return nil, &TransportError{Provider: p.ID, Err: err}
	}
	conn.SetReadLimit(streamReadLimit)

	if params == nil {
		params = []any{}
	}
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, &TransportError{Provider: p.ID, Err: err}
	}

	// First frame is the subscription-id response.
	var resp rpcResponse
	if err := conn.ReadJSON(&resp); err != nil {
		_ = conn.Close()
		return nil, &TransportError{Provider: p.ID, Err: err}
	}
	if resp.Error != nil {
		_ = conn.Close()
		return nil, &ProviderError{Provider: p.ID, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	var subID string
	if err := json.Unmarshal(resp.Result, &subID); err != nil {
		_ = conn.Close()
		return nil, &TransportError{Provider: p.ID, Err: fmt.Errorf("malformed subscription id: %w", err)}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Notification, notificationBuffer)
	sub := &Subscription{
		ID:       subID,
		Provider: p.ID,
		C:        ch,
		conn:     conn,
		cancel:   cancel,
		closeCh:  make(chan struct{}),
	}

	go s.readLoop(loopCtx, sub, ch)

	s.logger.Info("Subscription opened",
		"provider", p.ID,
		"method", method,
		"subscription", subID,
	)
	return sub, nil
}

func (s *StreamClient) readLoop(ctx context.Context, sub *Subscription, ch chan<- Notification) {
	defer close(ch)
	defer close(sub.closeCh)

	go func() {
		<-ctx.Done()
		_ = sub.conn.Close()
	}()

	for {
		var notice subscriptionNotice
		if err := sub.conn.ReadJSON(&notice); err != nil {
			sub.mu.Lock()
			if !sub.closed && ctx.Err() == nil {
				sub.err = err
			}
			sub.mu.Unlock()
			if ctx.Err() == nil {
				s.logger.Warn("Subscription read failed",
					"provider", sub.Provider,
					"subscription", sub.ID,
					"error", err,
				)
			}
			return
		}
		if notice.Params.Subscription == "" {
			continue
		}
		select {
		case ch <- Notification{SubscriptionID: notice.Params.Subscription, Result: notice.Params.Result}:
		case <-ctx.Done():
			return
		}
	}
}

// Err returns the terminal read error, if the stream ended abnormally.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the stream and waits for the read loop to exit.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close()
	<-s.closeCh
}
