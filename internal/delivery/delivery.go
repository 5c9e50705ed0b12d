// Package delivery hands a consumer a batch of events and reports success
// or failure. Three transports are provided, one per consumer kind: HTTP
// (the baseline webhook POST), InMemory (for same-process consumers,
// chiefly tests), and WebSocket (for local-process or same-host push
// consumers).
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fluxledger/eventhub/infrastructure/httputil"
	"github.com/fluxledger/eventhub/infrastructure/ratelimit"
	"github.com/fluxledger/eventhub/internal/eventstore"
)

// Batch is the payload shape delivered to a consumer; the field names are
// part of the wire contract.
type Batch struct {
	ConsumerID string            `json:"consumerId"`
	Events     []eventstore.Event `json:"events"`
}

// Adapter delivers a batch to one consumer and reports whether the delivery
// succeeded. Implementations must not retry internally; retry policy is the
// dispatcher's responsibility.
type Adapter interface {
	Deliver(ctx context.Context, callback, correlationID string, batch Batch) error
}

const deliveryTimeout = 30 * time.Second

// HTTPAdapter posts the batch as JSON to the consumer's callback URL. Only a
// 2xx response is success; redirects are not followed.
type HTTPAdapter struct {
	mu       sync.Mutex
	limiters map[string]*ratelimit.RateLimitedClient // callback -> throttled client
	cfg      ratelimit.RateLimitConfig
}

// NewHTTPAdapter builds an HTTPAdapter. cfg bounds the outbound call rate per
// callback URL so one slow or chatty topic cannot saturate the dispatcher's
// outbound capacity.
func NewHTTPAdapter(cfg ratelimit.RateLimitConfig) *HTTPAdapter {
	return &HTTPAdapter{limiters: make(map[string]*ratelimit.RateLimitedClient), cfg: cfg}
}

func (a *HTTPAdapter) clientFor(callback string) *ratelimit.RateLimitedClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.limiters[callback]; ok {
		return c
	}
	base := &http.Client{
		Transport: httputil.DefaultTransportWithMinTLS12(),
		Timeout:   deliveryTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	c := ratelimit.NewRateLimitedClient(base, a.cfg)
	a.limiters[callback] = c
	return c
}

func (a *HTTPAdapter) Deliver(ctx context.Context, callback, correlationID string, batch Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("delivery: encode batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callback, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	req.Header.Set("X-Correlation-ID", correlationID)

	resp, err := a.clientFor(callback).Do(req)
	if err != nil {
		return fmt.Errorf("delivery: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// InMemoryAdapter hands the batch directly to a registered in-process
// handler, for consumers living in the same process (and for tests standing
// in for a webhook receiver without spinning up an HTTP server).
type InMemoryAdapter struct {
	mu       sync.RWMutex
	handlers map[string]func(Batch) error // consumerId -> handler
}

// NewInMemoryAdapter builds an empty InMemoryAdapter.
func NewInMemoryAdapter() *InMemoryAdapter {
	return &InMemoryAdapter{handlers: make(map[string]func(Batch) error)}
}

// Register attaches the handler a consumer will receive batches through.
// The callback string passed to Deliver is used as the registration key.
func (a *InMemoryAdapter) Register(consumerID string, handler func(Batch) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[consumerID] = handler
}

func (a *InMemoryAdapter) Deliver(ctx context.Context, callback, correlationID string, batch Batch) error {
	a.mu.RLock()
	handler, ok := a.handlers[callback]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("delivery: no in-memory handler registered for %q", callback)
	}
	return handler(batch)
}

// WebSocketAdapter pushes batches over an already-established gorilla/websocket
// connection, for consumers that registered a live socket instead of a
// callback URL. Connections are keyed by the same string the consumer used
// as its callback at registration time.
type WebSocketAdapter struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewWebSocketAdapter builds an empty WebSocketAdapter.
func NewWebSocketAdapter() *WebSocketAdapter {
	return &WebSocketAdapter{conns: make(map[string]*websocket.Conn)}
}

// Attach registers the live connection for a consumer. Call again to replace
// a stale connection after reconnect.
func (a *WebSocketAdapter) Attach(consumerID string, conn *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns[consumerID] = conn
}

// Detach removes a connection, e.g. on socket close.
func (a *WebSocketAdapter) Detach(consumerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, consumerID)
}

func (a *WebSocketAdapter) Deliver(ctx context.Context, callback, correlationID string, batch Batch) error {
	a.mu.RLock()
	conn, ok := a.conns[callback]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("delivery: no websocket connection for %q", callback)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(deliveryTimeout)); err != nil {
		return fmt.Errorf("delivery: set write deadline: %w", err)
	}
	if err := conn.WriteJSON(batch); err != nil {
		return fmt.Errorf("delivery: websocket write: %w", err)
	}
	return nil
}

// ForKind returns the adapter responsible for a consumer kind. Registered
// kinds with no matching adapter (e.g. a disabled transport) return false.
func ForKind(kind string, httpAdapter, inMemoryAdapter, wsAdapter Adapter) (Adapter, bool) {
	switch kind {
	case "HTTP":
		return httpAdapter, httpAdapter != nil
	case "IN_MEMORY":
		return inMemoryAdapter, inMemoryAdapter != nil
	case "WEBSOCKET":
		return wsAdapter, wsAdapter != nil
	default:
		return nil, false
	}
}
