package socialflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// RealtimeEnvelope is the wire format for all server events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the first frame of every connection.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// SubscribePayload asks the server to stream changes of one resource.
type SubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
	Resource       string `json:"resource"`
	Filter         Filter `json:"filter,omitempty"`
}

// UnsubscribePayload ends a stream.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// RecordChangePayload carries one change for a subscription.
type RecordChangePayload struct {
	SubscriptionID string      `json:"subscriptionId"`
	Event          ChangeEvent `json:"event"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Message        string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Lifecycle hooks
// ============================================================================

type lifecycleHooks struct {
	mu             sync.RWMutex
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
	logger         *zap.Logger
}

func (d *lifecycleHooks) protect(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("realtime hook panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (d *lifecycleHooks) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.protect(h)
	}
}

func (d *lifecycleHooks) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.protect(func() { h(reason) })
	}
}

func (d *lifecycleHooks) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.protect(func() { h(attempt, delay) })
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with up to 50% jitter, capped at maxDelay. A
// connection that stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

type remoteSub struct {
	id       string
	resource string
	filter   Filter
	onEvent  func(ChangeEvent)
}

// RealtimeClient is the WebSocket change stream of a RemoteBackend. It keeps
// the set of live subscriptions and re-sends all of them after every
// reconnect, so delivery resumes on the same handlers.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	logger  *zap.Logger
	hooks   *lifecycleHooks

	connectMu sync.Mutex

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	subs             map[string]*remoteSub
	pingCounter      int

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// NewRealtimeClient creates a client for baseURL (http or https).
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{AutoReconnect: true}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		logger:       cfg.Logger,
		hooks:        &lifecycleHooks{logger: cfg.Logger},
		state:        StateDisconnected,
		recon:        newReconnector(&cfg),
		subs:         make(map[string]*remoteSub),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnConnected registers a hook for every successful (re)connect.
func (c *RealtimeClient) OnConnected(h func()) {
	c.hooks.mu.Lock()
	c.hooks.onConnected = append(c.hooks.onConnected, h)
	c.hooks.mu.Unlock()
}

// OnDisconnected registers a hook for connection loss.
func (c *RealtimeClient) OnDisconnected(h func(reason string)) {
	c.hooks.mu.Lock()
	c.hooks.onDisconnected = append(c.hooks.onDisconnected, h)
	c.hooks.mu.Unlock()
}

// OnReconnecting registers a hook for each reconnect attempt.
func (c *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.hooks.mu.Lock()
	c.hooks.onReconnecting = append(c.hooks.onReconnecting, h)
	c.hooks.mu.Unlock()
}

// State returns the current connection state.
func (c *RealtimeClient) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscriptionCount returns the number of live subscriptions.
func (c *RealtimeClient) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *RealtimeClient) wsURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + c.config.Token
}

// Connect dials, waits for the authenticated frame and re-sends every live
// subscription. It is a no-op when already connected.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.cancelFn = cancel
	c.recon.markConnected()
	subs := make([]*remoteSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if err := c.sendSubscribe(ctx, s); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("subscription", s.id), zap.Error(err))
		}
	}
	if len(subs) > 0 {
		c.logger.Info("realtime resubscribed", zap.Int("subscriptions", len(subs)))
	}

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)
	c.hooks.emitConnected()
	return nil
}

func (c *RealtimeClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		if env.Type == "error" {
			var p RealtimeErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return nil, NewError("realtime connect", ErrPermission, errors.New(p.Message))
		}
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	return conn, nil
}

// Disconnect closes the connection and stops reconnecting. Subscriptions
// stay registered and are re-sent by the next Connect.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.recon.reset()
	c.mu.Unlock()

	c.clearPendingPings()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.hooks.emitDisconnected("client disconnect")
		return err
	}
	return nil
}

// Subscribe registers onEvent for changes of resource matching filter. The
// returned Disposer is idempotent and never fails, even after the
// connection is gone.
func (c *RealtimeClient) Subscribe(ctx context.Context, resource string, filter Filter, onEvent func(ChangeEvent)) (Disposer, error) {
	s := &remoteSub{id: uuid.NewString(), resource: resource, filter: filter, onEvent: onEvent}
	c.mu.Lock()
	c.subs[s.id] = s
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		if err := c.sendSubscribe(ctx, s); err != nil {
			c.mu.Lock()
			delete(c.subs, s.id)
			c.mu.Unlock()
			return nil, classify("subscribe "+resource, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(s.id) })
	}, nil
}

func (c *RealtimeClient) unsubscribe(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.PingTimeout)
	defer cancel()
	err := c.Send(ctx, &RealtimeCommand{
		Type:    "unsubscribe",
		Payload: UnsubscribePayload{SubscriptionID: id},
	})
	if err != nil {
		c.logger.Debug("unsubscribe not sent", zap.String("subscription", id), zap.Error(err))
	}
}

func (c *RealtimeClient) sendSubscribe(ctx context.Context, s *remoteSub) error {
	return c.Send(ctx, &RealtimeCommand{
		Type:    "subscribe",
		Payload: SubscribePayload{SubscriptionID: s.id, Resource: s.resource, Filter: s.filter},
	})
}

// Send sends a raw command.
func (c *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (c *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	c.mu.Lock()
	c.pingCounter++
	requestID := fmt.Sprintf("ping-%d", c.pingCounter)
	c.mu.Unlock()

	ch := make(chan PongPayload, 1)
	c.pendingMu.Lock()
	c.pendingPings[requestID] = ch
	c.pendingMu.Unlock()

	drop := func() {
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
	}

	err := c.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: PongPayload{RequestID: requestID},
	})
	if err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(c.config.PingTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return &pong, nil
	case <-timer.C:
		drop()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (c *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			stale := c.conn != conn
			if !intentional && !stale {
				c.state = StateDisconnected
				c.conn = nil
				if c.cancelFn != nil {
					c.cancelFn()
					c.cancelFn = nil
				}
			}
			c.mu.Unlock()
			if intentional || stale {
				return
			}

			c.clearPendingPings()
			c.logger.Warn("realtime connection lost", zap.Error(err))
			c.hooks.emitDisconnected(err.Error())

			if c.config.AutoReconnect {
				go c.reconnectLoop()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		c.dispatch(env)
	}
}

// dispatch runs on the read loop, so events of one subscription reach its
// handler in transport order.
func (c *RealtimeClient) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case "record.change":
		var p RecordChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Debug("bad record.change payload", zap.Error(err))
			return
		}
		c.mu.Lock()
		s := c.subs[p.SubscriptionID]
		c.mu.Unlock()
		if s == nil {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("change callback panicked", zap.String("subscription", s.id), zap.Any("panic", r))
				}
			}()
			s.onEvent(p.Event)
		}()
	case "pong":
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			c.pendingMu.Lock()
			ch, ok := c.pendingPings[p.RequestID]
			if ok {
				delete(c.pendingPings, p.RequestID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}
	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.logger.Warn("realtime server error", zap.String("subscription", p.SubscriptionID), zap.String("message", p.Message))
		}
	}
}

func (c *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			if _, err := c.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (c *RealtimeClient) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			return
		}
		if !c.recon.shouldReconnect() {
			c.state = StateDisconnected
			c.mu.Unlock()
			c.logger.Error("realtime reconnect gave up", zap.Int("attempts", c.recon.attempt))
			return
		}
		delay := c.recon.nextDelay()
		attempt := c.recon.attempt
		c.state = StateReconnecting
		c.mu.Unlock()

		c.hooks.emitReconnecting(attempt, delay)
		time.Sleep(delay)

		c.mu.Lock()
		intentional := c.intentionalClose
		c.mu.Unlock()
		if intentional {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.PingTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn("realtime reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (c *RealtimeClient) setState(s RealtimeState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *RealtimeClient) clearPendingPings() {
	c.pendingMu.Lock()
	for k, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, k)
	}
	c.pendingMu.Unlock()
}
