package amoura

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// WebSocket Realtime Channel
// ============================================================================

// WSChannel implements RealtimeChannel over a WebSocket connection to the
// backend's realtime endpoint. Each Subscribe dials its own connection and
// owns it until Unsubscribe.
//
// WSChannel reports failures through OnStatus and then goes quiet; it never
// reconnects on its own. Resubscription with backoff is the caller's job.
type WSChannel struct {
	baseURL string
	apiKey  string
	log     zerolog.Logger

	heartbeatInterval time.Duration
	ackTimeout        time.Duration

	mu    sync.Mutex
	token string
}

// WSOption customizes a WSChannel.
type WSOption func(*WSChannel)

// WithWSLogger sets the channel logger.
func WithWSLogger(log zerolog.Logger) WSOption {
	return func(c *WSChannel) { c.log = log }
}

// WithWSHeartbeat overrides the ping interval.
func WithWSHeartbeat(d time.Duration) WSOption {
	return func(c *WSChannel) { c.heartbeatInterval = d }
}

// NewWSChannel builds a channel against baseURL. Call SetToken once a
// session exists; subscriptions opened without a token are rejected by the
// server.
func NewWSChannel(baseURL, apiKey string, opts ...WSOption) *WSChannel {
	c := &WSChannel{
		baseURL:           strings.TrimRight(baseURL, "/"),
		apiKey:            apiKey,
		log:               zerolog.Nop(),
		heartbeatInterval: 30 * time.Second,
		ackTimeout:        10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets the bearer token used by subsequent Subscribe calls.
func (c *WSChannel) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// wsEnvelope is the frame format on the realtime socket.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	Table  string      `json:"table"`
	Events []EventType `json:"events"`
	Filter string      `json:"filter,omitempty"`
}

// Subscribe dials the realtime endpoint, registers the subscription, and
// starts delivering events to opts.OnEvent. StatusSubscribed is reported
// once the server acknowledges; read or heartbeat failures surface as
// StatusChannelError or StatusTimedOut and end the subscription.
func (c *WSChannel) Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime/v1?apikey=" + c.apiKey
	if token != "" {
		wsURL += "&token=" + token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	payload, _ := json.Marshal(wsSubscribePayload{
		Table:  opts.Table,
		Events: opts.Events,
		Filter: opts.Filter,
	})
	frame, _ := json.Marshal(wsEnvelope{Type: "subscribe", Payload: payload})
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("subscribe write: %w", err)
	}

	// The server acknowledges before any events flow.
	ackCtx, cancelAck := context.WithTimeout(ctx, c.ackTimeout)
	_, data, err := conn.Read(ackCtx)
	cancelAck()
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("subscribe ack: %w", err)
	}
	var ack wsEnvelope
	if err := json.Unmarshal(data, &ack); err != nil || ack.Type != "subscribed" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'subscribed', got %q", ack.Type)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &wsSubscription{
		conn:     conn,
		cancel:   cancel,
		opts:     opts,
		log:      c.log,
		lastPong: time.Now(),
	}

	if opts.OnStatus != nil {
		opts.OnStatus(StatusSubscribed, nil)
	}
	go sub.readLoop(runCtx)
	go sub.heartbeatLoop(runCtx, c.heartbeatInterval)
	return sub, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	opts   SubscribeOptions
	log    zerolog.Logger

	mu          sync.Mutex
	closed      bool
	intentional bool
	lastPong    time.Time
}

// Unsubscribe closes the connection without surfacing an error status.
func (s *wsSubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.intentional = true
	s.mu.Unlock()

	s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	s.status(StatusClosed, nil)
	return err
}

func (s *wsSubscription) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentional
			s.closed = true
			s.mu.Unlock()
			if !intentional {
				s.cancel()
				s.status(StatusChannelError, err)
			}
			return
		}

		var env wsEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case "pong":
			s.mu.Lock()
			s.lastPong = time.Now()
			s.mu.Unlock()
		case "event":
			var ev RealtimeEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				s.log.Warn().Err(err).Msg("undecodable realtime event")
				continue
			}
			if s.wanted(ev.Type) && s.opts.OnEvent != nil {
				s.opts.OnEvent(ev)
			}
		case "error":
			s.log.Warn().RawJSON("payload", env.Payload).Msg("realtime server error frame")
		}
	}
}

func (s *wsSubscription) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ping, _ := json.Marshal(wsEnvelope{Type: "ping"})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastPong) > 2*interval
			s.mu.Unlock()
			if stale {
				s.fail(ctx, StatusTimedOut, fmt.Errorf("no pong within %s", 2*interval))
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageText, ping); err != nil {
				s.fail(ctx, StatusTimedOut, fmt.Errorf("heartbeat write: %w", err))
				return
			}
		}
	}
}

func (s *wsSubscription) fail(ctx context.Context, st ChannelStatus, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.intentional = true // keep readLoop from reporting a second status
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
	s.status(st, err)
}

func (s *wsSubscription) wanted(t EventType) bool {
	if len(s.opts.Events) == 0 {
		return true
	}
	for _, e := range s.opts.Events {
		if e == t {
			return true
		}
	}
	return false
}

func (s *wsSubscription) status(st ChannelStatus, err error) {
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st, err)
	}
}
