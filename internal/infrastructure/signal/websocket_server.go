package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"
	apperrors "castwave/pkg/errors"
	rlog "castwave/pkg/logger"
	"castwave/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Metrics receives one observation per handled signaling message.
type Metrics interface {
	ObserveMessage(msgType, code string, duration time.Duration)
	PeerConnected()
	PeerDisconnected()
}

type noopMetrics struct{}

func (noopMetrics) ObserveMessage(string, string, time.Duration) {}
func (noopMetrics) PeerConnected()                               {}
func (noopMetrics) PeerDisconnected()                            {}

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	RateLimitEnabled  bool
	MessagesPerSecond float64
	Burst             int

	// AllowedOrigins lists browser origins allowed to open a socket. Empty
	// or "*" allows any origin.
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
		RateLimitEnabled:  true,
		MessagesPerSecond: 50,
		Burst:             100,
	}
}

type handlerFunc func(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error)

type WebSocketServer struct {
	session ports.SessionService
	opts    Options
	metrics Metrics

	upgrader websocket.Upgrader
	handlers map[string]handlerFunc

	connections map[domain.PeerID]*connection
	mu          sync.RWMutex

	logger    *zap.SugaredLogger
	ctxLogger *rlog.ContextLogger
}

func NewWebSocketServer(session ports.SessionService, opts Options, metrics Metrics, logger *zap.Logger) *WebSocketServer {
	defaults := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongTimeout <= opts.PingInterval {
		opts.PongTimeout = 2 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	if opts.Burst <= 0 {
		opts.Burst = defaults.Burst
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &WebSocketServer{
		session:     session,
		opts:        opts,
		metrics:     metrics,
		connections: make(map[domain.PeerID]*connection),
		logger:      logger.Sugar(),
		ctxLogger:   rlog.NewContextLogger(logger),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	s.handlers = map[string]handlerFunc{
		TypeSetBroadcaster:           s.handleSetBroadcaster,
		TypeGetRouterRtpCapabilities: s.handleGetRouterRtpCapabilities,
		TypeCreateTransport:          s.handleCreateTransport,
		TypeConnectTransport:         s.handleConnectTransport,
		TypeConnectProducerTransport: s.connectWithRole(domain.RoleProducing),
		TypeConnectConsumerTransport: s.connectWithRole(domain.RoleConsuming),
		TypeProduce:                  s.handleProduce,
		TypeCloseProducer:            s.handleCloseProducer,
		TypeGetProducers:             s.handleGetProducers,
		TypeConsume:                  s.handleConsume,
		TypeResumeConsumers:          s.handleResumeConsumers,
	}

	session.OnViewerCount(s.notifyViewerCount)
	session.OnBroadcasterChange(s.notifyBroadcasterChange)
	session.OnConsumerClosed(s.notifyProducerClosed)
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	peerID := domain.PeerID(uuid.NewString())
	if err := s.session.Join(peerID); err != nil {
		s.logger.Errorw("failed to register peer", "peer_id", peerID, "error", err)
		conn.Close()
		return
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if s.opts.RateLimitEnabled && s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}
	c := newConnection(peerID, conn, limiter, s.logger)

	s.mu.Lock()
	s.connections[peerID] = c
	s.mu.Unlock()
	s.metrics.PeerConnected()

	s.logger.Infow("peer connected", "peer_id", peerID, "remote_addr", r.RemoteAddr)

	go c.writePump(s.opts.PingInterval, s.opts.WriteTimeout)
	_ = c.send(Response{Type: EventConnectionSuccess, Payload: ConnectionSuccessPayload{PeerID: peerID}})

	s.readLoop(c)

	s.mu.Lock()
	delete(s.connections, peerID)
	s.mu.Unlock()
	c.close()

	s.session.Disconnect(peerID)
	s.metrics.PeerDisconnected()
	s.logger.Infow("peer disconnected", "peer_id", peerID)
}

// readLoop handles one message at a time until the socket fails.
func (s *WebSocketServer) readLoop(c *connection) {
	conn := c.conn
	conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", c.peerID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			if err == nil {
				err = fmt.Errorf("message type is required")
			}
			s.reply(c, Envelope{Type: EventError}, nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
			continue
		}

		if !c.limiter.Allow() {
			s.metrics.ObserveMessage(canonicalType(env.Type), string(apperrors.ErrCodeRateLimit), 0)
			s.reply(c, env, nil, apperrors.NewRateLimitError())
			continue
		}

		s.handleMessage(c, env)
	}
}

func (s *WebSocketServer) handleMessage(c *connection, env Envelope) {
	start := time.Now()
	ctx := rlog.WithPeerID(context.Background(), string(c.peerID))
	ctx = rlog.WithRequestID(ctx, env.ID)
	ctx, span := tracing.TraceWebSocketMessage(ctx, env.Type, string(c.peerID))
	defer span.End()

	payload, err := s.dispatch(ctx, c, env)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.ctxLogger.LogError(ctx, err, "signaling request failed", zap.String("type", env.Type))
	}
	code := s.reply(c, env, payload, err)
	tracing.AddSpanAttributes(ctx, tracing.ResultKey.String(code))
	s.metrics.ObserveMessage(canonicalType(env.Type), code, time.Since(start))
}

// dispatch runs the handler for env. A panicking handler becomes an
// internal error for this message only.
func (s *WebSocketServer) dispatch(ctx context.Context, c *connection, env Envelope) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("panic in signaling handler", "peer_id", c.peerID, "type", env.Type, "panic", r)
			payload, err = nil, apperrors.WrapError(fmt.Errorf("%v", r), apperrors.ErrCodeInternal, "handler panicked", http.StatusInternalServerError)
		}
	}()

	handler, ok := s.handlers[canonicalType(env.Type)]
	if !ok {
		return nil, apperrors.NewAppError(apperrors.ErrCodeUnknownMessage, fmt.Sprintf("unknown message type %q", env.Type), http.StatusBadRequest)
	}
	return handler(ctx, c, env.Payload)
}

// reply answers on the request's type and id and returns the result code.
func (s *WebSocketServer) reply(c *connection, env Envelope, payload interface{}, err error) string {
	resp := Response{Type: env.Type, ID: env.ID, Payload: payload}
	code := "OK"
	if err != nil {
		resp.Error = toErrorBody(err)
		code = resp.Error.Code
	}
	if sendErr := c.send(resp); sendErr != nil {
		s.logger.Debugw("failed to queue response", "peer_id", c.peerID, "type", env.Type, "error", sendErr)
	}
	return code
}

// SendToPeer queues an event for a single peer. Unknown peers are ignored.
func (s *WebSocketServer) SendToPeer(peerID domain.PeerID, eventType string, payload interface{}) bool {
	s.mu.RLock()
	c, ok := s.connections[peerID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return c.send(Response{Type: eventType, Payload: payload}) == nil
}

// Broadcast queues an event for every connected peer.
func (s *WebSocketServer) Broadcast(eventType string, payload interface{}) {
	s.mu.RLock()
	targets := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		_ = c.send(Response{Type: eventType, Payload: payload})
	}
}

func (s *WebSocketServer) notifyViewerCount(count int) {
	broadcaster, ok := s.session.Broadcaster()
	if !ok {
		return
	}
	s.SendToPeer(broadcaster, EventViewerCount, ViewerCountPayload{Count: count})
}

func (s *WebSocketServer) notifyBroadcasterChange(previous, current domain.PeerID) {
	if current != "" || previous == "" {
		return
	}
	s.logger.Infow("broadcaster left", "peer_id", previous)
	s.Broadcast(EventBroadcasterDisconnected, nil)
}

func (s *WebSocketServer) notifyProducerClosed(viewerID domain.PeerID, producerID domain.ProducerID) {
	s.SendToPeer(viewerID, EventProducerClosed, ProducerClosedPayload{ProducerID: producerID})
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Shutdown closes every connection. Each handler goroutine then runs the
// usual disconnect cleanup.
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	targets := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.close()
	}
}
