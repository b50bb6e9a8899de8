package signaling

import (
	"context"
	"net/http"

	"github.com/conclave-rtc/conclave/internals/engine"
	"github.com/conclave-rtc/conclave/internals/metrics"
	"github.com/conclave-rtc/conclave/internals/protocol"
	"github.com/conclave-rtc/conclave/internals/registry"
	"github.com/conclave-rtc/conclave/internals/room"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Options tunes the server. Zero values disable rate limiting.
type Options struct {
	// Messages per second a single connection may send, with Burst
	// headroom on top.
	RateLimit float64
	RateBurst int
}

type handlerFunc func(*Client, protocol.Envelope) error

// Server accepts websocket connections, assigns each a fresh peer id,
// and dispatches decoded envelopes to the owning room. It keeps no
// session state of its own beyond the dispatch table; rooms and
// membership live in the registry.
type Server struct {
	registry *registry.Registry
	opts     Options
	logger   *zap.Logger

	handlers map[protocol.EventType]handlerFunc
	httpSrv  *http.Server
}

func NewServer(reg *registry.Registry, opts Options, logger *zap.Logger) *Server {
	s := &Server{
		registry: reg,
		opts:     opts,
		logger:   logger,
	}

	// One handler per client-originated tag. Unknown tags fall through
	// to an ERROR reply in dispatch.
	s.handlers = map[protocol.EventType]handlerFunc{
		protocol.EventJoinRoom:                 s.handleJoinRoom,
		protocol.EventGetRouterRtpCapabilities: s.handleGetRouterRtpCapabilities,
		protocol.EventCreateWebRTCTransport:    s.handleCreateTransport,
		protocol.EventConnectProducerTransport: s.handleConnectTransport,
		protocol.EventConnectConsumerTransport: s.handleConnectTransport,
		protocol.EventProduce:                  s.handleProduce,
		protocol.EventConsume:                  s.handleConsume,
		protocol.EventResumeConsumer:           s.handleResumeConsumer,
		protocol.EventProducerClosed:           s.handleProducerClosed,
		protocol.EventLocalUserMediaToggled:    s.handleMediaToggled,
		protocol.EventSendChatMessage:          s.handleChatMessage,
		protocol.EventTyping:                   s.handleTyping,
	}
	return s
}

// Handler returns the HTTP mux serving /ws, /healthz, and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("Signaling server listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Failed to upgrade connection", http.StatusBadRequest)
		return
	}

	var limiter *rate.Limiter
	if s.opts.RateLimit > 0 {
		burst := s.opts.RateBurst
		if burst <= 0 {
			burst = int(s.opts.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), burst)
	}

	client := NewClient(uuid.NewString(), conn, limiter, s.logger)
	client.OnMessage = s.dispatch
	client.OnDisconnect = s.handleDisconnect

	s.logger.Info("Client connected", zap.String("peerID", client.PeerID))

	go client.WritePump()
	go client.ReadPump()
}

// dispatch routes one envelope on the client's read-pump goroutine, so
// a single connection's messages are handled strictly in arrival
// order. Handler failures go back to the origin connection only.
func (s *Server) dispatch(c *Client, env protocol.Envelope) {
	metrics.MessagesReceived.WithLabelValues(string(env.Type)).Inc()

	handler, ok := s.handlers[env.Type]
	if !ok {
		s.logger.Warn("Unknown message type",
			zap.String("peerID", c.PeerID),
			zap.String("type", string(env.Type)),
		)
		metrics.ProtocolErrors.Inc()
		c.SendError("unknown message type: " + string(env.Type))
		return
	}

	if err := handler(c, env); err != nil {
		s.logger.Warn("Operation failed",
			zap.String("peerID", c.PeerID),
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
		metrics.ProtocolErrors.Inc()
		c.SendError(err.Error())
	}
}

// handleDisconnect sweeps a dropped connection out of every room it
// joined, cascading release of its transports, producers, and
// consumers and deleting rooms that empty.
func (s *Server) handleDisconnect(c *Client) {
	for _, roomID := range s.registry.RoomsWithMember(c.PeerID) {
		s.registry.RemoveMember(roomID, c.PeerID)
	}
	s.logger.Info("Client disconnected", zap.String("peerID", c.PeerID))
}

// lookupRoom resolves a payload's room. Every operation except
// JOIN_ROOM requires the room to pre-exist; a missing room is dropped
// silently rather than erroring, since it usually means the peer raced
// its own teardown.
func (s *Server) lookupRoom(c *Client, roomID string) (*room.Room, bool) {
	r, ok := s.registry.Get(roomID)
	if !ok {
		s.logger.Debug("Message for unknown room dropped",
			zap.String("peerID", c.PeerID),
			zap.String("roomID", roomID),
		)
	}
	return r, ok
}

func (s *Server) handleJoinRoom(c *Client, env protocol.Envelope) error {
	var req protocol.JoinRoomRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return err
	}

	if _, _, err := s.registry.AddMember(req.RoomID, c.PeerID, c); err != nil {
		return err
	}

	return c.SendEnvelope(protocol.MustEnvelope(protocol.EventWelcome, protocol.Welcome{
		PeerID: c.PeerID,
		RoomID: req.RoomID,
	}))
}

func (s *Server) handleGetRouterRtpCapabilities(c *Client, env protocol.Envelope) error {
	var req protocol.RouterRtpCapabilitiesRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return err
	}
	r, ok := s.lookupRoom(c, req.RoomID)
	if !ok {
		return nil
	}
	return c.SendEnvelope(protocol.MustEnvelope(protocol.EventRouterRtpCapabilities, protocol.RouterRtpCapabilitiesReply{
		RtpCapabilities: r.RTPCapabilities(),
	}))
}

func (s *Server) handleCreateTransport(c *Client, env protocol.Envelope) error {
	var req protocol.CreateTransportRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return err
	}
	r, ok := s.lookupRoom(c, req.RoomID)
	if !ok {
		return nil
	}
	return r.CreateTransport(c.PeerID, req.Direction)
}

func (s *Server) handleConnectTransport(c *Client, env protocol.Envelope) error {
	var req protocol.ConnectTransportRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return err
	}
	r, ok := s.lookupRoom(c, req.RoomID)
	if !ok {
		return nil
	}

	// The tag implies the direction; the payload field is a fallback
	// for clients that send a generic connect.
	direction := req.Direction
	switch env.Type {
	case protocol.EventConnectProducerTransport:
		direction = string(engine.DirectionSend)
	case protocol.EventConnectConsumerTransport:
		direction = string(engine.DirectionRecv)
	}
	return r.ConnectTransport(c.PeerID, req.TransportID, direction, req.DtlsParameters)
}

func (s *Server) handleProduce(c *Client, env protocol.Envelope) error {
	var req protocol.ProduceRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return err
	}
	r, ok := s.lookupRoom(c, req.RoomID)
	if !ok {
		return nil
	}
	return r.Produce(c.PeerID, req.Kind, req.RtpParameters, req.AppData)
}

func (s *Server) handleConsume(c *Client, env protocol.Envelope) error {
	var req protocol.ConsumeRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return err
	}
	r, ok := s.lookupRoom(c, req.RoomID)
	if !ok {
		return nil
	}
	return r.Consume(c.PeerID, req)
}

func (s *Server) handleResumeConsumer(c *Client, env protocol.Envelope) error {
	var req protocol.ResumeConsumerRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return err
	}
	r, ok := s.lookupRoom(c, req.RoomID)
	if !ok {
		return nil
	}
	return r.ResumeConsumer(c.PeerID, req.ConsumerID)
}

func (s *Server) handleProducerClosed(c *Client, env protocol.Envelope) error {
	var req protocol.ProducerClosedRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return err
	}
	r, ok := s.lookupRoom(c, req.RoomID)
	if !ok {
		return nil
	}
	return r.ProducerClosed(c.PeerID, req.ProducerID, req.Kind)
}

func (s *Server) handleMediaToggled(c *Client, env protocol.Envelope) error {
	var req protocol.MediaToggle
	if err := protocol.DecodePayload(env, &req); err != nil {
		return err
	}
	r, ok := s.lookupRoom(c, req.RoomID)
	if !ok {
		return nil
	}
	r.MediaToggled(c.PeerID, req)
	return nil
}

func (s *Server) handleChatMessage(c *Client, env protocol.Envelope) error {
	var req protocol.ChatMessage
	if err := protocol.DecodePayload(env, &req); err != nil {
		return err
	}
	r, ok := s.lookupRoom(c, req.RoomID)
	if !ok {
		return nil
	}
	r.Chat(c.PeerID, req)
	return nil
}

func (s *Server) handleTyping(c *Client, env protocol.Envelope) error {
	var req protocol.TypingNotification
	if err := protocol.DecodePayload(env, &req); err != nil {
		return err
	}
	r, ok := s.lookupRoom(c, req.RoomID)
	if !ok {
		return nil
	}
	r.Typing(c.PeerID, req)
	return nil
}
