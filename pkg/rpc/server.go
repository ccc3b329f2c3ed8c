package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Nomadcxx/floyd-bridge/pkg/protocol"
)

// ServerConfig identifies the server to its peers.
type ServerConfig struct {
	Name    string
	Version string
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Name == "" {
		c.Name = "floyd-bridge"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return c
}

// session is one accepted connection. The server never blocks one
// session's handling on another's: each runs its own read loop.
type session struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	openedAt   time.Time
	writeMu    sync.Mutex
}

func (s *session) send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Server accepts bridge clients and dispatches their requests to the
// executor.
type Server struct {
	cfg      ServerConfig
	logger   *logrus.Logger
	executor Executor
	engine   *gin.Engine
	upgrader websocket.Upgrader
	tracer   trace.Tracer

	mu       sync.Mutex
	sessions map[string]*session
	listener net.Listener
	httpSrv  *http.Server
	port     int
	stopped  bool
}

// NewServer creates a server around the given executor.
func NewServer(cfg ServerConfig, exec Executor, logger *logrus.Logger) *Server {
	if logger.Level == logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		executor: exec,
		tracer:   otel.Tracer("floyd-bridge"),
		upgrader: websocket.Upgrader{
			// Loopback-only transport; the extension connects from a
			// browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/", s.handleWS)
	engine.GET("/health", s.handleHealth)
	s.engine = engine

	return s
}

// Start binds the first free port in [basePort, basePort+maxAttempts).
// Each candidate is checked with a throwaway bind first; the probe is
// advisory, so a bind lost to a race just moves on to the next port.
func (s *Server) Start(basePort, maxAttempts int) (int, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port := basePort + attempt
		addr := fmt.Sprintf("127.0.0.1:%d", port)

		probe, err := net.Listen("tcp", addr)
		if err != nil {
			s.logger.Debugf("Port %d in use, trying next", port)
			continue
		}
		_ = probe.Close()

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			// Lost the race between probe and bind.
			s.logger.Debugf("Port %d taken after probe, trying next", port)
			continue
		}

		s.mu.Lock()
		s.listener = ln
		s.port = port
		s.stopped = false
		s.httpSrv = &http.Server{Handler: s.engine}
		srv := s.httpSrv
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				s.logger.Debugf("Serve ended: %v", err)
			}
		}()

		s.logger.Infof("Bridge server listening on port %d", port)
		return port, nil
	}
	return 0, fmt.Errorf("bind: no free port in [%d,%d)", basePort, basePort+maxAttempts)
}

// Stop closes every active session, then the listener. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	httpSrv := s.httpSrv
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
	if httpSrv != nil {
		_ = httpSrv.Close()
	}
	s.logger.Info("Bridge server stopped")
}

// Port returns the bound port, 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ClientCount returns the number of connected sessions.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Broadcast sends a notification to every connected session. A send
// failure on one session does not prevent delivery to the others.
func (s *Server) Broadcast(method string, params any) {
	frame, err := protocol.EncodeNotification(method, params)
	if err != nil {
		s.logger.Errorf("Broadcast encode failed: %v", err)
		return
	}

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.send(frame); err != nil {
			s.logger.Warnf("Broadcast to %s failed: %v", sess.id, err)
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.ClientCount()})
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnf("Upgrade failed: %v", err)
		return
	}

	sess := &session{
		id:         uuid.NewString(),
		conn:       conn,
		remoteAddr: c.Request.RemoteAddr,
		openedAt:   time.Now(),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"session": sess.id,
		"remote":  sess.remoteAddr,
	}).Info("Client connected")

	// Advertise identity and capabilities before anything else.
	s.sendInitialized(sess)

	s.readLoop(sess)

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	_ = conn.Close()
	s.logger.WithField("session", sess.id).Info("Client disconnected")
}

func (s *Server) sendInitialized(sess *session) {
	frame, err := protocol.EncodeNotification("server/initialized", s.initializeResult())
	if err != nil {
		return
	}
	if err := sess.send(frame); err != nil {
		s.logger.Debugf("Initialized notification to %s failed: %v", sess.id, err)
	}
}

func (s *Server) initializeResult() protocol.InitializeResult {
	return protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerInfo:      protocol.PeerInfo{Name: s.cfg.Name, Version: s.cfg.Version},
		Capabilities:    protocol.Capabilities{Tools: &protocol.ToolsCapability{}},
	}
}

func (s *Server) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(sess, data)
	}
}

// handleFrame decodes one inbound frame and routes it. Decode and dispatch
// failures become protocol-level error responses; nothing escapes the read
// loop.
func (s *Server) handleFrame(sess *session, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		var rpcErr *protocol.ErrorObject
		code, message := protocol.CodeParseError, "Parse error"
		if errors.As(err, &rpcErr) {
			code, message = rpcErr.Code, rpcErr.Message
		}
		s.sendError(sess, nil, code, message, nil)
		return
	}

	switch msg.Kind {
	case protocol.KindRequest:
		s.dispatch(sess, msg)
	case protocol.KindNotification:
		s.handleNotification(sess, msg)
	default:
		// Responses are not expected on the server side; drop.
		s.logger.Debugf("Dropping unexpected %s from %s", msg.Kind, sess.id)
	}
}

func (s *Server) handleNotification(sess *session, msg *protocol.Message) {
	switch msg.Method {
	case "notifications/initialized":
		s.logger.WithField("session", sess.id).Debug("Client initialized")
	default:
		s.logger.Debugf("Notification %s from %s", msg.Method, sess.id)
	}
}

// dispatch routes one request to the executor and writes the response (or
// error response) back on the same connection.
func (s *Server) dispatch(sess *session, msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Panic in %s handler: %v", msg.Method, r)
			s.sendError(sess, msg.ID, protocol.CodeInternalError, fmt.Sprintf("Internal error: %v", r), nil)
		}
	}()

	ctx, span := s.tracer.Start(context.Background(), "bridge.dispatch",
		trace.WithAttributes(
			attribute.String("rpc.method", msg.Method),
			attribute.String("session.id", sess.id),
		))
	defer span.End()

	switch msg.Method {
	case "initialize":
		s.sendResult(sess, msg.ID, s.initializeResult())

	case "tools/list":
		tools, err := s.executor.ListTools(ctx)
		if err != nil {
			span.RecordError(err)
			s.sendError(sess, msg.ID, protocol.CodeInternalError, err.Error(), nil)
			return
		}
		s.sendResult(sess, msg.ID, protocol.ListToolsResult{Tools: tools})

	case "tools/call":
		var params protocol.CallToolParams
		if msg.Params != nil {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.sendError(sess, msg.ID, protocol.CodeInvalidParams, "Invalid params", err.Error())
				return
			}
		}
		if params.Name == "" {
			s.sendError(sess, msg.ID, protocol.CodeInvalidRequest, "Invalid Request: missing tool name", nil)
			return
		}
		span.SetAttributes(attribute.String("tool.name", params.Name))
		result, err := s.executor.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			span.RecordError(err)
			s.sendError(sess, msg.ID, protocol.CodeInternalError, err.Error(), nil)
			return
		}
		s.sendResult(sess, msg.ID, result)

	case "agent/status":
		status, err := s.executor.Status(ctx)
		if err != nil {
			span.RecordError(err)
			s.sendError(sess, msg.ID, protocol.CodeInternalError, err.Error(), nil)
			return
		}
		s.sendResult(sess, msg.ID, status)

	case "agent/chat":
		var params protocol.ChatParams
		if msg.Params != nil {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.sendError(sess, msg.ID, protocol.CodeInvalidParams, "Invalid params", err.Error())
				return
			}
		}
		if params.Message == "" {
			s.sendError(sess, msg.ID, protocol.CodeInvalidRequest, "Invalid Request: missing message", nil)
			return
		}
		response, err := s.executor.Chat(ctx, params.Message)
		if err != nil {
			span.RecordError(err)
			s.sendError(sess, msg.ID, protocol.CodeInternalError, err.Error(), nil)
			return
		}
		s.sendResult(sess, msg.ID, map[string]any{"response": response})

	case "ping":
		s.sendResult(sess, msg.ID, protocol.PongResult{
			Pong:      true,
			Timestamp: time.Now().UnixMilli(),
			Version:   s.cfg.Version,
		})

	default:
		s.sendError(sess, msg.ID, protocol.CodeMethodNotFound, "Method not found", msg.Method)
	}
}

func (s *Server) sendResult(sess *session, id *protocol.RequestID, result any) {
	frame, err := protocol.EncodeResponse(*id, result)
	if err != nil {
		s.logger.Errorf("Encode result failed: %v", err)
		s.sendError(sess, id, protocol.CodeInternalError, "Internal error", nil)
		return
	}
	if err := sess.send(frame); err != nil {
		s.logger.Debugf("Send to %s failed: %v", sess.id, err)
	}
}

func (s *Server) sendError(sess *session, id *protocol.RequestID, code int, message string, data any) {
	frame, err := protocol.EncodeError(id, code, message, data)
	if err != nil {
		return
	}
	if err := sess.send(frame); err != nil {
		s.logger.Debugf("Send to %s failed: %v", sess.id, err)
	}
}
