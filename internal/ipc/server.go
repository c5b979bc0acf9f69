package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shepherd-project/shepherdd/internal/ids"
)

const (
	socketMode      = 0660
	writeQueueDepth = 64 // bounded per-client backlog before a slow client is dropped
)

// Config holds everything Server needs to bind and gate connections.
type Config struct {
	SocketPath        string
	ServiceUID        int
	ObserverEnabled   bool
	ObserverUIDs      map[int]bool
	RateLimitPerSec   int
	ShellVolumeCapPct int
}

// Server is the local-socket IPC server described by spec §4.7: NDJSON
// framing, peer-credential based roles, a per-client token bucket, and
// best-effort event broadcast with slow-client eviction.
type Server struct {
	logger  *zap.Logger
	cfg     Config
	handler CommandHandler

	listener net.Listener

	mu      sync.Mutex
	clients map[ids.ClientID]*clientConn
}

type clientConn struct {
	id         ids.ClientID
	role       Role
	conn       net.Conn
	limiter    *rate.Limiter
	outbox     chan []byte
	subscribed bool
}

// NewServer constructs a Server bound to cfg.SocketPath once Serve is
// called.
func NewServer(logger *zap.Logger, cfg Config, handler CommandHandler) *Server {
	return &Server{
		logger:  logger,
		cfg:     cfg,
		handler: handler,
		clients: make(map[ids.ClientID]*clientConn),
	}
}

// Serve binds the socket and accepts connections until ctx is canceled.
// If a socket file already exists at the configured path, Serve first
// tries to connect to it and refuses to start only if another live
// process owns it — otherwise it assumes the file is stale and removes
// it, per §5's shared-resource rule.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.reclaimStaleSocket(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, socketMode); err != nil {
		ln.Close()
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.closeAllClients()
				os.Remove(s.cfg.SocketPath)
				return nil
			default:
				return fmt.Errorf("ipc: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) reclaimStaleSocket() error {
	if _, err := os.Stat(s.cfg.SocketPath); err != nil {
		return nil // nothing there
	}
	if conn, err := net.DialTimeout("unix", s.cfg.SocketPath, 200*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("ipc: socket %s is already in use by a live process", s.cfg.SocketPath)
	}
	return os.Remove(s.cfg.SocketPath)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	uid, _, _, err := peerCredentials(conn)
	if err != nil {
		s.logger.Warn("rejecting connection: could not read peer credentials", zap.Error(err))
		return
	}
	role := DetermineRole(uid, s.cfg.ServiceUID, s.cfg.ObserverEnabled, s.cfg.ObserverUIDs)

	client := &clientConn{
		id:      ids.NewClientID(),
		role:    role,
		conn:    conn,
		limiter: newClientLimiter(s.cfg.RateLimitPerSec),
		outbox:  make(chan []byte, writeQueueDepth),
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.handler.NotifyClientConnected(ctx, client.id.String())

	defer func() {
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
	}()

	done := make(chan struct{})
	go s.writeLoop(client, done)

	s.readLoop(ctx, client)

	close(client.outbox)
	<-done
}

func (s *Server) writeLoop(c *clientConn, done chan struct{}) {
	defer close(done)
	w := bufio.NewWriter(c.conn)
	for frame := range c.outbox {
		if _, err := w.Write(frame); err != nil {
			return
		}
		if err := w.WriteByte('\n'); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *clientConn) {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		var req RequestFrame
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.sendProtocolError(c, 0, "malformed request")
			return
		}
		if !c.limiter.Allow() {
			s.sendResponse(c, req.ID, false, nil, &ResponseError{Kind: "rate_limited", Message: "too many requests"})
			continue
		}
		s.dispatch(ctx, c, req)
	}
}

func (s *Server) dispatch(ctx context.Context, c *clientConn, req RequestFrame) {
	if !Allowed(c.role, req.Command.Tag) {
		s.sendResponse(c, req.ID, false, nil, &ResponseError{Kind: "denied", Message: "command not allowed for this role"})
		return
	}

	switch req.Command.Tag {
	case CmdGetState:
		state, err := s.handler.GetState(ctx)
		s.replyValue(c, req.ID, state, err)
	case CmdListEntries:
		var at *time.Time
		if req.Command.At != nil {
			t := time.Unix(*req.Command.At, 0)
			at = &t
		}
		entries, err := s.handler.ListEntries(ctx, at)
		s.replyValue(c, req.ID, entries, err)
	case CmdLaunch:
		result, err := s.handler.Launch(ctx, req.Command.EntryID)
		s.replyValue(c, req.ID, result, err)
	case CmdStopCurrent:
		err := s.handler.StopCurrent(ctx, req.Command.StopMode, c.role)
		s.replyValue(c, req.ID, struct{}{}, err)
	case CmdReloadConfig:
		count, err := s.handler.ReloadConfig(ctx)
		s.replyValue(c, req.ID, struct {
			EntryCount int `json:"entry_count"`
		}{count}, err)
	case CmdGetHealth:
		health, err := s.handler.GetHealth(ctx)
		s.replyValue(c, req.ID, health, err)
	case CmdGetVolume:
		vol, err := s.handler.GetVolume(ctx)
		s.replyValue(c, req.ID, vol, err)
	case CmdSetVolume:
		level := req.Command.LevelPct
		if c.role == RoleShell && s.cfg.ShellVolumeCapPct > 0 && level > s.cfg.ShellVolumeCapPct {
			level = s.cfg.ShellVolumeCapPct
		}
		vol, err := s.handler.SetVolume(ctx, level)
		s.replyValue(c, req.ID, vol, err)
	case CmdExtendCurrent:
		err := s.handler.ExtendCurrent(ctx, req.Command.ExtendSecs)
		s.replyValue(c, req.ID, struct{}{}, err)
	case CmdSubscribeEvents:
		s.mu.Lock()
		c.subscribed = true
		s.mu.Unlock()
		s.replyValue(c, req.ID, struct{}{}, nil)
	default:
		s.sendResponse(c, req.ID, false, nil, &ResponseError{Kind: "protocol", Message: "unknown command"})
	}
}

func (s *Server) replyValue(c *clientConn, id int64, v any, err error) {
	if err != nil {
		s.sendResponse(c, id, false, nil, &ResponseError{Kind: "error", Message: err.Error()})
		return
	}
	payload, marshalErr := json.Marshal(v)
	if marshalErr != nil {
		s.sendResponse(c, id, false, nil, &ResponseError{Kind: "error", Message: marshalErr.Error()})
		return
	}
	s.sendResponse(c, id, true, payload, nil)
}

func (s *Server) sendProtocolError(c *clientConn, id int64, msg string) {
	s.sendResponse(c, id, false, nil, &ResponseError{Kind: "protocol", Message: msg})
}

func (s *Server) sendResponse(c *clientConn, id int64, success bool, payload json.RawMessage, respErr *ResponseError) {
	frame := ResponseFrame{Type: FrameResponse, ID: id, Success: success, Payload: payload, Error: respErr}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.enqueue(c, data)
}

// Broadcast delivers an event to every subscribed client. Delivery is
// best-effort: a client whose outbox is full is dropped rather than
// allowed to stall the broadcast for everyone else.
func (s *Server) Broadcast(ctx context.Context, payload EventPayload) {
	frame := newEventFrame(payload)
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal event", zap.Error(err))
		return
	}

	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		if c.subscribed {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if !s.enqueue(c, data) {
			s.dropSlowClient(ctx, c)
		}
	}
}

// enqueue attempts a non-blocking send to c's outbox, returning false if
// the backlog is full.
func (s *Server) enqueue(c *clientConn, data []byte) bool {
	select {
	case c.outbox <- data:
		return true
	default:
		return false
	}
}

func (s *Server) dropSlowClient(ctx context.Context, c *clientConn) {
	s.logger.Warn("dropping slow IPC client", zap.String("client_id", c.id.String()))
	s.handler.NotifyClientDropped(ctx, c.id.String())
	c.conn.Close()
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.conn.Close()
	}
}
