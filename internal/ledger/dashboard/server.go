// Package dashboard serves a WebSocket feed of ledger sync activity.
//
// Connected clients receive the latest status snapshot on connect, then a
// message for every push or pull outcome and every status refresh.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// MessageType names what a dashboard frame carries.
type MessageType string

const (
	// MessageTypeStatus carries a status snapshot.
	MessageTypeStatus MessageType = "status"

	MessageTypeSyncComplete MessageType = "sync_complete"
	MessageTypeSyncFailed   MessageType = "sync_failed"
	MessageTypePullComplete MessageType = "pull_complete"
	MessageTypePullFailed   MessageType = "pull_failed"
)

// Message is one frame sent to every subscriber.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// queueSize bounds frames waiting for fan-out.
const queueSize = 100

const writeTimeout = 5 * time.Second

// subscribers is the set of open WebSocket connections.
type subscribers struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

func (b *subscribers) add(conn *websocket.Conn) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn] = struct{}{}
	return len(b.conns)
}

// remove reports whether conn was still registered.
func (b *subscribers) remove(conn *websocket.Conn) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[conn]
	delete(b.conns, conn)
	return ok, len(b.conns)
}

func (b *subscribers) snapshot() []*websocket.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(b.conns))
	for conn := range b.conns {
		out = append(out, conn)
	}
	return out
}

func (b *subscribers) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

func (b *subscribers) closeAll(code websocket.StatusCode, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		_ = conn.Close(code, reason)
	}
	clear(b.conns)
}

// Server pushes ledger sync activity to WebSocket subscribers.
type Server struct {
	addr     string
	listener net.Listener
	httpSrv  *http.Server

	subs  subscribers
	queue chan Message

	// replayed to new subscribers
	lastMu     sync.RWMutex
	lastStatus *Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// Config selects where the dashboard listens.
type Config struct {
	// Host to bind (default: localhost)
	Host string

	// Port to listen on; 0 picks a free port.
	Port int

	Logger *zap.Logger
}

// DefaultConfig listens on localhost:8765.
func DefaultConfig() *Config {
	return &Config{Host: "localhost", Port: 8765}
}

// NewServer returns a stopped server; call Start to listen.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	host := config.Host
	if host == "" {
		host = "localhost"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   net.JoinHostPort(host, fmt.Sprint(config.Port)),
		subs:   subscribers{conns: make(map[*websocket.Conn]struct{})},
		queue:  make(chan Message, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("dashboard"),
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dashboard cannot listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard serve failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Stop disconnects every subscriber and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()
	s.subs.closeAll(websocket.StatusGoingAway, "dashboard stopping")

	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if shutdownErr := s.httpSrv.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("dashboard shutdown: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return err
}

// Broadcast queues msg for every subscriber. It never blocks; a full queue
// drops the message.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Type == MessageTypeStatus {
		s.lastMu.Lock()
		s.lastStatus = &msg
		s.lastMu.Unlock()
	}

	select {
	case s.queue <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("dashboard queue full, dropping message", zap.String("type", string(msg.Type)))
	}
}

func (s *Server) fanOut() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			frame, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("cannot encode dashboard message", zap.Error(err))
				continue
			}
			for _, conn := range s.subs.snapshot() {
				if err := s.send(conn, frame); err != nil {
					s.logger.Debug("dropping subscriber", zap.Error(err))
					s.unsubscribe(conn)
				}
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// Greet before registering so the snapshot is always the first frame.
	if last := s.latestStatus(); last != nil {
		if frame, err := json.Marshal(last); err == nil {
			_ = s.send(conn, frame)
		}
	}

	n := s.subs.add(conn)
	s.logger.Debug("subscriber connected", zap.Int("subscribers", n))

	s.wg.Add(1)
	go s.readLoop(conn)
}

// readLoop keeps the connection open until the subscriber goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.unsubscribe(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) unsubscribe(conn *websocket.Conn) {
	if ok, n := s.subs.remove(conn); ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("subscriber disconnected", zap.Int("subscribers", n))
	}
}

func (s *Server) latestStatus() *Message {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.lastStatus
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "clients": s.ClientCount()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	last := s.latestStatus()
	if last == nil {
		http.Error(w, "no status yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(last.Data)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, rootPage, r.Host)
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount is the number of open subscriptions.
func (s *Server) ClientCount() int { return s.subs.len() }

const rootPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Ledger sync</title></head>
<body>
<h1>Ledger sync</h1>
<ul>
<li>Live feed: <code>ws://%[1]s/ws</code></li>
<li>Latest snapshot: <a href="/status">/status</a></li>
<li>Liveness: <a href="/health">/health</a></li>
</ul>
</body>
</html>`
