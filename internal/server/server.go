package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"image/png"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sensorpipe-go/internal/metrics"
	"sensorpipe-go/internal/types"
)

//go:embed web/*
var webFS embed.FS

// FrameSource serves the newest frame of a stream.
type FrameSource interface {
	Newest(kind types.StreamKind, annotated bool) (*types.Frame, error)
}

// Deps are the callbacks the server renders. Nil entries disable the
// corresponding endpoint content.
type Deps struct {
	Frames  FrameSource
	Status  func() map[string]any
	Config  func() map[string]any
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type client struct {
	id      uuid.UUID
	writeMu sync.Mutex
}

type Server struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*client
	mu       sync.Mutex
	deps     Deps
	logger   *slog.Logger
}

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*client),
		deps:    deps,
		logger:  logger,
	}
}

// Handler routes every endpoint of the server.
func (s *Server) Handler() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(sub)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /frames/{file}", s.handleFrame)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	return mux, nil
}

// Run serves HTTP on port and broadcasts messages to websocket clients until
// ctx is done.
func Run(ctx context.Context, port int, messages <-chan any, deps Deps) error {
	srv := New(deps)
	handler, err := srv.Handler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go srv.broadcast(ctx, messages)

	err = httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &client{id: uuid.New()}
	count := s.addClient(conn, c)
	s.logger.Debug("websocket client connected", "client", c.id, "clients", count)

	hello := map[string]any{"type": "config"}
	if s.deps.Config != nil {
		if cfg := s.deps.Config(); cfg != nil {
			hello = cfg
		}
	}
	hello["client_id"] = c.id.String()
	_ = s.writeJSON(conn, c, hello)

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, c, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request map[string]any
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			if request["type"] == "status_request" && s.deps.Status != nil {
				status := s.deps.Status()
				status["type"] = "status"
				_ = s.writeJSON(conn, c, status)
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{}
	if s.deps.Config != nil {
		payload = s.deps.Config()
	}
	writeJSONResponse(w, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{}
	if s.deps.Status != nil {
		payload = s.deps.Status()
	}
	payload["ws_clients"] = s.clientCount()
	writeJSONResponse(w, payload)
}

// handleFrame serves /frames/{stream}.png, annotated with the tracking
// overlay when ?annotated=1.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	name, ok := strings.CutSuffix(r.PathValue("file"), ".png")
	if !ok {
		http.NotFound(w, r)
		return
	}
	kind, err := types.ParseStreamKind(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if s.deps.Frames == nil {
		http.Error(w, "no frame source", http.StatusServiceUnavailable)
		return
	}
	annotated, _ := strconv.ParseBool(r.URL.Query().Get("annotated"))
	frame, err := s.deps.Frames.Newest(kind, annotated)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	if err := png.Encode(w, frame.Image()); err != nil {
		s.logger.Warn("png encode failed", "stream", kind.String(), "err", err)
	}
}

func writeJSONResponse(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) broadcast(ctx context.Context, messages <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			payload, err := json.Marshal(message)
			if err != nil {
				s.logger.Debug("dropping unencodable message", "err", err)
				continue
			}
			var stale []*websocket.Conn
			s.mu.Lock()
			for conn, c := range s.clients {
				if err := s.writeMessage(conn, c, websocket.TextMessage, payload); err != nil {
					stale = append(stale, conn)
				}
			}
			s.mu.Unlock()
			for _, conn := range stale {
				s.removeClient(conn)
			}
		}
	}
}

func (s *Server) addClient(conn *websocket.Conn, c *client) int {
	s.mu.Lock()
	s.clients[conn] = c
	n := len(s.clients)
	s.mu.Unlock()
	s.deps.Metrics.SetWSClients(n)
	return n
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	c, ok := s.clients[conn]
	delete(s.clients, conn)
	n := len(s.clients)
	s.mu.Unlock()
	conn.Close()
	if ok {
		s.deps.Metrics.SetWSClients(n)
		s.logger.Debug("websocket client left", "client", c.id, "clients", n)
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, c *client, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, c *client, messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
