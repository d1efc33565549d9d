// Package monitor exposes the driveboard's status over HTTP and WebSocket:
// REST endpoints for status, stop, resume and homing, a Prometheus metrics
// endpoint, and a WebSocket stream pushing status updates to connected UIs.
package monitor

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"driveboard-go/pkg/log"
	"driveboard-go/pkg/metrics"
)

// Controller is the machine facade the server queries and drives.
type Controller interface {
	// Status returns the current board status as a JSON-ready map.
	Status() map[string]any

	// RequestStop latches an operator stop.
	RequestStop()

	// Resume clears the stop latch and reopens the job stream.
	Resume()

	// Home runs the homing cycle. Blocks until done.
	Home() error
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. ":7125").
	Addr string

	Controller Controller

	// Registry backs the /metrics endpoint. Optional.
	Registry *metrics.Registry

	// BroadcastInterval is the status push period (default 250ms).
	BroadcastInterval time.Duration

	Logger *log.Logger
}

// Server is the monitor HTTP/WebSocket server.
type Server struct {
	ctrl     Controller
	registry *metrics.Registry
	logger   *log.Logger

	httpServer *http.Server
	addr       string
	interval   time.Duration

	upgrader websocket.Upgrader

	clientMu sync.RWMutex
	clients  map[int64]*wsClient
	nextID   int64

	running   atomic.Bool
	startTime time.Time
}

// New creates a monitor server.
func New(cfg Config) *Server {
	s := &Server{
		ctrl:      cfg.Controller,
		registry:  cfg.Registry,
		logger:    cfg.Logger,
		addr:      cfg.Addr,
		interval:  cfg.BroadcastInterval,
		clients:   make(map[int64]*wsClient),
		startTime: time.Now(),
	}
	if s.logger == nil {
		s.logger = log.GetLogger("monitor")
	}
	if s.interval <= 0 {
		s.interval = 250 * time.Millisecond
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler returns the HTTP handler, for embedding or testing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/board/info", s.handleInfo)
	mux.HandleFunc("/board/status", s.handleStatus)
	mux.HandleFunc("/board/stop", s.handleStop)
	mux.HandleFunc("/board/resume", s.handleResume)
	mux.HandleFunc("/board/home", s.handleHome)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	return s.corsMiddleware(mux)
}

// Start runs the server. Blocks until Close.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	s.running.Store(true)
	s.logger.WithField("addr", s.addr).Info("monitor server starting")
	go s.broadcastLoop()
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down and disconnects all clients.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	s.writeJSON(w, map[string]any{
		"result": map[string]any{
			"hostname": hostname,
			"uptime":   time.Since(s.startTime).Seconds(),
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.status()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.logger.Warn("stop requested over HTTP")
	if s.ctrl != nil {
		s.ctrl.RequestStop()
	}
	s.writeJSON(w, map[string]any{"result": "ok"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ctrl != nil {
		s.ctrl.Resume()
	}
	s.writeJSON(w, map[string]any{"result": "ok"})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ctrl != nil {
		if err := s.ctrl.Home(); err != nil {
			s.writeJSONError(w, err)
			return
		}
	}
	s.writeJSON(w, map[string]any{"result": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.Error(w, "no metrics registry", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(s.registry.Gather()))
}

func (s *Server) status() map[string]any {
	if s.ctrl == nil {
		return map[string]any{}
	}
	return s.ctrl.Status()
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": err.Error()},
	})
}

// wsClient is one WebSocket connection with a buffered send pump.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	once   sync.Once
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}

	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	s.logger.WithField("client", c.id).Info("websocket client connected")

	go c.writePump()

	// Push the current status immediately so the UI does not wait a full
	// broadcast period.
	c.send(statusNotification(s.status(), time.Since(s.startTime).Seconds()))

	c.readPump()
}

func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		// Slow client, drop the update; the next broadcast supersedes it.
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		// Incoming messages are ignored; control goes through the REST
		// endpoints. Reading keeps the connection's pings serviced.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	s.logger.WithField("client", c.id).Info("websocket client disconnected")
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C
		s.broadcast()
	}
}

func (s *Server) broadcast() {
	s.clientMu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientMu.RUnlock()

	if len(clients) == 0 {
		return
	}
	msg := statusNotification(s.status(), time.Since(s.startTime).Seconds())
	for _, c := range clients {
		c.send(msg)
	}
}

func statusNotification(status map[string]any, eventtime float64) map[string]any {
	return map[string]any{
		"method": "notify_status",
		"params": []any{status, eventtime},
	}
}
