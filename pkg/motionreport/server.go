// Package motionreport exposes emitted step history and compressor
// status over HTTP and websocket, so frontends can trail what the
// steppers actually did without touching the planner thread.
package motionreport

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stepperhost/pkg/log"
	"stepperhost/pkg/metrics"
	"stepperhost/pkg/stepcompress"
)

// StepperStatus is one stepper's view in a snapshot.
type StepperStatus struct {
	Oid      uint32                      `json:"oid"`
	Position int64                       `json:"position"`
	Moves    []stepcompress.HistorySteps `json:"moves,omitempty"`
}

// Snapshot is the payload sent to clients.
type Snapshot struct {
	Time     float64         `json:"time"`
	Steppers []StepperStatus `json:"steppers"`
}

// Source provides snapshots of the motion state. Implementations must
// synchronize with the planner thread; the server calls Snapshot from
// its own goroutines.
type Source interface {
	Snapshot(startClock, endClock uint64, max int) []StepperStatus
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP address to listen on (e.g. ":7130").
	Addr string

	// Source provides motion snapshots.
	Source Source

	// Interval between websocket pushes (default 500ms).
	Interval time.Duration

	// MaxMoves bounds history entries per stepper per snapshot
	// (default 64).
	MaxMoves int
}

// Server serves motion reports.
type Server struct {
	cfg        Config
	logger     *log.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	addr    string
	clients map[*websocket.Conn]struct{}
	closed  bool
}

// New creates a motion report server.
func New(cfg Config) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.MaxMoves <= 0 {
		cfg.MaxMoves = 64
	}
	return &Server{
		cfg:    cfg,
		logger: log.New("motionreport"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/motion/status", s.handleStatus)
	mux.HandleFunc("/motion/ws", s.handleWebSocket)
	mux.HandleFunc("/metrics", s.handleMetrics)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{Handler: mux}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Info("listening on %s", ln.Addr())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) snapshot() Snapshot {
	return Snapshot{
		Time:     float64(time.Now().UnixNano()) / 1e9,
		Steppers: s.cfg.Source.Snapshot(0, ^uint64(0), s.cfg.MaxMoves),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.Error("status encode: %v", err)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := metrics.Default().WriteText(w); err != nil {
		s.logger.Error("metrics write: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade: %v", err)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("client connected from %s", conn.RemoteAddr())

	go s.stream(conn)
}

// stream pushes snapshots until the client goes away.
func (s *Server) stream(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			s.logger.Debug("client dropped: %v", err)
			return
		}
	}
}

// Close stops the server and disconnects all clients.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.clients {
		conn.Close()
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// CompressorSource adapts a set of compressors with a caller-supplied
// lock into a Source. The same lock must guard all planner-side calls.
type CompressorSource struct {
	Mu   *sync.Mutex
	List []*stepcompress.Compressor
}

// Snapshot implements Source.
func (cs *CompressorSource) Snapshot(startClock, endClock uint64, max int) []StepperStatus {
	cs.Mu.Lock()
	defer cs.Mu.Unlock()
	out := make([]StepperStatus, 0, len(cs.List))
	for _, sc := range cs.List {
		out = append(out, StepperStatus{
			Oid:      sc.Oid(),
			Position: sc.FindPastPosition(endClock),
			Moves:    sc.ExtractOld(startClock, endClock, max),
		})
	}
	return out
}

// String summarizes a stepper status for logs.
func (st StepperStatus) String() string {
	return fmt.Sprintf("oid=%d pos=%d moves=%d", st.Oid, st.Position, len(st.Moves))
}
