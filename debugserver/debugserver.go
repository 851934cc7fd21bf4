// Package debugserver implements the live debug inspector (C11): a
// read-only WebSocket feed of node state transitions and pipe writes,
// plus a snapshot of the scheduler's execution history, for attaching
// an external viewer to a running Environment without touching its
// control flow.
package debugserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ailets/ailets-go/dag"
	"github.com/ailets/ailets-go/handle"
	"github.com/ailets/ailets-go/scheduler"
)

// Event is one line of the live feed pushed to every connected client.
type Event struct {
	Type      string        `json:"type"` // "state_change" | "pipe_write"
	NodeID    handle.Handle `json:"node_id"`
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	State     string        `json:"state,omitempty"`
	Bytes     int           `json:"bytes,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

var nowFunc = time.Now

// Server fans scheduler.Observer callbacks out to every connected
// WebSocket client and serves the scheduler's execution history over a
// plain HTTP endpoint, grounded on the teacher's http.ServeMux-routed
// debug/metrics endpoints.
type Server struct {
	sched *scheduler.Scheduler

	mu      sync.Mutex
	clients map[chan Event]struct{}

	httpServer *http.Server
}

// New builds a Server that will observe sched. Call Listen to start
// accepting connections. Server implements scheduler.Observer and New
// registers it with sched.AddObserver, so call New before the run
// starts to avoid missing early events.
func New(sched *scheduler.Scheduler) *Server {
	s := &Server{
		sched:   sched,
		clients: make(map[chan Event]struct{}),
	}
	sched.AddObserver(s)
	return s
}

// OnStateChange implements scheduler.Observer.
func (s *Server) OnStateChange(node *dag.Node) {
	s.broadcast(Event{
		Type:      "state_change",
		NodeID:    node.ID,
		Name:      node.Name,
		Kind:      node.Kind,
		State:     node.State.String(),
		Timestamp: nowFunc(),
	})
}

// OnPipeWrite implements scheduler.Observer.
func (s *Server) OnPipeWrite(node *dag.Node, n int) {
	s.broadcast(Event{
		Type:      "pipe_write",
		NodeID:    node.ID,
		Name:      node.Name,
		Kind:      node.Kind,
		Bytes:     n,
		Timestamp: nowFunc(),
	})
}

func (s *Server) broadcast(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- evt:
		default:
			// slow client; drop the event rather than block the scheduler.
		}
	}
}

func (s *Server) addClient() chan Event {
	ch := make(chan Event, 64)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) removeClient(ch chan Event) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
	close(ch)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	ch := s.addClient()
	defer s.removeClient(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.sched.History())
}

// Listen starts the HTTP/WebSocket listener on addr. It runs until the
// context is cancelled or the listener fails.
func (s *Server) Listen(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/history", s.handleHistory)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
