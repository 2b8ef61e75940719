// Package admin serves the small HTTP surface used to operate a replica:
// Prometheus metrics, a liveness probe, and a websocket feed of
// membership/leader-change events (spec §4.7).
//
// The event feed broadcasts replication.Event values to connected admin
// observers, the same "registry of live connections plus a broadcast
// function" shape used for presence fan-out. The static API-key gate is
// a simplified stand-in for a signed-appid scheme: validating an
// HMAC-signed key against a per-application salt drawn from a database
// of registered apps has no counterpart in this design (there is
// exactly one operator, not a population of registered client
// applications), so the gate here is a single shared secret compared in
// constant time.
package admin

import (
	"crypto/subtle"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/replichat/chat/server/replication"
)

// Server is the admin HTTP surface for one replica process.
type Server struct {
	httpServer *http.Server

	apiKey   string
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]chan replication.Event
}

// New builds an admin Server listening on addr. apiKey, if non-empty, is
// required as the X-Admin-Key header on /metrics and /admin/events;
// /healthz is served without it. engine's events
// are forwarded to every connected /admin/events client.
func New(addr, apiKey string, engine *replication.Engine) *Server {
	s := &Server{
		apiKey:   apiKey,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		subs:     make(map[*websocket.Conn]chan replication.Event),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.gate(promhttp.Handler()))
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/admin/events", s.gateFunc(s.events))

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handlers.CombinedLoggingHandler(log.Writer(), mux),
	}

	engine.SetEventObserver(s.broadcast)

	return s
}

func (s *Server) gate(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) gateFunc(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	got := r.Header.Get("X-Admin-Key")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) == 1
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// events upgrades to a websocket and streams replication.Events as JSON
// text frames until the client disconnects.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("admin: websocket upgrade failed:", err)
		return
	}
	defer conn.Close()

	ch := make(chan replication.Event, 16)
	s.mu.Lock()
	s.subs[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
	}()

	for ev := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// broadcast fans out ev to every connected /admin/events client,
// dropping it for any subscriber whose channel is full rather than
// blocking the replication engine's own goroutine.
func (s *Server) broadcast(ev replication.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ListenAndServe runs the admin HTTP server until Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes every open /admin/events connection and stops the
// HTTP server from accepting new connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	for conn, ch := range s.subs {
		close(ch)
		conn.Close()
	}
	s.subs = make(map[*websocket.Conn]chan replication.Event)
	s.mu.Unlock()

	s.httpServer.Close()
}
