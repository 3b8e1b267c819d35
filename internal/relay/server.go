// Package relay shares one docstore.Store with remote peers over websockets.
// Every connected peer sees the same documents and receives the same pushes,
// which is what turns a local store into the shared realtime store the call
// and chat layers expect.
package relay

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/petervdpas/cove/internal/docstore"
	"github.com/petervdpas/cove/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	// Peers are native clients, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// Server exposes a store at /ws.
type Server struct {
	store     docstore.Store
	addr      string
	tokenHash []byte
	srv       *http.Server
	ln        net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New creates a relay for store listening on addr. tokenHash is a bcrypt hash
// of the bearer token peers must present; empty disables the check.
func New(store docstore.Store, addr, tokenHash string) *Server {
	s := &Server{
		store:   store,
		addr:    addr,
		clients: make(map[*client]struct{}),
	}
	if tokenHash != "" {
		s.tokenHash = []byte(tokenHash)
	}
	return s
}

// HashToken returns the bcrypt hash to put in store.token_hash.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Handler returns the relay's routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", s.handleWS)
	return r
}

// Start listens and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		s.closeClients()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("RELAY: server error: %v", err)
		}
	}()

	log.Printf("RELAY: listening on %s", ln.Addr())
	return nil
}

// URL returns the websocket endpoint peers dial.
func (s *Server) URL() string {
	addr := s.addr
	if s.ln != nil {
		addr = s.ln.Addr().String()
	}
	return "ws://" + addr + "/ws"
}

func (s *Server) authorized(r *http.Request) bool {
	if len(s.tokenHash) == 0 {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) == nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: websocket upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, store: s.store, subs: make(map[string]func())}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	log.Printf("RELAY: peer connected from %s (%d connected)", r.RemoteAddr, n)

	c.serve()

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	log.Printf("RELAY: peer %s disconnected", r.RemoteAddr)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	for c := range clients {
		_ = c.conn.Close()
	}
}
