// Package server implements the collaboration server: it accepts
// client connections, runs the connect handshake, and executes the
// periodic fan-out tick across all registered protocol plug-ins.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jech/cert"
	"golang.org/x/sync/errgroup"

	"github.com/web5design/collab/protocol"
	"github.com/web5design/collab/stats"
	"github.com/web5design/collab/token"
	"github.com/web5design/collab/wire"
)

// Type Server is one collaboration server.  It is a pure forwarder:
// protocol plug-ins interpret the message bodies, the server only
// frames, buffers and fans out.
type Server struct {
	config    *Config
	dataDir   string
	protocols []protocol.Server

	mu      sync.Mutex
	clients map[uint32]*client
	nextId  uint32

	// tickMu serialises the fan-out tick against membership
	// changes, so that a tick always sees a stable client set.
	tickMu sync.Mutex

	httpServer *http.Server
	listener   net.Listener
	shutdown   chan struct{}
	once       sync.Once
}

func New(config *Config, dataDir string) *Server {
	return &Server{
		config:   config,
		dataDir:  dataDir,
		clients:  make(map[uint32]*client),
		shutdown: make(chan struct{}),
	}
}

// Register adds a protocol plug-in.  All plug-ins must be registered
// before Serve.
func (s *Server) Register(p protocol.Server) {
	s.protocols = append(s.protocols, p)
}

func (s *Server) findProtocol(name string) protocol.Server {
	for _, p := range s.protocols {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Serve runs the websocket listener and the fan-out ticker.  It
// returns when Shutdown is called or the listener fails.
func (s *Server) Serve() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Upgrade: %v", err)
			return
		}
		go s.serveClient(conn)
	})
	mux.HandleFunc("/stats.json", s.statsHandler)

	hs := &http.Server{
		Addr:              s.config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if !s.config.Insecure {
		certificate := cert.New(
			filepath.Join(s.dataDir, "cert.pem"),
			filepath.Join(s.dataDir, "key.pem"),
		)
		hs.TLSConfig = &tls.Config{
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				return certificate.Get()
			},
		}
	}
	s.httpServer = hs

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = ln

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		var err error
		if !s.config.Insecure {
			err = hs.ServeTLS(ln, "", "")
		} else {
			err = hs.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.tickLoop(ctx)
		return nil
	})
	return g.Wait()
}

// Addr returns the listener's address, valid once Serve has started
// listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown disconnects all clients and stops the listener.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		close(s.shutdown)
	})
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.closeClient(c)
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), 2*time.Second,
		)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(
		time.Second / time.Duration(s.config.TickRate),
	)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-s.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one fan-out round: freeze every source's pending data,
// emit one server-update per destination built from the frozen
// snapshots, then release them.  Every destination receives the same
// batch from a given source.
func (s *Server) Tick() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	for _, c := range clients {
		for i, p := range c.protocols {
			err := p.BeforeServerUpdate(c.states[i])
			if err != nil {
				log.Printf("BeforeServerUpdate: %v", err)
			}
		}
	}

	for _, dst := range clients {
		w := wire.NewWriter()
		w.WriteUint16(protocol.ServerUpdateMessage)
		w.WriteUint16(uint16(len(clients) - 1))
		failed := false
		for _, src := range clients {
			if src == dst {
				continue
			}
			w.WriteUint32(src.id)
			for i, p := range src.protocols {
				body := wire.NewWriter()
				err := p.SendServerUpdate(
					src.states[i], body,
				)
				if err != nil {
					log.Printf("SendServerUpdate: %v",
						err)
					failed = true
					break
				}
				w.WriteBlob(body.Bytes())
			}
			if failed {
				break
			}
		}
		if !failed {
			dst.send(w.Bytes())
		}
	}

	for _, c := range clients {
		for i, p := range c.protocols {
			err := p.AfterServerUpdate(c.states[i])
			if err != nil {
				log.Printf("AfterServerUpdate: %v", err)
			}
		}
	}
}

// authorise checks the credentials a client presented.  If the client
// offered a token and keys are configured, the token alone decides:
// an invalid token is refused without checking the password.
// Otherwise the configured password, if any, must match.  The
// returned username may differ from the offered one if a token
// overrode it.
func (s *Server) authorise(username, password, tok string) (string, error) {
	if tok != "" && len(s.config.AuthKeys) > 0 {
		t, err := token.Parse(tok, s.config.AuthKeys)
		if err != nil {
			return "", err
		}
		u, err := t.Check(
			s.config.CanonicalHost, s.config.Group, &username,
		)
		if err != nil {
			return "", err
		}
		if u != "" {
			username = u
		}
		return username, nil
	}
	if s.config.Password != nil {
		err := s.config.Password.Check(password)
		if err != nil {
			// log the detail, but never leak a
			// configuration problem to the peer
			log.Printf("Join refused for %v: %v",
				username, err)
			return "", ErrNotAuthorised
		}
	}
	return username, nil
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	cs := make([]*stats.Client, 0, len(clients))
	for _, c := range clients {
		sc := &stats.Client{
			Id:   c.id,
			Name: c.name,
		}
		for _, state := range c.states {
			st, ok := state.(stats.Statable)
			if !ok {
				continue
			}
			ss := st.GetStats()
			if sc.Audio == nil {
				sc.Audio = ss.Audio
			}
			if sc.Video == nil {
				sc.Video = ss.Video
			}
		}
		cs = append(cs, sc)
	}
	stats.Sort(cs)

	w.Header().Set("content-type", "application/json")
	w.Header().Set("cache-control", "no-cache")
	if r.Method == "HEAD" {
		return
	}
	e := json.NewEncoder(w)
	e.Encode(cs)
}
