package mirror

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const WebsocketPath = "/ws"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the mirrored effects over a websocket.
type Server struct {
	addr    string
	pool    *ConnectionPool
	watcher *Watcher
}

func NewServer(addr string, sub message.Subscriber) *Server {
	s := &Server{addr: addr, pool: NewConnectionPool()}
	s.watcher = NewWatcher(sub, func(_ Envelope, b []byte) {
		s.pool.Broadcast(b)
	})
	return s
}

func (s *Server) Pool() *ConnectionPool {
	return s.pool
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Path(WebsocketPath).Methods("GET").HandlerFunc(s.handleWS)
	r.Path("/healthz").Methods("GET").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"watchers": s.pool.Count()})
	})
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("component", "mirror").Msg("websocket upgrade failed")
		return
	}
	s.pool.Add(conn)
	log.Debug().Str("component", "mirror").Str("remote", r.RemoteAddr).Msg("watcher connected")
	// keep the connection until the client goes away
	go func() {
		defer s.pool.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Run subscribes to the bus and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "mirror: listen on %s", s.addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.watcher.Start(ctx); err != nil {
		_ = ln.Close()
		return errors.Wrap(err, "mirror: subscribe")
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("component", "mirror").Str("addr", ln.Addr().String()).Msg("serving effect mirror")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.watcher.Stop()
		s.pool.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
