package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/manager"
	"github.com/ehrlich-b/perch/internal/registry"
)

// Server hosts the WebSocket bridge and the REST surface on one listener.
type Server struct {
	registry   *registry.Registry
	supervisor *manager.Supervisor
	hub        *Hub

	jwtSecret    []byte
	agentSecret  []byte
	passwordHash string

	addr string
}

func NewServer(addr string, reg *registry.Registry, sup *manager.Supervisor, hub *Hub, jwtSecret, agentSecret []byte, passwordHash string) *Server {
	return &Server{
		registry:     reg,
		supervisor:   sup,
		hub:          hub,
		jwtSecret:    jwtSecret,
		agentSecret:  agentSecret,
		passwordHash: passwordHash,
		addr:         addr,
	}
}

// Handler returns the full route table, exported for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

// ListenAndServe runs until ctx is cancelled, then tells observers to
// resync after the restart and shuts down cleanly.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("bridge listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		s.hub.BroadcastShutdown()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
