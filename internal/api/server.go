// Package api is the local control surface of a running node: wall
// management, path submission, peer naming, metrics and a live event feed.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/circle-free/graffiti/internal/dag"
	"github.com/circle-free/graffiti/internal/event"
	"github.com/circle-free/graffiti/internal/logging"
	"github.com/circle-free/graffiti/internal/metrics"
	"github.com/circle-free/graffiti/internal/node"
	"github.com/circle-free/graffiti/internal/wall"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Backend is the node surface the API drives. *node.Node implements it.
type Backend interface {
	ID() string
	DisplayName() string
	Rename(ctx context.Context, name string) error
	Peers() []node.PeerInfo

	ListWalls() []wall.Info
	CurrentWall() wall.Info
	Paths(id string) ([]dag.PathRecord, error)
	CreateWall(ctx context.Context, name string) (wall.Info, error)
	SetWall(ctx context.Context, id string) ([]dag.PathRecord, error)
	DeleteWall(ctx context.Context, id string) error
	SnapshotWall(ctx context.Context, id string) (string, error)
	AddPath(ctx context.Context, payload []byte) (dag.PathRecord, error)

	Subscribe(buffer int) (<-chan event.Event, func())
}

type Server struct {
	b        Backend
	router   *gin.Engine
	log      zerolog.Logger
	appeared time.Time
}

func New(b Backend) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		b:        b,
		router:   gin.New(),
		log:      logging.Component("api"),
		appeared: time.Now(),
	}
	s.router.Use(gin.Recovery(), requestLogger(s.log), requestMetrics())
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve answers on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("control API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logger.Debug()
		if status >= 500 {
			entry = logger.Error()
		} else if status >= 400 {
			entry = logger.Warn()
		}
		entry.
			Str("method", c.Request.Method).
			Str("path", routePath(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.RecordHTTPRequest(c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}
