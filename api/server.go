package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"peershare/logging"
	"peershare/models"
	"peershare/network"
	"peershare/registry"
	"peershare/storage"
)

const (
	// DefaultMaxUploadBytes caps one multipart upload.
	DefaultMaxUploadBytes = 32 << 20
	// DefaultShareTTL is used when a share request names no ttl.
	DefaultShareTTL = 5 * time.Minute
	// MaxShareTTL is the longest validity a share request may ask for.
	MaxShareTTL = 7 * 24 * time.Hour

	readHeaderTimeout = 10 * time.Second
)

// Store is the storage surface the API serves.
type Store interface {
	Put(name string, data []byte) (string, error)
	Get(id string) ([]byte, error)
	Stat(id string) (*models.Blob, error)
	ListBlobs() ([]models.Blob, error)
	ListGrants() ([]models.ShareGrant, error)
	ActiveGrants(now time.Time) ([]models.ShareGrant, error)
	GetSecurityEvents(filter storage.SecurityEventFilter) ([]storage.SecurityEvent, error)
	CountSecurityEvents(filter storage.SecurityEventFilter) (map[string]int, error)
}

// Sharer issues a share claim to a peer and reports its verdict.
type Sharer interface {
	Share(ctx context.Context, target models.PeerAddress, resourceID string, ttl time.Duration) (network.ShareResult, error)
}

// Options configures the HTTP control API.
type Options struct {
	Self     models.PeerAddress
	Store    Store
	Registry *registry.Registry
	Sharer   Sharer
	Logger   *slog.Logger

	ShareTTL       time.Duration
	MaxUploadBytes int64
	Now            func() time.Time
}

// Server exposes local blobs, peers and grants over HTTP.
type Server struct {
	options Options
	logger  *slog.Logger
	router  *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server
}

// New builds the router. It does not listen.
func New(options Options) (*Server, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if options.Sharer == nil {
		return nil, errors.New("sharer is required")
	}
	if options.ShareTTL <= 0 {
		options.ShareTTL = DefaultShareTTL
	}
	if options.MaxUploadBytes <= 0 {
		options.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	s := &Server{
		options: options,
		logger:  logging.Child(options.Logger, "api"),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on address and serves in the background.
func (s *Server) Start(address string) (net.Addr, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen api on %s: %w", address, err)
	}

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.mu.Lock()
	s.httpServer = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", logging.Error(err))
		}
	}()
	s.logger.Info("api listening", "addr", listener.Addr().String())
	return listener.Addr(), nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.health)

	router.GET("/files", s.listFiles)
	router.POST("/files", s.uploadFile)
	router.GET("/files/:id", s.downloadFile)
	router.POST("/files/:id/share", s.shareFile)

	router.GET("/peers", s.listPeers)
	router.POST("/peers", s.addPeer)

	router.GET("/grants", s.listGrants)
	router.GET("/security/events", s.listSecurityEvents)

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
