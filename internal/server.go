package internal

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const (
	unlockAttemptLimit  = 5
	unlockAttemptWindow = 10 * time.Minute
	uploadLimit         = 10
	uploadWindow        = time.Minute
)

// ServerOptions carries everything NewServer needs.
type ServerOptions struct {
	Hub        HubConfig
	Drop       DropConfig
	Store      MetadataStore
	Logger     *logrus.Logger
	TrustProxy bool
}

// Server bundles the chat hub, the file drop and their HTTP handlers.
type Server struct {
	hub           *Hub
	drop          *DropService
	metrics       *Metrics
	log           *logrus.Entry
	uploadLimiter *RateLimiter
	attempts      *cache.Cache
	trustProxy    bool
}

func NewServer(opts ServerOptions) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	metrics := NewMetrics()
	drop, err := NewDropService(opts.Store, opts.Drop, metrics, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		hub:           NewHub(opts.Hub, metrics, logger),
		drop:          drop,
		metrics:       metrics,
		log:           logger.WithField("component", "http"),
		uploadLimiter: NewRateLimiter(uploadLimit, uploadWindow),
		attempts:      cache.New(unlockAttemptWindow, 2*unlockAttemptWindow),
		trustProxy:    opts.TrustProxy,
	}, nil
}

// Run drives the hub until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Drop() *DropService {
	return s.drop
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// clientIP is the origin used as the ownership key for file operations.
func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
			if first != "" {
				return first
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
