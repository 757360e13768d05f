package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	intrnl "dropchat/internal"
	"dropchat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr    string
	server  *http.Server
	store   *storage.Store
	cancel  context.CancelFunc
	hubDone <-chan struct{}
	drained chan struct{}
	done    chan struct{}
	err     error
	log     *logrus.Entry
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := h.server.Shutdown(ctx)
	h.cancel()
	return err
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the metadata store, runs migrations, starts the hub and
// serves in the background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, logger *logrus.Logger) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.Path = NormalizeJoinPath(cfg.Path)
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	server, err := intrnl.NewServer(intrnl.ServerOptions{
		Hub: intrnl.HubConfig{
			HistoryCapacity: cfg.HistoryCapacity,
			ReplayCount:     cfg.ReplayCount,
			NotifyJoiner:    cfg.NotifyJoiner,
		},
		Drop: intrnl.DropConfig{
			UploadDir:         cfg.UploadDir,
			MaxFileSize:       cfg.MaxFileSize,
			MaxFilesPerOrigin: cfg.MaxFilesPerOrigin,
			AllowedExtensions: cfg.AllowedExtensions,
		},
		Store:      store,
		Logger:     logger,
		TrustProxy: cfg.TrustProxy,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	RegisterHandlers(mux, cfg.Path, server)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	hubCtx, cancel := context.WithCancel(ctx)
	go server.Run(hubCtx)

	handle := &ServerHandle{
		addr:    listener.Addr().String(),
		server:  httpServer,
		store:   store,
		cancel:  cancel,
		hubDone: server.Hub().Done(),
		drained: make(chan struct{}),
		done:    make(chan struct{}),
		log:     logger.WithField("component", "app"),
	}

	// in-flight handlers still use the store until Shutdown returns
	go func() {
		defer close(handle.drained)
		<-hubCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			handle.log.WithError(err).Error("server shutdown error")
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.cancel()
	<-h.hubDone
	<-h.drained
	if err := h.store.Close(); err != nil {
		h.log.WithError(err).Error("store close error")
	}
	h.err = err
}

// RegisterHandlers mounts every route on mux.
func RegisterHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("/api/upload", server.HandleFileUpload)
	mux.HandleFunc("/api/files", server.HandleListFiles)
	mux.HandleFunc("/api/files/", server.HandleFile)
	mux.HandleFunc("/d/", server.HandleDownload)
	mux.HandleFunc("/api/chat/participants", server.HandleParticipants)
	mux.HandleFunc("/health", server.HandleHealth)
	mux.Handle("/metrics", server.MetricsHandler())
}
