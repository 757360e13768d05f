package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	intrnl "dropchat/internal"
	"dropchat/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("dropchat", flag.ExitOnError)
	addr := flagSet.String("addr", envOrDefault("DROPCHAT_ADDR", defaultAddrForMode(mode)), "server listen address")
	path := flagSet.String("path", envOrDefault("DROPCHAT_PATH", "/chat"), "websocket chat path")
	db := flagSet.String("db", envOrDefault("DROPCHAT_DB_PATH", ""), "sqlite metadata database path")
	uploads := flagSet.String("uploads", envOrDefault("DROPCHAT_UPLOAD_DIR", ""), "directory for uploaded files")
	maxSize := flagSet.Int64("max-file-size", envInt64("DROPCHAT_MAX_FILE_SIZE", intrnl.DefaultMaxFileSize), "upload size ceiling in bytes")
	maxFiles := flagSet.Int("max-files", int(envInt64("DROPCHAT_MAX_FILES", intrnl.DefaultMaxFilesPerOrigin)), "live files allowed per origin")
	extensions := flagSet.String("extensions", envOrDefault("DROPCHAT_EXTENSIONS", strings.Join(intrnl.DefaultAllowedExtensions, ",")), "comma separated upload allow-list")
	history := flagSet.Int("history", int(envInt64("DROPCHAT_HISTORY", 100)), "chat history capacity")
	notifyJoiner := flagSet.Bool("notify-joiner", envBool("DROPCHAT_NOTIFY_JOINER", false), "also send user_joined to the joining connection")
	trustProxy := flagSet.Bool("trust-proxy", envBool("DROPCHAT_TRUST_PROXY", false), "take the caller origin from X-Forwarded-For")
	serverURL := flagSet.String("server-url", envOrDefault("DROPCHAT_SERVER", "ws://localhost:8080/chat"), "server websocket URL (client mode)")
	username := flagSet.String("user", envOrDefault("DROPCHAT_USER", ""), "display name to join with")
	logLevel := flagSet.String("log-level", envOrDefault("DROPCHAT_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	flagSet.Parse(args)

	logger := newLogger(*logLevel, *quiet)

	serverCfg := app.ServerConfig{
		Addr:              *addr,
		Path:              app.NormalizeJoinPath(*path),
		DBPath:            *db,
		UploadDir:         *uploads,
		MaxFileSize:       *maxSize,
		MaxFilesPerOrigin: *maxFiles,
		AllowedExtensions: splitList(*extensions),
		HistoryCapacity:   *history,
		NotifyJoiner:      *notifyJoiner,
		TrustProxy:        *trustProxy,
	}
	if serverCfg.DBPath == "" {
		serverCfg.DBPath = app.DefaultDBPath()
	}
	if serverCfg.UploadDir == "" {
		serverCfg.UploadDir = app.DefaultUploadDir()
	}

	clientCfg := app.ClientConfig{
		ServerURL: *serverURL,
		Username:  *username,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg, logger)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg, logger)
	default:
		err = runClientMode(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "dropchat: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string, quiet bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("invalid log level %q, defaulting to info", level)
		parsed = logrus.InfoLevel
	}
	if quiet && parsed > logrus.WarnLevel {
		parsed = logrus.WarnLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func runServerMode(ctx context.Context, cfg app.ServerConfig, logger *logrus.Logger) error {
	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"addr":    handle.Addr(),
		"ws_path": cfg.Path,
		"db":      cfg.DBPath,
		"uploads": cfg.UploadDir,
	}).Info("dropchat server listening")
	return handle.Wait()
}

func runClientMode(cfg app.ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("client mode requires --server-url or DROPCHAT_SERVER")
	}
	return app.RunClient(cfg)
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, logger *logrus.Logger) error {
	if err := os.MkdirAll(filepath.Dir(serverCfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	// the TUI owns the terminal, keep server chatter out of it
	if logger.GetLevel() > logrus.ErrorLevel {
		logger.SetLevel(logrus.ErrorLevel)
	}

	handle, err := app.RunServer(ctx, serverCfg, logger)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.Path)
	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return ":8080"
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
