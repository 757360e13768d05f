package app

import (
	"os"
	"path/filepath"
	"runtime"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr              string
	Path              string
	DBPath            string
	UploadDir         string
	MaxFileSize       int64
	MaxFilesPerOrigin int
	AllowedExtensions []string
	HistoryCapacity   int
	ReplayCount       int
	NotifyJoiner      bool
	TrustProxy        bool
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string
	Username  string
}

// DefaultDataDir returns the per-user directory holding the database and
// uploaded files.
func DefaultDataDir() string {
	if env := os.Getenv("DROPCHAT_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "dropchat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Dropchat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Dropchat")
		}
		return filepath.Join(home, ".local", "share", "dropchat")
	}
	return filepath.Join(".", ".dropchat")
}

// DefaultDBPath returns the metadata database path.
func DefaultDBPath() string {
	if env := os.Getenv("DROPCHAT_DB_PATH"); env != "" {
		return env
	}
	return filepath.Join(DefaultDataDir(), "dropchat.db")
}

// DefaultUploadDir returns where uploaded bytes are stored.
func DefaultUploadDir() string {
	if env := os.Getenv("DROPCHAT_UPLOAD_DIR"); env != "" {
		return env
	}
	return filepath.Join(DefaultDataDir(), "uploads")
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and
// falls back to /chat when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/chat"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
