package app

import (
	"path/filepath"
	"testing"
)

func TestNormalizeJoinPath(t *testing.T) {
	cases := map[string]string{
		"":      "/chat",
		"chat":  "/chat",
		"/ws":   "/ws",
		"/a/b/": "/a/b/",
	}
	for in, want := range cases {
		if got := NormalizeJoinPath(in); got != want {
			t.Errorf("NormalizeJoinPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultPathsHonorEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DROPCHAT_DATA_DIR", dir)
	t.Setenv("DROPCHAT_DB_PATH", "")
	t.Setenv("DROPCHAT_UPLOAD_DIR", "")
	if got := DefaultDBPath(); got != filepath.Join(dir, "dropchat.db") {
		t.Fatalf("db path = %s", got)
	}
	if got := DefaultUploadDir(); got != filepath.Join(dir, "uploads") {
		t.Fatalf("upload dir = %s", got)
	}
	t.Setenv("DROPCHAT_DB_PATH", "/tmp/explicit.db")
	if got := DefaultDBPath(); got != "/tmp/explicit.db" {
		t.Fatalf("explicit db path ignored: %s", got)
	}
}
