package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, drop DropConfig) (*Server, http.Handler) {
	t.Helper()
	if drop.UploadDir == "" {
		drop.UploadDir = filepath.Join(t.TempDir(), "uploads")
	}
	server, err := NewServer(ServerOptions{
		Drop:   drop,
		Store:  newTestStore(t),
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go server.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-server.Hub().Done()
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/chat", server.ServeWS)
	mux.HandleFunc("/api/upload", server.HandleFileUpload)
	mux.HandleFunc("/api/files", server.HandleListFiles)
	mux.HandleFunc("/api/files/", server.HandleFile)
	mux.HandleFunc("/d/", server.HandleDownload)
	mux.HandleFunc("/api/chat/participants", server.HandleParticipants)
	mux.HandleFunc("/health", server.HandleHealth)
	mux.Handle("/metrics", server.MetricsHandler())
	return server, mux
}

func multipartUpload(t *testing.T, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

func doRequestFrom(handler http.Handler, origin string, req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = origin + ":40000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func uploadVia(t *testing.T, handler http.Handler, origin, name string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, name, content)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	return doRequestFrom(handler, origin, req)
}

func decodeKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Kind
}

func TestUploadListDownload(t *testing.T) {
	_, handler := newTestServer(t, DropConfig{})

	rec := uploadVia(t, handler, "10.0.0.1", "tool.zip", []byte("PK zip"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status %d: %s", rec.Code, rec.Body.String())
	}
	var uploaded uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &uploaded); err != nil {
		t.Fatal(err)
	}
	if uploaded.Filename != "tool.zip" || uploaded.Size != 6 || uploaded.DownloadURL != "/d/"+uploaded.FileID {
		t.Fatalf("unexpected upload response %+v", uploaded)
	}

	list := doRequestFrom(handler, "10.0.0.1", httptest.NewRequest(http.MethodGet, "/api/files", nil))
	var files filesResponse
	if err := json.Unmarshal(list.Body.Bytes(), &files); err != nil {
		t.Fatal(err)
	}
	if len(files.Files) != 1 || files.Files[0].ID != uploaded.FileID {
		t.Fatalf("list = %s", list.Body.String())
	}
	if strings.Contains(list.Body.String(), "10.0.0.1") {
		t.Fatalf("listing must not expose the owner: %s", list.Body.String())
	}

	other := doRequestFrom(handler, "10.0.0.2", httptest.NewRequest(http.MethodGet, "/api/files", nil))
	if strings.Contains(other.Body.String(), uploaded.FileID) {
		t.Fatalf("other origins must not see the file")
	}

	// anyone holding the id may download an unprotected file
	download := doRequestFrom(handler, "10.0.0.2", httptest.NewRequest(http.MethodGet, uploaded.DownloadURL, nil))
	if download.Code != http.StatusOK || download.Body.String() != "PK zip" {
		t.Fatalf("download status %d body %q", download.Code, download.Body.String())
	}
	if cd := download.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") || !strings.Contains(cd, "tool.zip") {
		t.Fatalf("content disposition = %q", cd)
	}
}

func TestUploadErrorsMapToStatus(t *testing.T) {
	_, handler := newTestServer(t, DropConfig{MaxFileSize: 1024})

	rec := uploadVia(t, handler, "10.0.0.1", "notes.txt", []byte("x"))
	if rec.Code != http.StatusBadRequest || decodeKind(t, rec) != KindValidation {
		t.Fatalf("bad extension: %d %s", rec.Code, rec.Body.String())
	}

	rec = uploadVia(t, handler, "10.0.0.1", "big.zip", make([]byte, 4096))
	if rec.Code != http.StatusRequestEntityTooLarge || decodeKind(t, rec) != KindValidation {
		t.Fatalf("too large: %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "text/plain")
	rec = doRequestFrom(handler, "10.0.0.1", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", rec.Code)
	}

	for i := 0; i < DefaultMaxFilesPerOrigin; i++ {
		if rec := uploadVia(t, handler, "10.0.0.3", "f.zip", []byte("x")); rec.Code != http.StatusCreated {
			t.Fatalf("upload %d: %d", i, rec.Code)
		}
	}
	rec = uploadVia(t, handler, "10.0.0.3", "f.zip", []byte("x"))
	if rec.Code != http.StatusConflict || decodeKind(t, rec) != KindQuota {
		t.Fatalf("quota: %d %s", rec.Code, rec.Body.String())
	}
}

func TestUploadRateLimit(t *testing.T) {
	_, handler := newTestServer(t, DropConfig{})
	for i := 0; i < uploadLimit; i++ {
		if rec := uploadVia(t, handler, "10.0.0.1", "x.txt", []byte("x")); rec.Code != http.StatusBadRequest {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	if rec := uploadVia(t, handler, "10.0.0.1", "x.zip", []byte("x")); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestFileManagementRequiresOwnership(t *testing.T) {
	_, handler := newTestServer(t, DropConfig{})
	rec := uploadVia(t, handler, "10.0.0.1", "mine.exe", []byte("MZ"))
	var uploaded uploadResponse
	json.Unmarshal(rec.Body.Bytes(), &uploaded)
	fileURL := "/api/files/" + uploaded.FileID

	rename := func(origin, name string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, fileURL+"/rename", strings.NewReader(`{"name":"`+name+`"}`))
		req.Header.Set("Content-Type", "application/json")
		return doRequestFrom(handler, origin, req)
	}
	if rec := rename("10.0.0.2", "stolen.exe"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign rename: %d", rec.Code)
	}
	rec = rename("10.0.0.1", "better.exe")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"better.exe"`) {
		t.Fatalf("rename: %d %s", rec.Code, rec.Body.String())
	}

	if rec := doRequestFrom(handler, "10.0.0.2", httptest.NewRequest(http.MethodDelete, fileURL, nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign delete: %d", rec.Code)
	}
	if rec := doRequestFrom(handler, "10.0.0.2", httptest.NewRequest(http.MethodGet, uploaded.DownloadURL, nil)); rec.Code != http.StatusOK {
		t.Fatalf("file should survive a refused delete: %d", rec.Code)
	}
	if rec := doRequestFrom(handler, "10.0.0.1", httptest.NewRequest(http.MethodDelete, fileURL, nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("owner delete: %d", rec.Code)
	}
	rec = doRequestFrom(handler, "10.0.0.1", httptest.NewRequest(http.MethodGet, uploaded.DownloadURL, nil))
	if rec.Code != http.StatusNotFound || decodeKind(t, rec) != KindNotFound {
		t.Fatalf("deleted file: %d %s", rec.Code, rec.Body.String())
	}
}

func TestPasswordChallengeAndUnlock(t *testing.T) {
	_, handler := newTestServer(t, DropConfig{})
	rec := uploadVia(t, handler, "10.0.0.1", "locked.rar", []byte("rar bytes"))
	var uploaded uploadResponse
	json.Unmarshal(rec.Body.Bytes(), &uploaded)

	req := httptest.NewRequest(http.MethodPost, "/api/files/"+uploaded.FileID+"/password", strings.NewReader(`{"password":"open sesame"}`))
	req.Header.Set("Content-Type", "application/json")
	if rec := doRequestFrom(handler, "10.0.0.1", req); rec.Code != http.StatusNoContent {
		t.Fatalf("set password: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequestFrom(handler, "10.0.0.2", httptest.NewRequest(http.MethodGet, uploaded.DownloadURL, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected challenge, got %d", rec.Code)
	}
	var challenge struct {
		Challenge challengeBody `json:"challenge"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &challenge); err != nil || challenge.Challenge.FileID != uploaded.FileID {
		t.Fatalf("challenge body %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "rar bytes") {
		t.Fatalf("challenge must not leak bytes")
	}

	unlock := func(password string) *httptest.ResponseRecorder {
		form := url.Values{"password": {password}}
		req := httptest.NewRequest(http.MethodPost, uploaded.DownloadURL, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return doRequestFrom(handler, "10.0.0.2", req)
	}
	if rec := unlock("wrong"); rec.Code != http.StatusUnauthorized || decodeKind(t, rec) != KindUnauthorized {
		t.Fatalf("wrong password: %d %s", rec.Code, rec.Body.String())
	}
	rec = unlock("open sesame")
	if rec.Code != http.StatusOK || rec.Body.String() != "rar bytes" {
		t.Fatalf("correct password: %d %q", rec.Code, rec.Body.String())
	}
}

func TestUnlockLockout(t *testing.T) {
	server, handler := newTestServer(t, DropConfig{})
	ctx := context.Background()
	rec, err := server.Drop().Upload(ctx, "10.0.0.1", "guarded.dll", strings.NewReader("dll"))
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Drop().SetPassword(ctx, "10.0.0.1", rec.ID, "right"); err != nil {
		t.Fatal(err)
	}

	unlock := func(password string) int {
		req := httptest.NewRequest(http.MethodPost, "/d/"+rec.ID, strings.NewReader(`{"password":"`+password+`"}`))
		req.Header.Set("Content-Type", "application/json")
		return doRequestFrom(handler, "10.0.0.5", req).Code
	}
	for i := 0; i < unlockAttemptLimit; i++ {
		if code := unlock("wrong"); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: %d", i, code)
		}
	}
	if code := unlock("right"); code != http.StatusTooManyRequests {
		t.Fatalf("expected lockout, got %d", code)
	}
}

func TestClientIP(t *testing.T) {
	server := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := server.clientIP(req); got != "192.0.2.7" {
		t.Fatalf("untrusted proxy header used: %s", got)
	}
	server.trustProxy = true
	if got := server.clientIP(req); got != "203.0.113.9" {
		t.Fatalf("forwarded ip = %s", got)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, handler := newTestServer(t, DropConfig{})
	rec := doRequestFrom(handler, "10.0.0.1", httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), Version) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
	uploadVia(t, handler, "10.0.0.1", "m.zip", []byte("x"))
	rec = doRequestFrom(handler, "10.0.0.1", httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dropchat_uploads_total 1") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
}

func dialChat(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// readEvent skips frames until one named event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string, out interface{}) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if envelope.Event != event {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				t.Fatalf("decode %s: %v", event, err)
			}
		}
		return
	}
}

func TestWebsocketChatEndToEnd(t *testing.T) {
	_, handler := newTestServer(t, DropConfig{})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	alice := dialChat(t, ts)
	sendFrame(t, alice, EventJoinChat, JoinChatRequest{Username: "Alice"})
	var joined JoinedResponse
	readEvent(t, alice, EventJoinedResponse, &joined)
	if joined.Username != "Alice" || len(joined.Messages) != 0 {
		t.Fatalf("joined = %+v", joined)
	}

	bob := dialChat(t, ts)
	sendFrame(t, bob, EventJoinChat, JoinChatRequest{Username: "Bob"})
	readEvent(t, bob, EventJoinedResponse, nil)
	readEvent(t, alice, EventUserJoined, nil)

	res, err := http.Get(ts.URL + "/api/chat/participants")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(body), `"Alice","Bob"`) {
		t.Fatalf("participants = %s", body)
	}

	sendFrame(t, alice, EventSendMessage, SendMessageRequest{Message: "hi"})
	var msg ChatEvent
	readEvent(t, bob, EventNewMessage, &msg)
	if msg.User != "Alice" || msg.Content != "hi" {
		t.Fatalf("new_message = %+v", msg)
	}

	alice.Close()
	var left UserLeft
	readEvent(t, bob, EventUserLeft, &left)
	if left.User != "Alice" || strings.Join(left.UsersList, ",") != "Bob" {
		t.Fatalf("user_left = %+v", left)
	}
}

func TestWebsocketInvalidJoin(t *testing.T) {
	_, handler := newTestServer(t, DropConfig{})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	conn := dialChat(t, ts)
	sendFrame(t, conn, EventJoinChat, JoinChatRequest{Username: ""})
	var resp ErrorEvent
	readEvent(t, conn, EventError, &resp)
	if resp.Message == "" {
		t.Fatalf("expected an error message")
	}
	// malformed frames are ignored and the socket stays open
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	sendFrame(t, conn, EventJoinChat, JoinChatRequest{Username: "late"})
	readEvent(t, conn, EventJoinedResponse, nil)
}
