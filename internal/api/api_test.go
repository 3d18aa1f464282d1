package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sglegalhelp/offlinesync/internal/auth"
	"github.com/sglegalhelp/offlinesync/internal/db"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/models"
	"github.com/sglegalhelp/offlinesync/internal/offline"
	"github.com/sglegalhelp/offlinesync/internal/platform"
	"github.com/sglegalhelp/offlinesync/internal/ratelimit"
	"github.com/sglegalhelp/offlinesync/internal/sync/remote"
	"github.com/sglegalhelp/offlinesync/internal/sync/scheduler"
	"github.com/sglegalhelp/offlinesync/internal/uuid"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type apiFixture struct {
	server *Server
	http   *httptest.Server
	issuer *auth.Issuer
	svc    *offline.Service
}

func newAPIFixture(t *testing.T, limiter ratelimit.Limiter) *apiFixture {
	t.Helper()
	ctx := context.Background()
	store, err := db.OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("OpenInMemory() failed: %v", err)
	}
	repo := db.NewRepository(store.DB, db.WithIDGenerator(uuid.Sequence("doc")))

	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	client, err := remote.NewClient(remote.Config{BaseURL: portal.URL, Timeout: 5 * time.Second}, portal.Client())
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}

	svc, err := offline.New(offline.Deps{
		Store:    repo,
		Remote:   client,
		Observer: platform.NewManualObserver(true),
		Logger:   logging.Discard(),
	}, offline.Options{Scheduler: &scheduler.SchedulerConfig{}})
	if err != nil {
		t.Fatalf("offline.New() failed: %v", err)
	}

	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() failed: %v", err)
	}
	server, err := NewServer(Config{}, svc, issuer, limiter, logging.Discard())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	f := &apiFixture{server: server, issuer: issuer, svc: svc}
	f.http = httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		f.http.Close()
		svc.Close()
		portal.Close()
		repo.Close()
		store.Close()
	})
	return f
}

func (f *apiFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.issuer.Issue(userID)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token, body string) (*http.Response, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env envelope
	json.NewDecoder(resp.Body).Decode(&env)
	return resp, env
}

// =====================================================
// Auth and public routes
// =====================================================

func TestHealth_isPublic(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, env := f.do(t, http.MethodGet, "/api/health", "", "")
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Errorf("GET /api/health = %d %+v, want 200 success", resp.StatusCode, env)
	}
}

func TestAuth(t *testing.T) {
	f := newAPIFixture(t, nil)
	other, _ := auth.NewIssuer("other-secret", time.Hour)
	forged, _ := other.Issue("user-1")

	cases := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"forged", "Bearer " + forged},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, f.http.URL+"/api/stats", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := f.http.Client().Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			var env envelope
			json.NewDecoder(resp.Body).Decode(&env)
			if resp.StatusCode != http.StatusUnauthorized || env.Code != "UNAUTHORIZED" {
				t.Errorf("status = %d code = %q, want 401 UNAUTHORIZED", resp.StatusCode, env.Code)
			}
		})
	}

	resp, _ := f.do(t, http.MethodGet, "/api/stats", f.token(t, "user-1"), "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /api/stats with token = %d, want 200", resp.StatusCode)
	}
}

// =====================================================
// Documents
// =====================================================

func TestDocuments_CRUD(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := f.token(t, "user-1")

	resp, env := f.do(t, http.MethodPost, "/api/documents", token, `{"type":"note","title":"Lease","content":"v1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /api/documents = %d %+v, want 201", resp.StatusCode, env)
	}
	var doc models.Document
	json.Unmarshal(env.Data, &doc)
	if doc.ID == "" || doc.UserID != "user-1" || doc.SyncStatus != models.SyncStatusPending {
		t.Fatalf("created document = %+v", doc)
	}

	_, env = f.do(t, http.MethodGet, "/api/documents", token, "")
	var docs []models.Document
	json.Unmarshal(env.Data, &docs)
	if len(docs) != 1 {
		t.Errorf("GET /api/documents returned %d documents, want 1", len(docs))
	}

	resp, _ = f.do(t, http.MethodGet, "/api/documents/"+doc.ID, f.token(t, "user-2"), "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET other user's document = %d, want 404", resp.StatusCode)
	}

	resp, env = f.do(t, http.MethodPut, "/api/documents/"+doc.ID, token, `{"content":"v2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /api/documents/{id} = %d %+v", resp.StatusCode, env)
	}
	var updated models.Document
	json.Unmarshal(env.Data, &updated)
	if updated.Version != 2 || updated.Checksum != models.Checksum("v2") {
		t.Errorf("updated = version %d checksum %s, want 2 and checksum of v2", updated.Version, updated.Checksum)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/documents/"+doc.ID, token, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("DELETE /api/documents/{id} = %d, want 200", resp.StatusCode)
	}
	resp, env = f.do(t, http.MethodGet, "/api/documents/"+doc.ID, token, "")
	if resp.StatusCode != http.StatusNotFound || env.Code != "NOT_FOUND" {
		t.Errorf("GET deleted document = %d %q, want 404 NOT_FOUND", resp.StatusCode, env.Code)
	}

	_, env = f.do(t, http.MethodGet, "/api/actions?status=pending", token, "")
	var actions []models.PendingAction
	json.Unmarshal(env.Data, &actions)
	if len(actions) != 3 {
		t.Errorf("pending actions = %d, want create, update and delete", len(actions))
	}
}

func TestDocuments_badInput(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := f.token(t, "user-1")

	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"malformed", http.MethodPost, "/api/documents", `{"title":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/documents", `{"title":"x","type":"note","owner":"me"}`, http.StatusBadRequest},
		{"missing title", http.MethodPost, "/api/documents", `{"type":"note"}`, http.StatusBadRequest},
		{"unknown sync status", http.MethodGet, "/api/documents?sync_status=lost", "", http.StatusBadRequest},
		{"unknown action status", http.MethodGet, "/api/actions?status=stuck", "", http.StatusBadRequest},
		{"bad resolved flag", http.MethodGet, "/api/conflicts?resolved=maybe", "", http.StatusBadRequest},
		{"bad strategy", http.MethodPost, "/api/conflicts/c-1/resolve", `{"strategy":"merge"}`, http.StatusBadRequest},
		{"missing conflict", http.MethodPost, "/api/conflicts/c-1/resolve", `{"strategy":"keep_local"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, env := f.do(t, tc.method, tc.path, token, tc.body)
			if resp.StatusCode != tc.want || env.Success {
				t.Errorf("%s %s = %d %+v, want %d", tc.method, tc.path, resp.StatusCode, env, tc.want)
			}
		})
	}
}

// =====================================================
// Sync
// =====================================================

func TestSyncAndRetry(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := f.token(t, "user-1")
	f.do(t, http.MethodPost, "/api/documents", token, `{"type":"note","title":"Lease","content":"v1"}`)

	resp, env := f.do(t, http.MethodPost, "/api/sync", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/sync = %d", resp.StatusCode)
	}
	var res struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
	}
	json.Unmarshal(env.Data, &res)
	if res.Total != 1 || res.Succeeded != 1 {
		t.Errorf("sync result = %+v, want 1 of 1 succeeded", res)
	}

	resp, env = f.do(t, http.MethodPost, "/api/actions/retry-failed", token, "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(env.Data), `"reset":0`) {
		t.Errorf("POST /api/actions/retry-failed = %d %s", resp.StatusCode, env.Data)
	}

	_, env = f.do(t, http.MethodGet, "/api/conflicts", token, "")
	if string(env.Data) != "[]" {
		t.Errorf("GET /api/conflicts = %s, want []", env.Data)
	}
}

// =====================================================
// Rate limiting
// =====================================================

func TestUploads(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := f.token(t, "user-1")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("case_ref", "MC-2024-001")
	mw.WriteField("entity_id", "doc-7")
	part, _ := mw.CreateFormFile("file", "receipt.png")
	part.Write([]byte("\x89PNG fake"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/api/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := f.http.Client().Do(req)
	if err != nil {
		t.Fatalf("POST /api/uploads failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /api/uploads = %d, want 202", resp.StatusCode)
	}

	actions, err := f.svc.ListActions(context.Background(), models.ActionStatusPending)
	if err != nil {
		t.Fatalf("ListActions() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != models.ActionDocumentUpload {
		t.Fatalf("actions = %+v, want one document upload", actions)
	}
	a := actions[0]
	if a.UserID != "user-1" || a.EntityID != "doc-7" {
		t.Errorf("action = %+v, want user-1 and entity doc-7", a)
	}
	var p struct {
		FileName string            `json:"filename"`
		Fields   map[string]string `json:"fields"`
	}
	json.Unmarshal(a.Payload, &p)
	if p.FileName != "receipt.png" || p.Fields["case_ref"] != "MC-2024-001" || p.Fields["entity_id"] != "" {
		t.Errorf("payload = %+v, want filename and forwarded case_ref only", p)
	}

	resp, env := f.do(t, http.MethodPost, "/api/uploads", token, `{"not":"multipart"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /api/uploads JSON = %d %+v, want 400", resp.StatusCode, env)
	}
}

func TestRateLimit(t *testing.T) {
	f := newAPIFixture(t, ratelimit.NewMemoryLimiter(ratelimit.Config{Requests: 2, Window: time.Minute}))
	token := f.token(t, "user-1")

	for i := 0; i < 2; i++ {
		if resp, _ := f.do(t, http.MethodGet, "/api/stats", token, ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i+1, resp.StatusCode)
		}
	}
	resp, env := f.do(t, http.MethodGet, "/api/stats", token, "")
	if resp.StatusCode != http.StatusTooManyRequests || env.Code != "RATE_LIMITED" {
		t.Errorf("third request = %d %q, want 429 RATE_LIMITED", resp.StatusCode, env.Code)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	if resp, _ := f.do(t, http.MethodGet, "/api/stats", f.token(t, "user-2"), ""); resp.StatusCode != http.StatusOK {
		t.Errorf("other user = %d, want 200", resp.StatusCode)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, net.ErrClosed
}

func TestRateLimit_limiterErrorAllows(t *testing.T) {
	f := newAPIFixture(t, failingLimiter{})
	if resp, _ := f.do(t, http.MethodGet, "/api/health", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("GET /api/health with broken limiter = %d, want 200", resp.StatusCode)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:5123"
	if got := clientIP(r); got != "10.0.0.5" {
		t.Errorf("clientIP() = %q, want 10.0.0.5", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.9" {
		t.Errorf("clientIP() with X-Forwarded-For = %q, want 203.0.113.9", got)
	}
}

// =====================================================
// Event stream
// =====================================================

func TestEvents_streamSyncEvents(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := f.token(t, "user-1")
	unsubscribe := f.svc.Subscribe(f.server.Hub())
	defer unsubscribe()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{"sync.completed"}})
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ack map[string]interface{}
	if err := conn.ReadJSON(&ack); err != nil || ack["action"] != "subscribe_ack" {
		t.Fatalf("ReadJSON() = %v, %v, want subscribe_ack", ack, err)
	}

	f.do(t, http.MethodPost, "/api/sync", token, "")

	var msg Envelope
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() failed: %v", err)
	}
	if msg.Type != "sync.completed" {
		t.Errorf("event type = %q, want sync.completed", msg.Type)
	}
}

func TestEvents_requiresAuth(t *testing.T) {
	f := newAPIFixture(t, nil)
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("Dial() without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %v, want 401", resp)
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(nil, logging.Discard())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	hub.Close()
	if hub.Len() != 0 {
		t.Errorf("Len() after Close() = %d, want 0", hub.Len())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage() after Close() succeeded, want close")
	}
}

// =====================================================
// Server lifecycle
// =====================================================

func TestServer_ServeStopsOnCancel(t *testing.T) {
	f := newAPIFixture(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/api/health"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			resp.Body.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestNewServer_requiresDeps(t *testing.T) {
	if _, err := NewServer(Config{}, nil, nil, nil, nil); err == nil {
		t.Error("NewServer() without deps succeeded")
	}
}
