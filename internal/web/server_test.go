package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/ember-agent/internal/convo"
	"github.com/nugget/ember-agent/internal/energy"
	"github.com/nugget/ember-agent/internal/events"
)

const (
	reqA = "11111111-2222-4333-8444-555555555555"
	reqB = "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee"
)

// fakeLoop records control calls from the HTTP surface.
type fakeLoop struct {
	mu       sync.Mutex
	enqueued []string
	wakes    int
	focused  []string
}

func (f *fakeLoop) EnqueueMessage(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, id)
}

func (f *fakeLoop) Wake() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes++
}

func (f *fakeLoop) FocusOn(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = append(f.focused, id)
}

func (f *fakeLoop) wakeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakes
}

func newTestServer(t *testing.T, cfg Config) (*Server, *convo.Store, *fakeLoop) {
	t.Helper()
	store, err := convo.Open(filepath.Join(t.TempDir(), "ember.db"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	loop := &fakeLoop{}
	srv := NewServer(cfg, store, energy.New(nil), loop, events.New(), nil)
	return srv, store, loop
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return m
}

func TestMessageAcceptedAndEnqueued(t *testing.T) {
	srv, store, loop := newTestServer(t, Config{})
	h := srv.Handler()

	w := postJSON(t, h, "/message", map[string]any{"content": "hello there"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	id, _ := body["requestId"].(string)
	if id == "" {
		t.Fatal("missing requestId")
	}
	if !store.Exists(id) {
		t.Error("message not persisted")
	}
	if len(loop.enqueued) != 1 || loop.enqueued[0] != id {
		t.Errorf("enqueued = %v", loop.enqueued)
	}
}

func TestMessageClientSuppliedID(t *testing.T) {
	srv, store, _ := newTestServer(t, Config{})
	h := srv.Handler()

	w := postJSON(t, h, "/message", map[string]any{"content": "hi", "id": reqA})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decodeBody(t, w)["requestId"]; got != reqA {
		t.Errorf("requestId = %v", got)
	}
	if !store.Exists(reqA) {
		t.Error("not stored under supplied id")
	}
}

func TestMessageValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{MaxMessageLength: 10})
	h := srv.Handler()

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"empty content", map[string]any{"content": ""}, http.StatusBadRequest},
		{"too long", map[string]any{"content": strings.Repeat("x", 11)}, http.StatusBadRequest},
		{"bad uuid", map[string]any{"content": "hi", "id": "not-a-uuid"}, http.StatusBadRequest},
		{"uuid v1 rejected", map[string]any{"content": "hi", "id": "f47ac10b-58cc-1372-a567-0e02b2c3d479"}, http.StatusBadRequest},
		{"negative budget", map[string]any{"content": "hi", "energyBudget": -5.0}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := postJSON(t, h, "/message", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestMessageRejectsMalformedJSON(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/message", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMessageStripsScriptTags(t *testing.T) {
	srv, store, _ := newTestServer(t, Config{})
	h := srv.Handler()

	w := postJSON(t, h, "/message", map[string]any{
		"id":      reqA,
		"content": `before <script>alert("x")</script> after`,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	conv, err := store.Get(reqA)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(conv.InputMessage, "script") {
		t.Errorf("script tag survived: %q", conv.InputMessage)
	}
	if !strings.Contains(conv.InputMessage, "before") || !strings.Contains(conv.InputMessage, "after") {
		t.Errorf("surrounding text lost: %q", conv.InputMessage)
	}
}

func TestMessageApprovalResponseFlow(t *testing.T) {
	srv, store, loop := newTestServer(t, Config{})
	h := srv.Handler()

	if err := store.UpsertRequest(reqA, "deploy?", nil); err != nil {
		t.Fatal(err)
	}
	budget := 30.0
	if err := store.AppendApproval(reqA, "May I deploy?", 50, "small", &budget); err != nil {
		t.Fatal(err)
	}

	delta := 10.0
	w := postJSON(t, h, "/message", map[string]any{
		"id": reqA,
		"approvalResponse": map[string]any{
			"approved":    true,
			"feedback":    "go ahead",
			"budgetDelta": delta,
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if loop.wakeCount() != 1 {
		t.Errorf("wakes = %d", loop.wakeCount())
	}

	approvals := store.Approvals(reqA)
	if len(approvals) != 1 || approvals[0].Status != convo.ApprovalApproved {
		t.Errorf("approvals = %+v", approvals)
	}
	if approvals[0].Feedback != "go ahead" {
		t.Errorf("feedback = %q", approvals[0].Feedback)
	}
	conv, _ := store.Get(reqA)
	if conv.EnergyBudget == nil || *conv.EnergyBudget != 40 {
		t.Errorf("budget = %v, want 40", conv.EnergyBudget)
	}
}

func TestApprovalResponseWithoutPendingConflicts(t *testing.T) {
	srv, store, _ := newTestServer(t, Config{})
	h := srv.Handler()

	store.UpsertRequest(reqA, "hi", nil)
	w := postJSON(t, h, "/message", map[string]any{
		"id":               reqA,
		"approvalResponse": map[string]any{"approved": false},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d", w.Code)
	}
}

func TestApproveEndpoint(t *testing.T) {
	srv, store, loop := newTestServer(t, Config{})
	h := srv.Handler()

	store.UpsertRequest(reqA, "may I?", nil)
	if err := store.AppendApproval(reqA, "requesting approval", 50, "small", nil); err != nil {
		t.Fatal(err)
	}

	w := postJSON(t, h, "/conversations/"+reqA+"/approve", map[string]any{"feedback": "yes"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if loop.wakeCount() != 1 {
		t.Errorf("wakes = %d", loop.wakeCount())
	}

	// Second resolution finds nothing pending.
	w = postJSON(t, h, "/conversations/"+reqA+"/approve", map[string]any{})
	if w.Code != http.StatusConflict {
		t.Errorf("second approve status = %d", w.Code)
	}
}

func TestRejectEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t, Config{})
	h := srv.Handler()

	store.UpsertRequest(reqA, "may I?", nil)
	store.AppendApproval(reqA, "requesting approval", 50, "small", nil)

	w := postJSON(t, h, "/conversations/"+reqA+"/reject", map[string]any{"feedback": "no"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	approvals := store.Approvals(reqA)
	if approvals[0].Status != convo.ApprovalRejected {
		t.Errorf("status = %q", approvals[0].Status)
	}
}

func TestConversationListAndFilters(t *testing.T) {
	srv, store, _ := newTestServer(t, Config{})
	h := srv.Handler()

	store.UpsertRequest(reqA, "first", nil)
	store.UpsertRequest(reqB, "second", nil)
	store.End(reqB, "done")

	w := get(h, "/conversations")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"].(float64) != 2 {
		t.Errorf("count = %v", body["count"])
	}

	w = get(h, "/conversations?state=ended")
	if decodeBody(t, w)["count"].(float64) != 1 {
		t.Errorf("ended count = %v", w.Body.String())
	}

	w = get(h, "/conversations?state=limbo")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad filter status = %d", w.Code)
	}

	w = get(h, "/conversations?limit=zero")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

func TestConversationGet(t *testing.T) {
	srv, store, _ := newTestServer(t, Config{})
	h := srv.Handler()

	store.UpsertRequest(reqA, "hello", nil)

	w := get(h, "/conversations/"+reqA)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeBody(t, w)["inputMessage"] != "hello" {
		t.Errorf("body = %s", w.Body.String())
	}

	if w := get(h, "/conversations/"+reqB); w.Code != http.StatusNotFound {
		t.Errorf("missing conversation status = %d", w.Code)
	}
}

func TestHealthEnergyStats(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	h := srv.Handler()

	for _, path := range []string{"/health", "/ready", "/live"} {
		if w := get(h, path); w.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, w.Code)
		}
	}

	w := get(h, "/energy")
	body := decodeBody(t, w)
	if body["level"].(float64) != energy.Max {
		t.Errorf("level = %v", body["level"])
	}
	if body["status"] != string(energy.StatusHigh) {
		t.Errorf("status = %v", body["status"])
	}

	if w := get(h, "/stats"); w.Code != http.StatusOK {
		t.Errorf("/stats status = %d", w.Code)
	}
	if w := get(h, "/version"); w.Code != http.StatusOK {
		t.Errorf("/version status = %d", w.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	srv, store, loop := newTestServer(t, Config{})
	h := srv.Handler()

	w := postJSON(t, h, "/admin/trigger-reflection", map[string]any{})
	if w.Code != http.StatusOK || loop.wakeCount() != 1 {
		t.Errorf("trigger-reflection status = %d, wakes = %d", w.Code, loop.wakeCount())
	}

	if w := postJSON(t, h, "/admin/process-conversation/"+reqA, map[string]any{}); w.Code != http.StatusNotFound {
		t.Errorf("missing conversation status = %d", w.Code)
	}

	store.UpsertRequest(reqA, "hi", nil)
	w = postJSON(t, h, "/admin/process-conversation/"+reqA, map[string]any{})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(loop.focused) != 1 || loop.focused[0] != reqA {
		t.Errorf("focused = %v", loop.focused)
	}
}

func TestRateLimitKicksIn(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{RateLimitPerMinute: 60, RateLimitBurst: 2})
	h := srv.Handler()

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:50000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first two requests = %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", codes[2])
	}

	// A different client address has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.2:50000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("fresh client status = %d", w.Code)
	}
}

func TestDashboardRendersMarkdown(t *testing.T) {
	srv, store, _ := newTestServer(t, Config{})
	h := srv.Handler()

	store.UpsertRequest(reqA, "tell me things", nil)
	if err := store.AppendResponse(reqA, "", "Here is **bold** text.", 80, "small"); err != nil {
		t.Fatal(err)
	}

	w := get(h, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	page := w.Body.String()
	if !strings.Contains(page, "<strong>bold</strong>") {
		t.Error("markdown not rendered")
	}
	if !strings.Contains(page, "tell me things") {
		t.Error("input message missing")
	}
	if !strings.Contains(page, reqA) {
		t.Error("request id missing")
	}
}
