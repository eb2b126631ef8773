package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/cexll/fixbot/internal/classifier"
	"github.com/cexll/fixbot/internal/dispatcher"
	"github.com/cexll/fixbot/internal/job"
	"github.com/cexll/fixbot/internal/jobstore"
	"github.com/cexll/fixbot/internal/metrics"
)

const secret = "s3cret"

const triggeringComment = `{
  "action": "created",
  "issue": {"number": 12, "title": "Crash on start", "body": "It crashes", "user": {"login": "reporter"}},
  "comment": {"id": 1, "body": "@bug-fix-agent fix this", "user": {"login": "alice", "type": "User"}},
  "repository": {"name": "demo", "owner": {"login": "octo"}},
  "sender": {"login": "alice"}
}`

const chattyComment = `{
  "action": "created",
  "issue": {"number": 12, "title": "Crash on start", "body": "It crashes"},
  "comment": {"id": 2, "body": "thanks, looking", "user": {"login": "alice"}},
  "repository": {"name": "demo", "owner": {"login": "octo"}}
}`

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []*job.Job
	err  error
}

func (f *fakeDispatcher) Enqueue(j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, j)
	return nil
}

func (f *fakeDispatcher) Len() int { return len(f.jobs) }

func newRouter(t *testing.T, opts Options, d JobDispatcher) (*mux.Router, *jobstore.Store) {
	t.Helper()
	c, err := classifier.New(classifier.Config{Platform: opts.Platform, BotName: "bug-fix-agent"})
	if err != nil {
		t.Fatal(err)
	}
	store := jobstore.NewStore()
	r := mux.NewRouter()
	NewHandler(opts, c, d, store).RegisterRoutes(r)
	return r, store
}

func post(r http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %q", rec.Body.String())
	}
	return out
}

func TestHandleAcceptsSignedTrigger(t *testing.T) {
	d := &fakeDispatcher{}
	r, store := newRouter(t, Options{Platform: job.PlatformGitHub, WebhookSecret: secret}, d)

	rec := post(r, "/api/webhook", triggeringComment, map[string]string{
		"X-GitHub-Event":      "issue_comment",
		"X-Hub-Signature-256": Sign([]byte(triggeringComment), secret),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["status"] != "accepted" || body["job_id"] == "" {
		t.Fatalf("body = %v", body)
	}
	if len(d.jobs) != 1 || d.jobs[0].ID != body["job_id"] {
		t.Fatalf("dispatched jobs = %v", d.jobs)
	}
	if r, ok := store.Get(d.jobs[0].ID); !ok || r.Status != jobstore.StatusPending {
		t.Errorf("job not registered as pending: %+v", r)
	}
}

func TestHandleSignatureFailures(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{name: "missing", headers: map[string]string{"X-GitHub-Event": "issue_comment"}},
		{name: "wrong secret", headers: map[string]string{
			"X-GitHub-Event":      "issue_comment",
			"X-Hub-Signature-256": Sign([]byte(triggeringComment), "other"),
		}},
		{name: "garbage", headers: map[string]string{
			"X-GitHub-Event":      "issue_comment",
			"X-Hub-Signature-256": "sha256=zz",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			r, _ := newRouter(t, Options{Platform: job.PlatformGitHub, WebhookSecret: secret}, d)

			rec := post(r, "/api/github/webhook", triggeringComment, tt.headers)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if decode(t, rec)["detail"] != "Invalid webhook signature" {
				t.Errorf("body = %s", rec.Body)
			}
			if len(d.jobs) != 0 {
				t.Error("rejected delivery must not dispatch")
			}
		})
	}
}

func TestRejectedEventsDoNotGrowMetrics(t *testing.T) {
	r, _ := newRouter(t, Options{Platform: job.PlatformGitHub, WebhookSecret: secret}, &fakeDispatcher{})

	for i := range 20 {
		rec := post(r, "/api/webhook", triggeringComment, map[string]string{
			"X-GitHub-Event":      fmt.Sprintf("junk-%d", i),
			"X-Hub-Signature-256": "sha256=bad",
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := rec.Body.String()
	if strings.Contains(out, "junk-") {
		t.Error("caller supplied event names leaked into metric labels")
	}
	if !strings.Contains(out, `fixbot_webhooks_total{event="other",outcome="rejected",platform="github"}`) {
		t.Errorf("rejected deliveries not counted under event=\"other\"")
	}
}

func TestHandleTestModeSkipsVerification(t *testing.T) {
	d := &fakeDispatcher{}
	r, _ := newRouter(t, Options{Platform: job.PlatformGitHub, TestMode: true}, d)

	rec := post(r, "/api/webhook", triggeringComment, map[string]string{"X-GitHub-Event": "issue_comment"})
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "accepted" {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestHandleMalformedJSON(t *testing.T) {
	r, _ := newRouter(t, Options{Platform: job.PlatformGitHub, TestMode: true}, &fakeDispatcher{})

	rec := post(r, "/api/webhook", `{"action": `, map[string]string{"X-GitHub-Event": "issue_comment"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if decode(t, rec)["detail"] != "Invalid JSON payload" {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestHandleIgnoredEvents(t *testing.T) {
	tests := []struct {
		name  string
		event string
		body  string
	}{
		{name: "unsupported event", event: "push", body: triggeringComment},
		{name: "no trigger", event: "issue_comment", body: chattyComment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			r, _ := newRouter(t, Options{Platform: job.PlatformGitHub, TestMode: true}, d)

			rec := post(r, "/api/webhook", tt.body, map[string]string{"X-GitHub-Event": tt.event})
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			body := decode(t, rec)
			if body["status"] != "ignored" || body["reason"] == "" {
				t.Errorf("body = %v", body)
			}
			if len(d.jobs) != 0 {
				t.Error("ignored event must not dispatch")
			}
		})
	}
}

func TestHandleDuplicateDelivery(t *testing.T) {
	d := &fakeDispatcher{}
	r, _ := newRouter(t, Options{Platform: job.PlatformGitHub, TestMode: true}, d)
	headers := map[string]string{"X-GitHub-Event": "issue_comment", "X-GitHub-Delivery": "abc-1"}

	first := post(r, "/api/webhook", triggeringComment, headers)
	second := post(r, "/api/webhook", triggeringComment, headers)

	if decode(t, first)["status"] != "accepted" {
		t.Fatalf("first delivery = %s", first.Body)
	}
	if got := decode(t, second); got["status"] != "ignored" || got["reason"] != "Duplicate delivery" {
		t.Errorf("second delivery = %v", got)
	}
	if len(d.jobs) != 1 {
		t.Errorf("dispatched %d jobs, want 1", len(d.jobs))
	}
}

func TestHandleQueueFull(t *testing.T) {
	d := &fakeDispatcher{err: dispatcher.ErrQueueFull}
	r, store := newRouter(t, Options{Platform: job.PlatformGitHub, TestMode: true}, d)
	headers := map[string]string{"X-GitHub-Event": "issue_comment", "X-GitHub-Delivery": "abc-2"}

	rec := post(r, "/api/webhook", triggeringComment, headers)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := store.Counts()[jobstore.StatusFailed]; got != 1 {
		t.Errorf("failed jobs = %d, want 1", got)
	}

	// The delivery id is released so a redelivery can succeed.
	d.err = nil
	if rec := post(r, "/api/webhook", triggeringComment, headers); decode(t, rec)["status"] != "accepted" {
		t.Errorf("redelivery = %s", rec.Body)
	}
}

func TestHandleGitCodeHeaders(t *testing.T) {
	const note = `{
	  "object_kind": "note",
	  "object_attributes": {"id": 555, "note": "@bug-fix-agent fix please", "author": {"username": "bob"}},
	  "issue": {"id": 99887, "iid": 3, "title": "Broken link", "description": "README link 404"},
	  "project": {"path": "demo", "namespace": {"name": "team"}},
	  "user": {"username": "bob"}
	}`
	d := &fakeDispatcher{}
	r, _ := newRouter(t, Options{Platform: job.PlatformGitCode, WebhookSecret: secret}, d)

	sig := strings.TrimPrefix(Sign([]byte(note), secret), "sha256=")
	rec := post(r, "/api/gitcode/webhook", note, map[string]string{
		"X-GitCode-Event":     "Note Hook",
		"X-GitCode-Signature": sig,
	})
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "accepted" {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(d.jobs) != 1 || d.jobs[0].IssueNumber != 3 || d.jobs[0].Owner != "team" {
		t.Errorf("job = %+v", d.jobs)
	}
}

func TestStatusRoutes(t *testing.T) {
	r, _ := newRouter(t, Options{Platform: job.PlatformGitHub, TestMode: true, BotName: "bug-fix-agent"}, &fakeDispatcher{})

	for _, path := range []string{"/", "/health"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || decode(t, rec)["status"] != "healthy" {
			t.Errorf("GET %s = %d %s", path, rec.Code, rec.Body)
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	body := decode(t, rec)
	if body["platform"] != "github" || body["bot_name"] != "bug-fix-agent" || body["test_mode"] != true {
		t.Errorf("status body = %v", body)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhook", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if detail, _ := decode(t, rec)["detail"].(string); !strings.Contains(detail, "kaboom") {
		t.Errorf("detail = %q", detail)
	}
}

func TestDeliveryDeduperExpires(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := nowFunc
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = orig })

	d := newDeliveryDeduper(time.Minute)
	if !d.markIfNew("x") {
		t.Fatal("first sighting should be new")
	}
	if d.markIfNew("x") {
		t.Fatal("second sighting should be a duplicate")
	}
	now = now.Add(2 * time.Minute)
	if !d.markIfNew("x") {
		t.Fatal("expired id should be new again")
	}
}
