package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/LeventeLantos/paired-messaging/internal/model"
	"github.com/LeventeLantos/paired-messaging/internal/queue"
	"github.com/LeventeLantos/paired-messaging/internal/repo"
	"github.com/LeventeLantos/paired-messaging/internal/scanner"
	"github.com/LeventeLantos/paired-messaging/internal/scheduler"
	"github.com/LeventeLantos/paired-messaging/internal/service"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeStore struct {
	// capture args
	gotState  model.State
	gotLimit  int
	gotOffset int

	// behavior
	items  []model.ScheduledMessage
	counts map[model.State]int64
	err    error
}

var _ ScheduledReader = (*fakeStore)(nil)

func (f *fakeStore) Get(_ context.Context, id string) (*model.ScheduledMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, m := range f.items {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeStore) List(_ context.Context, state model.State, limit, offset int) ([]model.ScheduledMessage, error) {
	f.gotState = state
	f.gotLimit = limit
	f.gotOffset = offset
	return f.items, f.err
}

func (f *fakeStore) CountByState(context.Context) (map[model.State]int64, error) {
	return f.counts, f.err
}

type fakeQueue struct {
	stats queue.Stats
	dead  []queue.DeadLetter
	err   error
}

func (f *fakeQueue) Stats(context.Context) (queue.Stats, error) { return f.stats, f.err }

func (f *fakeQueue) DeadLetters(context.Context, int64) ([]queue.DeadLetter, error) {
	return f.dead, f.err
}

type runFunc func(context.Context) (int, error)

func (f runFunc) Run(ctx context.Context) (int, error) { return f(ctx) }

type sweepFunc func(context.Context) (int64, error)

func (f sweepFunc) Run(ctx context.Context) (int64, error) { return f(ctx) }

func newTestServer(t *testing.T, d Deps) (*scheduler.Scheduler, http.Handler) {
	t.Helper()

	// Long interval so only the immediate tick happens (noop anyway).
	s, err := scheduler.New("scanner", time.Hour, func(context.Context) {}, nil)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	d.Scanner = s
	if d.Store == nil {
		d.Store = &fakeStore{}
	}
	if d.Queue == nil {
		d.Queue = &fakeQueue{}
	}
	return s, Router(NewHandler(d))
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func TestHealth(t *testing.T) {
	_, mux := newTestServer(t, Deps{})

	rr := serve(mux, http.MethodGet, "/v1/health")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}

	body := decodeJSON(t, rr)
	if v, ok := body["ok"].(bool); !ok || !v {
		t.Fatalf("expected {ok:true}, got %v", body)
	}
}

func TestScannerEndpoints(t *testing.T) {
	_, mux := newTestServer(t, Deps{
		ScanStatus: func() scanner.Status {
			return scanner.Status{LastScan: scanner.Result{Found: 3, Published: 2}}
		},
	})

	// Initially should be false.
	{
		rr := serve(mux, http.MethodGet, "/v1/scanner/status")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || running {
			t.Fatalf("expected running=false, got %v", body)
		}
		status, ok := body["status"].(map[string]any)
		if !ok {
			t.Fatalf("expected status object, got %v", body)
		}
		last, _ := status["lastScan"].(map[string]any)
		if last["published"] != float64(2) {
			t.Fatalf("expected lastScan.published=2, got %v", status)
		}
	}

	// Start
	{
		rr := serve(mux, http.MethodPost, "/v1/scanner/start")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || !running {
			t.Fatalf("expected running=true after start, got %v", body)
		}
	}

	// Stop
	{
		rr := serve(mux, http.MethodPost, "/v1/scanner/stop")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || running {
			t.Fatalf("expected running=false after stop, got %v", body)
		}
	}
}

func TestListScheduled_DefaultsAndArgs(t *testing.T) {
	fs := &fakeStore{
		items: []model.ScheduledMessage{
			{ID: "a", SenderID: "u1", ReceiverID: "u2", Content: "hi", State: model.Sent},
		},
	}
	_, mux := newTestServer(t, Deps{Store: fs})

	// No query params => defaults (limit=50, offset=0, any state)
	rr := serve(mux, http.MethodGet, "/v1/scheduled")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if fs.gotLimit != 50 || fs.gotOffset != 0 || fs.gotState != "" {
		t.Fatalf("expected store called with limit=50 offset=0 state=\"\", got limit=%d offset=%d state=%q", fs.gotLimit, fs.gotOffset, fs.gotState)
	}

	body := decodeJSON(t, rr)
	items, ok := body["items"].([]any)
	if !ok {
		t.Fatalf("expected items array, got %T %v", body["items"], body)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}

func TestListScheduled_ParsesQuery(t *testing.T) {
	fs := &fakeStore{}
	_, mux := newTestServer(t, Deps{Store: fs})

	rr := serve(mux, http.MethodGet, "/v1/scheduled?state=failed&limit=10&offset=5")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if fs.gotLimit != 10 || fs.gotOffset != 5 || fs.gotState != model.Failed {
		t.Fatalf("expected limit=10 offset=5 state=failed, got limit=%d offset=%d state=%q", fs.gotLimit, fs.gotOffset, fs.gotState)
	}

	// Empty result is an empty array, not null.
	if !strings.Contains(rr.Body.String(), `"items":[]`) {
		t.Fatalf("expected empty items array, got %q", rr.Body.String())
	}
}

func TestListScheduled_InvalidLimitOffsetFallsBackToDefaults(t *testing.T) {
	fs := &fakeStore{}
	_, mux := newTestServer(t, Deps{Store: fs})

	rr := serve(mux, http.MethodGet, "/v1/scheduled?limit=abc&offset=zzz")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if fs.gotLimit != 50 || fs.gotOffset != 0 {
		t.Fatalf("expected defaults limit=50 offset=0, got limit=%d offset=%d", fs.gotLimit, fs.gotOffset)
	}
}

func TestListScheduled_UnknownStateIs400(t *testing.T) {
	_, mux := newTestServer(t, Deps{})

	rr := serve(mux, http.MethodGet, "/v1/scheduled?state=lost")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestListScheduled_StoreErrorReturns500(t *testing.T) {
	_, mux := newTestServer(t, Deps{Store: &fakeStore{err: errors.New("db down")}})

	rr := serve(mux, http.MethodGet, "/v1/scheduled")

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "db down") {
		t.Fatalf("expected error body to contain store error, got %q", rr.Body.String())
	}
}

func TestGetScheduled(t *testing.T) {
	fs := &fakeStore{
		items: []model.ScheduledMessage{{ID: "a", SenderID: "u1", ReceiverID: "u2", Content: "hi", State: model.Queued}},
	}
	_, mux := newTestServer(t, Deps{Store: fs})

	rr := serve(mux, http.MethodGet, "/v1/scheduled/a")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["id"] != "a" || body["state"] != "queued" {
		t.Fatalf("unexpected record: %v", body)
	}

	rr = serve(mux, http.MethodGet, "/v1/scheduled/missing")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestRunPlannerAndRetention(t *testing.T) {
	_, mux := newTestServer(t, Deps{
		Planner:   runFunc(func(context.Context) (int, error) { return 2, nil }),
		Retention: sweepFunc(func(context.Context) (int64, error) { return 0, errors.New("locked") }),
	})

	rr := serve(mux, http.MethodPost, "/v1/planner/run")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if body := decodeJSON(t, rr); body["scheduled"] != float64(2) {
		t.Fatalf("expected scheduled=2, got %v", body)
	}

	rr = serve(mux, http.MethodPost, "/v1/retention/run")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%q", rr.Code, rr.Body.String())
	}

	rr = serve(mux, http.MethodGet, "/v1/planner/run")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for GET, got %d", rr.Code)
	}
}

func TestQueueAndStats(t *testing.T) {
	q := &fakeQueue{
		stats: queue.Stats{Ready: 4, Dead: 1},
		dead:  []queue.DeadLetter{{ID: "d1", Reason: "malformed"}},
	}
	fs := &fakeStore{counts: map[model.State]int64{model.Pending: 3, model.Sent: 7}}
	_, mux := newTestServer(t, Deps{
		Store:    fs,
		Queue:    q,
		Consumer: func() service.Stats { return service.Stats{Delivered: 7, Duplicates: 1} },
	})

	rr := serve(mux, http.MethodGet, "/v1/queue/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	var st queue.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st != q.stats {
		t.Fatalf("expected %+v, got %+v", q.stats, st)
	}

	rr = serve(mux, http.MethodGet, "/v1/queue/dead")
	if !strings.Contains(rr.Body.String(), "malformed") {
		t.Fatalf("expected dead letter in body, got %q", rr.Body.String())
	}

	rr = serve(mux, http.MethodGet, "/v1/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	scheduled, _ := body["scheduled"].(map[string]any)
	if scheduled["sent"] != float64(7) || scheduled["pending"] != float64(3) {
		t.Fatalf("unexpected scheduled counts: %v", body)
	}
	if _, ok := body["consumer"].(map[string]any); !ok {
		t.Fatalf("expected consumer stats, got %v", body)
	}
}

func TestRouterRootAndNotFound(t *testing.T) {
	_, mux := newTestServer(t, Deps{})

	rr := serve(mux, http.MethodGet, "/")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "paired-messaging" {
		t.Fatalf("expected body %q, got %q", "paired-messaging", got)
	}

	rr = serve(mux, http.MethodGet, "/v1/nope")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestRequestLogger_PassesThroughAndCapturesStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusCreated, "ok")
	})

	rr := serve(r, http.MethodGet, "/test")

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, rr.Code)
	}
	if body := rr.Body.String(); body != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", body)
	}

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["status"]; got != int64(http.StatusCreated) {
		t.Fatalf("expected logged status 201, got %v (%T)", got, got)
	}
}
