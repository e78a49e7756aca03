package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/hh-sieve/internal/filtering"
	"github.com/spigell/hh-sieve/internal/posting"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRunner struct {
	got filtering.Request
	res *filtering.Result
	err error
}

func (r *stubRunner) Run(_ context.Context, req filtering.Request) (*filtering.Result, error) {
	r.got = req
	return r.res, r.err
}

type stubRecords struct {
	pingErr error
	records map[string]posting.Record
}

func (s *stubRecords) Ping(context.Context) error { return s.pingErr }

func (s *stubRecords) Get(_ context.Context, id string) (posting.Record, error) {
	rec, ok := s.records[id]
	if !ok {
		return posting.Record{}, fmt.Errorf("record %q: %w", id, posting.ErrNotFound)
	}
	return rec, nil
}

type stubPolicies []posting.Policy

func (p stubPolicies) List(context.Context) ([]posting.Policy, error) { return p, nil }

type stubSources []string

func (s stubSources) IDs() []string { return s }

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()

	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestFilterReturnsResult(t *testing.T) {
	runner := &stubRunner{res: &filtering.Result{
		RunID:    "run-1",
		Accepted: []filtering.Outcome{{Posting: posting.Posting{ID: "1"}, Status: filtering.StatusAccepted}},
		Rejected: []filtering.Outcome{},
		Errored:  []filtering.Outcome{},
	}}
	s := New(Config{}, Deps{Runner: runner})

	rec := do(t, s, http.MethodPost, "/v1/filter", `{"policy_id":"go","source_id":"hh"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if runner.got.PolicyID != "go" || runner.got.SourceID != "hh" {
		t.Fatalf("unexpected request passed to runner: %+v", runner.got)
	}

	var res filtering.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.RunID != "run-1" || len(res.Accepted) != 1 || res.Accepted[0].ID != "1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFilterMapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		reason string
	}{
		{name: "invalid", err: fmt.Errorf("%w: policy_id is required", filtering.ErrInvalidRequest), status: http.StatusBadRequest, reason: "invalid_request"},
		{name: "not found", err: fmt.Errorf("policy %q: %w", "x", filtering.ErrNotFound), status: http.StatusNotFound, reason: "not_found"},
		{name: "unavailable", err: fmt.Errorf("%w: store ping", filtering.ErrUnavailable), status: http.StatusServiceUnavailable, reason: "unavailable"},
		{name: "config", err: fmt.Errorf("%w: chunk size", filtering.ErrConfig), status: http.StatusInternalServerError, reason: "configuration"},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError, reason: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, Deps{Runner: &stubRunner{err: tt.err}})

			rec := do(t, s, http.MethodPost, "/v1/filter", `{"policy_id":"go","source_id":"hh"}`)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			body := decodeError(t, rec)
			if body.Reason != tt.reason {
				t.Fatalf("reason = %q, want %q", body.Reason, tt.reason)
			}
			if body.Error != tt.err.Error() {
				t.Fatalf("error = %q, want %q", body.Error, tt.err.Error())
			}
		})
	}
}

func TestFilterRejectsMalformedBody(t *testing.T) {
	runner := &stubRunner{}
	s := New(Config{}, Deps{Runner: runner})

	rec := do(t, s, http.MethodPost, "/v1/filter", `{"policy_id":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Reason != "invalid_request" {
		t.Fatalf("reason = %q", body.Reason)
	}
	if runner.got != (filtering.Request{}) {
		t.Fatalf("runner should not be called, got %+v", runner.got)
	}
}

func TestFilterLogsServerErrors(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	s := New(Config{}, Deps{Runner: &stubRunner{err: errors.New("boom")}, Logger: zap.New(core)})

	do(t, s, http.MethodPost, "/v1/filter", `{"policy_id":"go","source_id":"hh"}`)

	entries := logs.FilterMessage("request failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log, got %d", len(entries))
	}
	if path := entries[0].ContextMap()["path"]; path != "/v1/filter" {
		t.Fatalf("path field = %v", path)
	}
}

func TestHealth(t *testing.T) {
	healthy := New(Config{}, Deps{Records: &stubRecords{}})
	if rec := do(t, healthy, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}

	down := New(Config{}, Deps{Records: &stubRecords{pingErr: errors.New("connection refused")}})
	rec := do(t, down, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("down status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Reason != "unavailable" {
		t.Fatalf("reason = %q", body.Reason)
	}
}

func TestRecordLookup(t *testing.T) {
	s := New(Config{}, Deps{Records: &stubRecords{records: map[string]posting.Record{
		"42": {PostingID: "42", PolicyID: "go", Accepted: true},
	}}})

	rec := do(t, s, http.MethodGet, "/v1/records/42", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"42"`) {
		t.Fatalf("body does not mention the posting: %s", rec.Body.String())
	}

	if rec := do(t, s, http.MethodGet, "/v1/records/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rec.Code)
	}
}

func TestListings(t *testing.T) {
	s := New(Config{}, Deps{
		Policies: stubPolicies{{ID: "go", Text: "Go backend only"}},
		Sources:  stubSources{"hh-go", "local"},
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "hh_sieve_runs_total 1") }),
	})

	rec := do(t, s, http.MethodGet, "/v1/policies", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Go backend only") {
		t.Fatalf("policies: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/v1/sources", "")
	var sources struct {
		Sources []string `json:"sources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sources); err != nil {
		t.Fatalf("decode sources: %v", err)
	}
	if len(sources.Sources) != 2 || sources.Sources[0] != "hh-go" {
		t.Fatalf("sources = %v", sources.Sources)
	}

	rec = do(t, s, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), "hh_sieve_runs_total") {
		t.Fatalf("metrics body: %s", rec.Body.String())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}
