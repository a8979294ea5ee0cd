package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/config"
	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/pipeline"
	"github.com/JakeFAU/legal-corpus-ingest/internal/worker"
)

func TestServer_RunCategory_Succeeds(t *testing.T) {
	t.Parallel()

	w := &fakeWorker{run: ingest.PipelineRun{ID: "run-1", Category: "dat_dai", Status: ingest.RunCompleted, DocumentsNew: 2}}
	server := newTestServer(w)

	rec := do(server, http.MethodPost, "/v1/categories/dat_dai/run?force=true", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "run-1", resp.Run.ID)
	require.Equal(t, ingest.WorkerSuccess, resp.Outcome)
	require.Empty(t, resp.Error)
	require.Equal(t, []runCall{{category: "dat_dai", force: true}}, w.calls())
}

func TestServer_RunCategory_FailedRunIsReported(t *testing.T) {
	t.Parallel()

	w := &fakeWorker{
		run: ingest.PipelineRun{ID: "run-2", Status: ingest.RunFailed, Error: "fetch: all 2 entries failed"},
		err: fmt.Errorf("%w: fetch: all 2 entries failed", pipeline.ErrRunFailed),
	}
	rec := do(newTestServer(w), http.MethodPost, "/v1/categories/dat_dai/run", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, ingest.WorkerFailed, resp.Outcome)
	require.Contains(t, resp.Error, "all 2 entries failed")
	require.False(t, w.calls()[0].force)
}

func TestServer_RunCategory_ErrorStatuses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "in progress", err: fmt.Errorf("category dat_dai: %w", ingest.ErrRunInProgress), want: http.StatusConflict},
		{name: "unknown", err: fmt.Errorf("load category: %w", ingest.ErrNotFound), want: http.StatusNotFound},
		{name: "inactive", err: ingest.ErrCategoryInactive, want: http.StatusUnprocessableEntity},
		{name: "stopped", err: worker.ErrStopped, want: http.StatusServiceUnavailable},
		{name: "store down", err: errors.New("connection refused"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := do(newTestServer(&fakeWorker{err: tc.err}), http.MethodPost, "/v1/categories/dat_dai/run", nil)
			require.Equal(t, tc.want, rec.Code)
			require.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestServer_RunCategory_BadForce(t *testing.T) {
	t.Parallel()

	w := &fakeWorker{}
	rec := do(newTestServer(w), http.MethodPost, "/v1/categories/dat_dai/run?force=maybe", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, w.calls())
}

func TestServer_WorkerStatusAndSchedule(t *testing.T) {
	t.Parallel()

	next := time.Date(2026, 3, 8, 2, 0, 0, 0, time.UTC)
	w := &fakeWorker{
		status: []worker.JobStatus{{Category: "dat_dai", Spec: "CRON_TZ=UTC 0 2 * * 0", NextRun: next, Running: true}},
		schedule: []worker.CategorySchedule{{
			Category:      "dat_dai",
			DisplayName:   "Đất đai",
			Spec:          "CRON_TZ=UTC 0 2 * * 0",
			NextRun:       next,
			DocumentCount: 3,
		}},
	}
	server := newTestServer(w)

	rec := do(server, http.MethodGet, "/v1/worker/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"running":true`)
	require.Contains(t, rec.Body.String(), "2026-03-08T02:00:00Z")

	rec = do(server, http.MethodGet, "/v1/worker/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"document_count":3`)

	w.scheduleErr = errors.New("db down")
	rec = do(server, http.MethodGet, "/v1/worker/schedule", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ListRuns(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{runs: []ingest.PipelineRun{{ID: "run-2"}, {ID: "run-1"}}}
	server := NewServer(Deps{Worker: &fakeWorker{}, Runs: runs, Searcher: &fakeSearcher{}}, testConfig(), zap.NewNop())

	rec := do(server, http.MethodGet, "/v1/categories/dat_dai/runs?limit=500", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "run-2")
	require.Equal(t, "dat_dai", runs.category)
	require.Equal(t, maxRunsLimit, runs.limit)

	rec = do(server, http.MethodGet, "/v1/categories/dat_dai/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, defaultRunsLimit, runs.limit)

	rec = do(server, http.MethodGet, "/v1/categories/dat_dai/runs?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	runs.err = errors.New("boom")
	rec = do(server, http.MethodGet, "/v1/categories/dat_dai/runs", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_Search(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{hits: []ingest.ScoredChunk{{ChunkID: "c1", DocumentID: "d1", Score: 0.91}}}
	server := NewServer(Deps{Worker: &fakeWorker{}, Runs: &fakeRuns{}, Searcher: searcher}, testConfig(), zap.NewNop())

	rec := do(server, http.MethodPost, "/v1/search", []byte(`{"query":"thế chấp quyền sử dụng đất","category":"dat_dai","top_k":3}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "c1")
	require.Equal(t, pipeline.Query{Text: "thế chấp quyền sử dụng đất", Category: "dat_dai", TopK: 3}, searcher.query)

	rec = do(server, http.MethodPost, "/v1/search", []byte("{invalid"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	searcher.err = pipeline.ErrEmptyQuery
	rec = do(server, http.MethodPost, "/v1/search", []byte(`{"query":"  "}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	searcher.err = errors.New("qdrant unavailable")
	rec = do(server, http.MethodPost, "/v1/search", []byte(`{"query":"bồi thường"}`))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	var ready error
	server := NewServer(Deps{
		Worker:   &fakeWorker{},
		Runs:     &fakeRuns{},
		Searcher: &fakeSearcher{},
		Ready:    func(context.Context) error { return ready },
	}, testConfig(), zap.NewNop())

	require.Equal(t, http.StatusOK, do(server, http.MethodGet, "/readyz", nil).Code)
	ready = errors.New("postgres: connection refused")
	rec := do(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(Deps{Worker: &fakeWorker{}, Runs: &fakeRuns{}, Searcher: &fakeSearcher{}}, cfg, zap.NewNop())

	rec := do(server, http.MethodGet, "/v1/worker/status", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/worker/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(server, http.MethodGet, "/v1/worker/status?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeWorker{panicOnStatus: true})
	rec := do(server, http.MethodGet, "/v1/worker/status", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeWorker{})
	do(server, http.MethodGet, "/healthz", nil)
	rec := do(server, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := do(newTestServer(&fakeWorker{}), http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	newTestServer(&fakeWorker{}).Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type runCall struct {
	category string
	force    bool
}

type fakeWorker struct {
	mu            sync.Mutex
	run           ingest.PipelineRun
	err           error
	status        []worker.JobStatus
	schedule      []worker.CategorySchedule
	scheduleErr   error
	panicOnStatus bool
	runCalls      []runCall
}

func (w *fakeWorker) Status() []worker.JobStatus {
	if w.panicOnStatus {
		panic("status exploded")
	}
	return w.status
}

func (w *fakeWorker) Schedule(context.Context) ([]worker.CategorySchedule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.schedule, w.scheduleErr
}

func (w *fakeWorker) RunNow(_ context.Context, category string, force bool) (ingest.PipelineRun, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runCalls = append(w.runCalls, runCall{category: category, force: force})
	return w.run, w.err
}

func (w *fakeWorker) calls() []runCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]runCall(nil), w.runCalls...)
}

type fakeRuns struct {
	runs     []ingest.PipelineRun
	err      error
	category string
	limit    int
}

func (r *fakeRuns) ListRuns(_ context.Context, category string, limit int) ([]ingest.PipelineRun, error) {
	r.category, r.limit = category, limit
	return r.runs, r.err
}

type fakeSearcher struct {
	hits  []ingest.ScoredChunk
	err   error
	query pipeline.Query
}

func (s *fakeSearcher) Search(_ context.Context, q pipeline.Query) ([]ingest.ScoredChunk, error) {
	s.query = q
	return s.hits, s.err
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 30},
	}
}

func newTestServer(w *fakeWorker) *Server {
	return NewServer(Deps{Worker: w, Runs: &fakeRuns{}, Searcher: &fakeSearcher{}}, testConfig(), zap.NewNop())
}

func do(server *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}
