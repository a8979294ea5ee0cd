package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/fingerprint"
	indexmemory "github.com/JakeFAU/legal-corpus-ingest/internal/index/memory"
	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/parser"
	"github.com/JakeFAU/legal-corpus-ingest/internal/progress"
	"github.com/JakeFAU/legal-corpus-ingest/internal/storage/memory"
)

const (
	testCategory = "dat_dai"
	baseURL      = "https://thuvienphapluat.vn/van-ban/"
)

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", g.n.Add(1)), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *fakeSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fakePage struct {
	body []byte
	err  error
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]fakePage
	calls map[string]int
	// onFetch runs before a page is served.
	onFetch func(url string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[string]fakePage), calls: make(map[string]int)}
}

func (f *fakeFetcher) Set(url string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = fakePage{body: body}
}

func (f *fakeFetcher) Fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = fakePage{err: err}
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) Fetch(ctx context.Context, req ingest.FetchRequest) (ingest.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	page, found := f.pages[req.URL]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(req.URL)
	}
	if err := ctx.Err(); err != nil {
		return ingest.FetchResponse{}, err
	}
	if !found {
		return ingest.FetchResponse{}, &ingest.StatusError{URL: req.URL, Code: 404}
	}
	if page.err != nil {
		return ingest.FetchResponse{}, page.err
	}
	return ingest.FetchResponse{URL: req.URL, StatusCode: 200, Body: page.body}, nil
}

type fakeEmbedder struct {
	mu        sync.Mutex
	failFirst int
	failAll   bool
	calls     int
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	fail := e.failAll || e.calls <= e.failFirst
	e.mu.Unlock()
	if fail {
		return nil, errors.New("embedding service unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = embedText(text)
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return embedText(text), nil
}

func (e *fakeEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func embedText(text string) []float32 {
	v := []float32{0.1, 0.1, 0.1}
	switch {
	case strings.Contains(text, "thế chấp"):
		v[0] = 1
	case strings.Contains(text, "bồi thường"):
		v[1] = 1
	default:
		v[2] = 1
	}
	return v
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Stage
	}
	return out
}

type harness struct {
	store    *memory.Store
	index    *indexmemory.Store
	blobs    *memory.BlobStore
	fetcher  *fakeFetcher
	embedder *fakeEmbedder
	sleeper  *fakeSleeper
	events   *recorder
	orch     *Orchestrator
}

func newHarness(t *testing.T, cfg Config, category ingest.Category) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewStore(&seqIDs{}),
		index:    indexmemory.New(),
		blobs:    memory.NewBlobStore(),
		fetcher:  newFakeFetcher(),
		embedder: &fakeEmbedder{},
		sleeper:  &fakeSleeper{},
		events:   &recorder{},
	}
	if category.Name == "" {
		category = ingest.Category{Name: testCategory, DisplayName: "Đất đai", Active: true}
	}
	require.NoError(t, h.store.UpsertCategory(context.Background(), category))

	orch, err := New(cfg, Deps{
		Categories: h.store,
		Registry:   h.store,
		Documents:  h.store,
		Runs:       h.store,
		Fetcher:    h.fetcher,
		Detector:   fingerprint.New(),
		Parser:     parser.New(parser.Config{}),
		Blobs:      h.blobs,
		Embedder:   h.embedder,
		Index:      h.index,
		IDs:        &seqIDs{},
		Clock:      &fakeClock{now: time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)},
		Sleeper:    h.sleeper,
		Events:     h.events,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) addEntry(t *testing.T, url string, priority int) ingest.RegistryEntry {
	t.Helper()
	entry, err := h.store.UpsertDiscovered(context.Background(), testCategory, url, ingest.EntryMetadata{
		Role:     ingest.RolePrimary,
		Priority: priority,
	})
	require.NoError(t, err)
	return entry
}

func (h *harness) entry(t *testing.T, url string) ingest.RegistryEntry {
	t.Helper()
	entries, err := h.store.ListActive(context.Background(), testCategory)
	require.NoError(t, err)
	for _, e := range entries {
		if e.URL == url {
			return e
		}
	}
	t.Fatalf("entry %s not found", url)
	return ingest.RegistryEntry{}
}

func (h *harness) run(t *testing.T, force bool) (ingest.PipelineRun, error) {
	t.Helper()
	return h.orch.Run(context.Background(), Request{Category: testCategory, Force: force})
}

// lawPage renders a page with one article per subject.
func lawPage(title string, subjects ...string) []byte {
	var b strings.Builder
	b.WriteString("<html><head><title>" + title + "</title></head><body><nav>Trang chủ</nav>")
	b.WriteString("<h1>" + title + "</h1><div class=\"content1\"><p>Số: 31/2024/QH15</p>")
	for i, subject := range subjects {
		fmt.Fprintf(&b, "<p>Điều %d. Quy định về %s</p>", i+1, subject)
		fmt.Fprintf(&b, "<p>Người sử dụng đất có quyền và nghĩa vụ liên quan đến %s theo quy định của Luật này.</p>", subject)
	}
	b.WriteString("</div></body></html>")
	return []byte(b.String())
}

func TestRunEndToEndWithUnreachableEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ingest.Category{})
	urlA, urlB, urlC := baseURL+"luat-dat-dai.aspx", baseURL+"nghi-dinh-102.aspx", baseURL+"thong-tu-mat.aspx"
	h.addEntry(t, urlA, 1)
	h.addEntry(t, urlB, 2)
	h.addEntry(t, urlC, 3)
	h.fetcher.Set(urlA, lawPage("Luật Đất đai", "thế chấp", "chuyển nhượng"))
	h.fetcher.Set(urlB, lawPage("Nghị định 102", "bồi thường", "tái định cư"))

	first, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, ingest.RunCompleted, first.Status)
	require.Equal(t, ingest.TriggerManual, first.Trigger)
	require.Equal(t, 3, first.EntriesTotal)
	require.Equal(t, 3, first.DocumentsFound)
	require.Equal(t, 2, first.DocumentsNew)
	require.Equal(t, 0, first.DocumentsSkipped)
	require.Equal(t, 1, first.EntriesFailed)
	require.Len(t, first.FailedEntries, 1)
	require.Equal(t, urlC, first.FailedEntries[0].URL)
	require.Contains(t, first.FailedEntries[0].Reason, "404")
	require.Equal(t, 4, first.ChunksExpected)
	require.Equal(t, 4, first.ChunksIndexed)
	require.Empty(t, first.Warnings)
	require.Equal(t, ingest.WorkerPartial, first.Outcome())
	require.NotNil(t, first.FinishedAt)

	unreachable := h.entry(t, urlC)
	require.NotNil(t, unreachable.LastCheckedAt, "failed entries are still stamped")
	require.Empty(t, unreachable.LastContentHash)

	second, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, ingest.RunCompleted, second.Status)
	require.Equal(t, 2, second.DocumentsSkipped)
	require.Equal(t, 0, second.DocumentsNew)
	require.Equal(t, 1, second.EntriesFailed)
	require.Equal(t, urlC, second.FailedEntries[0].URL)
	require.Equal(t, 0, second.ChunksIndexed)

	runs, err := h.store.ListRuns(context.Background(), testCategory, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, second.ID, runs[0].ID)

	category, err := h.store.GetCategory(context.Background(), testCategory)
	require.NoError(t, err)
	require.Equal(t, 2, category.DocumentCount)
	require.Equal(t, 4, category.ChunkCount)
	require.NotNil(t, category.LastRunAt)

	stages := h.events.Stages()
	require.Equal(t, progress.StageRunStart, stages[0])
	require.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	require.Contains(t, stages, progress.StageEntryFailed)
	require.Contains(t, stages, progress.StageEntrySkipped)
}

func TestRunIsIdempotentWithoutUpstreamChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ingest.Category{})
	urls := []string{baseURL + "a.aspx", baseURL + "b.aspx", baseURL + "c.aspx"}
	for i, url := range urls {
		h.addEntry(t, url, i)
		h.fetcher.Set(url, lawPage("Văn bản "+url, fmt.Sprintf("nội dung %d", i), fmt.Sprintf("phạm vi %d", i)))
	}

	_, err := h.run(t, false)
	require.NoError(t, err)
	embedCalls := h.embedder.Calls()

	again, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, again.EntriesTotal, again.DocumentsSkipped)
	require.Equal(t, 0, again.DocumentsNew)
	require.Equal(t, 0, again.DocumentsUpdated)
	require.Equal(t, 0, again.DocumentsFound)
	require.Equal(t, ingest.WorkerSuccess, again.Outcome())
	require.Equal(t, embedCalls, h.embedder.Calls(), "unchanged runs do not re-embed")
	for _, url := range urls {
		require.Len(t, h.store.Documents(h.entry(t, url).ID), 1)
	}
}

func TestRunDetectsChangedContent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ingest.Category{})
	urlA, urlB := baseURL+"a.aspx", baseURL+"b.aspx"
	h.addEntry(t, urlA, 1)
	h.addEntry(t, urlB, 2)
	h.fetcher.Set(urlA, lawPage("A", "thế chấp", "góp vốn"))
	h.fetcher.Set(urlB, lawPage("B", "bồi thường", "hỗ trợ"))
	_, err := h.run(t, false)
	require.NoError(t, err)
	oldDoc, err := h.store.CurrentDocument(context.Background(), h.entry(t, urlB).ID)
	require.NoError(t, err)

	h.fetcher.Set(urlB, lawPage("B", "bồi thường", "hỗ trợ", "tái định cư"))
	run, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, 1, run.DocumentsSkipped)
	require.Equal(t, 1, run.DocumentsUpdated)
	require.Equal(t, 0, run.DocumentsNew)
	require.Equal(t, 3, run.ChunksIndexed)

	docs := h.store.Documents(h.entry(t, urlB).ID)
	require.Len(t, docs, 2)
	require.Equal(t, ingest.DocumentSuperseded, docs[0].Status)
	require.Equal(t, ingest.DocumentActive, docs[1].Status)
	require.Equal(t, oldDoc.ID, docs[1].ReplacesID)

	n, err := h.index.Count(context.Background(), oldDoc.ID)
	require.NoError(t, err)
	require.Zero(t, n, "superseded vectors are removed")
}

func TestForceRunNeverSkips(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ingest.Category{})
	urlA, urlB := baseURL+"a.aspx", baseURL+"b.aspx"
	h.addEntry(t, urlA, 1)
	h.addEntry(t, urlB, 2)
	h.fetcher.Set(urlA, lawPage("A", "thế chấp", "góp vốn"))
	h.fetcher.Set(urlB, lawPage("B", "bồi thường", "hỗ trợ"))
	_, err := h.run(t, false)
	require.NoError(t, err)

	forced, err := h.run(t, true)
	require.NoError(t, err)
	require.Equal(t, ingest.TriggerForced, forced.Trigger)
	require.Equal(t, 0, forced.DocumentsSkipped)
	require.Equal(t, 2, forced.DocumentsFound)
	require.Equal(t, 2, forced.DocumentsUpdated)
	require.Equal(t, 4, forced.ChunksIndexed)
	require.Empty(t, forced.Warnings)

	for _, url := range []string{urlA, urlB} {
		docs := h.store.Documents(h.entry(t, url).ID)
		require.Len(t, docs, 2)
		require.Equal(t, ingest.DocumentSuperseded, docs[0].Status)
	}
}

func TestEntryFailureDoesNotAffectOthers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ingest.Category{})
	urlA, urlBad, urlC := baseURL+"a.aspx", baseURL+"bad.aspx", baseURL+"c.aspx"
	h.addEntry(t, urlA, 1)
	h.addEntry(t, urlBad, 2)
	h.addEntry(t, urlC, 3)
	h.fetcher.Set(urlA, lawPage("A", "thế chấp", "góp vốn"))
	h.fetcher.Set(urlBad, []byte("<html><body><div class=\"content1\"><p>Trang đang bảo trì</p></div></body></html>"))
	h.fetcher.Set(urlC, lawPage("C", "bồi thường", "hỗ trợ"))

	run, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, ingest.RunCompleted, run.Status)
	require.Equal(t, 2, run.DocumentsNew)
	require.Equal(t, 1, run.EntriesFailed)
	require.Contains(t, run.FailedEntries[0].Reason, "parse")

	bad := h.entry(t, urlBad)
	require.NotNil(t, bad.LastCheckedAt)
	require.Empty(t, bad.LastContentHash, "parse failures keep the previous hash")
	require.NotEmpty(t, h.entry(t, urlA).LastContentHash)

	again, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, 2, again.DocumentsSkipped)
	require.Equal(t, 1, again.EntriesFailed)
	require.Equal(t, 2, h.fetcher.Calls(urlBad))
}

func TestRunFailsWhenEveryEntryFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ingest.Category{})
	h.addEntry(t, baseURL+"a.aspx", 1)
	h.addEntry(t, baseURL+"b.aspx", 2)
	h.fetcher.Fail(baseURL+"b.aspx", errors.New("connection reset"))

	run, err := h.run(t, false)
	require.ErrorIs(t, err, ErrRunFailed)
	require.Equal(t, ingest.RunFailed, run.Status)
	require.Equal(t, ingest.WorkerFailed, run.Outcome())
	require.Contains(t, run.Error, "all 2 entries failed")

	stages := h.events.Stages()
	require.Equal(t, progress.StageRunError, stages[len(stages)-1])

	runs, err := h.store.ListRuns(context.Background(), testCategory, 1)
	require.NoError(t, err)
	require.Equal(t, ingest.RunFailed, runs[0].Status)
}

func TestRunRejectsConcurrentRunOfSameCategory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ingest.Category{})
	url := baseURL + "a.aspx"
	h.addEntry(t, url, 1)
	h.fetcher.Set(url, lawPage("A", "thế chấp", "góp vốn"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.fetcher.onFetch = func(string) {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.run(t, false)
		done <- err
	}()
	<-entered
	require.True(t, h.orch.Running(testCategory))

	_, err := h.run(t, false)
	require.ErrorIs(t, err, ingest.ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
	require.False(t, h.orch.Running(testCategory))

	runs, err := h.store.ListRuns(context.Background(), testCategory, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1, "the rejected trigger leaves no run record")
}

func TestIndexBatchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{IndexBatchBackoff: time.Second}, ingest.Category{})
	h.embedder.failFirst = 2
	url := baseURL + "a.aspx"
	h.addEntry(t, url, 1)
	h.fetcher.Set(url, lawPage("A", "thế chấp", "góp vốn"))

	run, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, 0, run.BatchesFailed)
	require.Equal(t, 2, run.ChunksIndexed)
	require.Equal(t, 3, h.embedder.Calls())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeper.Delays())
	require.Equal(t, ingest.WorkerSuccess, run.Outcome())
}

func TestExhaustedBatchIsBackfilledNextRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{IndexBatchSize: 2}, ingest.Category{})
	h.embedder.failAll = true
	urlA, urlB := baseURL+"a.aspx", baseURL+"b.aspx"
	h.addEntry(t, urlA, 1)
	h.addEntry(t, urlB, 2)
	h.fetcher.Set(urlA, lawPage("A", "thế chấp", "góp vốn"))
	h.fetcher.Set(urlB, lawPage("B", "bồi thường", "hỗ trợ"))

	run, err := h.run(t, false)
	require.NoError(t, err, "index failures never fail the run")
	require.Equal(t, ingest.RunCompleted, run.Status)
	require.Equal(t, 2, run.BatchesFailed)
	require.Equal(t, 0, run.ChunksIndexed)
	require.Len(t, run.Warnings, 2, "one count mismatch per document")
	require.Equal(t, ingest.WorkerPartial, run.Outcome())
	require.Contains(t, h.events.Stages(), progress.StageBatchFailed)

	h.embedder.mu.Lock()
	h.embedder.failAll = false
	h.embedder.mu.Unlock()

	next, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, 2, next.DocumentsSkipped)
	require.Equal(t, 4, next.ChunksIndexed)
	require.Equal(t, 0, next.BatchesFailed)

	doc, err := h.store.CurrentDocument(context.Background(), h.entry(t, urlA).ID)
	require.NoError(t, err)
	n, err := h.index.Count(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestSupersededVectorsArePurgedAfterFailedIndexRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{}, ingest.Category{})
	url := baseURL + "a.aspx"
	h.addEntry(t, url, 1)
	h.fetcher.Set(url, lawPage("A", "thế chấp", "góp vốn"))
	_, err := h.run(t, false)
	require.NoError(t, err)
	oldDoc, err := h.store.CurrentDocument(ctx, h.entry(t, url).ID)
	require.NoError(t, err)

	// the update lands while the embedder is down
	h.embedder.mu.Lock()
	h.embedder.failAll = true
	h.embedder.mu.Unlock()
	h.fetcher.Set(url, lawPage("A", "thế chấp", "góp vốn", "bảo lãnh"))
	run, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, 1, run.DocumentsUpdated)
	require.Equal(t, 1, run.BatchesFailed)
	n, err := h.index.Count(ctx, oldDoc.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n, "old vectors stay until the replacement is indexed")

	h.embedder.mu.Lock()
	h.embedder.failAll = false
	h.embedder.mu.Unlock()
	run, err = h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, 1, run.DocumentsSkipped)
	require.Equal(t, 3, run.ChunksIndexed)
	require.Empty(t, run.Warnings)

	current, err := h.store.CurrentDocument(ctx, h.entry(t, url).ID)
	require.NoError(t, err)
	n, err = h.index.Count(ctx, oldDoc.ID)
	require.NoError(t, err)
	require.Zero(t, n, "superseded vectors are removed by the backfill run")
	n, err = h.index.Count(ctx, current.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	hits, err := h.index.Search(ctx, embedText("thế chấp"), 10, ingest.SearchFilters{Category: testCategory})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, hit := range hits {
		require.Equal(t, current.ID, hit.DocumentID)
	}

	pending, err := h.store.PendingPurges(ctx, testCategory)
	require.NoError(t, err)
	require.Empty(t, pending, "a purge is recorded once done")
}

func TestHaltStopsBetweenEntries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ingest.Category{})
	urls := []string{baseURL + "a.aspx", baseURL + "b.aspx", baseURL + "c.aspx"}
	for i, url := range urls {
		h.addEntry(t, url, i)
		h.fetcher.Set(url, lawPage("Văn bản", fmt.Sprintf("nội dung %d", i), fmt.Sprintf("phạm vi %d", i)))
	}
	halt := make(chan struct{})
	var once sync.Once
	h.fetcher.onFetch = func(string) { once.Do(func() { close(halt) }) }

	run, err := h.orch.Run(context.Background(), Request{Category: testCategory, Halt: halt})
	require.ErrorIs(t, err, ErrRunFailed)
	require.Equal(t, ingest.RunFailed, run.Status)
	require.Equal(t, "run halted before completion", run.Error)
	require.Equal(t, 1, run.DocumentsNew, "the current entry completes")
	require.Equal(t, 1, h.fetcher.Calls(urls[0]))
	require.Zero(t, h.fetcher.Calls(urls[1]))
	require.Zero(t, run.ChunksIndexed)

	h.fetcher.onFetch = nil
	next, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, 1, next.DocumentsSkipped)
	require.Equal(t, 2, next.DocumentsNew)
	require.Equal(t, 6, next.ChunksIndexed, "chunks left by the halted run are indexed")
}

func TestRunRejectsUnknownAndInactiveCategories(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ingest.Category{})

	_, err := h.orch.Run(context.Background(), Request{Category: "khong_ton_tai"})
	require.ErrorIs(t, err, ingest.ErrNotFound)

	require.NoError(t, h.store.UpsertCategory(context.Background(), ingest.Category{Name: "nha_o", Active: false}))
	_, err = h.orch.Run(context.Background(), Request{Category: "nha_o"})
	require.ErrorIs(t, err, ingest.ErrCategoryInactive)

	_, err = h.orch.Run(context.Background(), Request{})
	require.Error(t, err)
}

func TestRecordCheckOnMissingEntryIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ingest.Category{})
	url := baseURL + "a.aspx"
	h.addEntry(t, url, 1)
	h.fetcher.Set(url, lawPage("A", "thế chấp", "góp vốn"))

	orch, err := New(Config{}, Deps{
		Categories: h.store,
		Registry:   missingEntries{Registry: h.store},
		Documents:  h.store,
		Runs:       h.store,
		Fetcher:    h.fetcher,
		Detector:   fingerprint.New(),
		Parser:     parser.New(parser.Config{}),
		Blobs:      h.blobs,
		Embedder:   h.embedder,
		Index:      h.index,
		IDs:        &seqIDs{},
		Sleeper:    h.sleeper,
	})
	require.NoError(t, err)

	run, err := orch.Run(context.Background(), Request{Category: testCategory})
	require.ErrorIs(t, err, ErrRunFailed)
	require.True(t, strings.HasPrefix(run.Error, "fetch: "), run.Error)
	require.Contains(t, run.Error, ingest.ErrEntryNotFound.Error())
}

type missingEntries struct {
	ingest.Registry
}

func (missingEntries) RecordCheck(context.Context, string, string, time.Time) error {
	return ingest.ErrEntryNotFound
}

func TestDiscoveryRegistersNewLinks(t *testing.T) {
	t.Parallel()
	listing := baseURL + "danh-sach.aspx"
	h := newHarness(t, Config{DiscoveryEnabled: true, MaxDiscovered: 5}, ingest.Category{
		Name:        testCategory,
		Active:      true,
		ListingURL:  listing,
		LinkPattern: `/van-ban/.+\.aspx$`,
	})
	known := baseURL + "luat-dat-dai.aspx"
	h.addEntry(t, known, 1)
	h.fetcher.Set(known, lawPage("Luật Đất đai", "thế chấp", "góp vốn"))
	h.fetcher.Set(listing, []byte(`<html><body><ul>
<li><a href="/van-ban/luat-dat-dai.aspx">Luật Đất đai</a></li>
<li><a href="/van-ban/nghi-dinh-102.aspx#top">Nghị định
  102/2024/NĐ-CP</a></li>
<li><a href="/van-ban/nghi-dinh-102.aspx">trùng</a></li>
<li><a href="https://example.com/van-ban/ngoai.aspx">ngoài</a></li>
<li><a href="javascript:void(0)">js</a></li>
<li><a href="/tin-tuc/bai-viet.html">tin</a></li>
</ul></body></html>`))
	discovered := baseURL + "nghi-dinh-102.aspx"
	h.fetcher.Set(discovered, lawPage("Nghị định 102", "bồi thường", "hỗ trợ"))

	run, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, 2, run.EntriesTotal, "discovered entries join the same run")
	require.Equal(t, 2, run.DocumentsNew)

	entry := h.entry(t, discovered)
	require.Equal(t, ingest.RoleRelated, entry.Role)
	require.Equal(t, defaultDiscoveredPriority, entry.Priority)
	require.Equal(t, "Nghị định 102/2024/NĐ-CP", entry.Title)
}

func TestDiscoveryListingFailureIsWarning(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{DiscoveryEnabled: true}, ingest.Category{
		Name:        testCategory,
		Active:      true,
		ListingURL:  baseURL + "danh-sach.aspx",
		LinkPattern: `/van-ban/`,
	})
	url := baseURL + "a.aspx"
	h.addEntry(t, url, 1)
	h.fetcher.Set(url, lawPage("A", "thế chấp", "góp vốn"))

	run, err := h.run(t, false)
	require.NoError(t, err)
	require.Equal(t, ingest.RunCompleted, run.Status)
	require.Len(t, run.Warnings, 1)
	require.Contains(t, run.Warnings[0], "discovery")
	require.Equal(t, 1, run.DocumentsNew)
}

func TestExtractLinksResolvesSameHostLinksInOrder(t *testing.T) {
	t.Parallel()
	raw := []byte(`<a href="b.aspx">B</a><a href="/van-ban/a.aspx">A</a><a href="mailto:x@y.vn">m</a>`)
	links, err := extractLinks(raw, baseURL+"danh-sach.aspx", regexp.MustCompile(`\.aspx$`))
	require.NoError(t, err)
	require.Equal(t, []discoveredLink{
		{URL: baseURL + "b.aspx", Title: "B"},
		{URL: baseURL + "a.aspx", Title: "A"},
	}, links)
}

func TestNewReportsMissingDependencies(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "categories")
	require.Contains(t, err.Error(), "index")
}

func TestSearcherEmbedsAndFilters(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ingest.Category{})
	urlA, urlB := baseURL+"a.aspx", baseURL+"b.aspx"
	h.addEntry(t, urlA, 1)
	h.addEntry(t, urlB, 2)
	h.fetcher.Set(urlA, lawPage("A", "thế chấp", "góp vốn"))
	h.fetcher.Set(urlB, lawPage("B", "bồi thường", "hỗ trợ"))
	_, err := h.run(t, false)
	require.NoError(t, err)

	searcher := NewSearcher(h.embedder, h.index)
	hits, err := searcher.Search(context.Background(), Query{Text: "thế chấp quyền sử dụng đất", Category: testCategory, TopK: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Contains(t, hits[0].Text, "thế chấp")

	hits, err = searcher.Search(context.Background(), Query{Text: "bồi thường", Category: "lao_dong"})
	require.NoError(t, err)
	require.Empty(t, hits)

	_, err = searcher.Search(context.Background(), Query{Text: "   "})
	require.ErrorIs(t, err, ErrEmptyQuery)
}
