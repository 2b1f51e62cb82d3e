package api

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go-log-indexer/internal/cache"
	"go-log-indexer/internal/indexer"
	"go-log-indexer/internal/indexset"
	"go-log-indexer/internal/models"
	"go-log-indexer/internal/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// aliasIndices answers the alias lookups and removals; every other backend
// call panics through the nil embedded interface.
type aliasIndices struct {
	indexset.Indices
	targets map[string][]string
	err     error
}

func (a *aliasIndices) AliasTargets(_ context.Context, alias string) ([]string, error) {
	return a.targets[alias], a.err
}

func (a *aliasIndices) RemoveAlias(_ context.Context, alias string, indices []string) error {
	if a.err != nil {
		return a.err
	}
	a.targets[alias] = slices.DeleteFunc(slices.Clone(a.targets[alias]), func(i string) bool {
		return slices.Contains(indices, i)
	})
	return nil
}

func (a *aliasIndices) AliasExists(_ context.Context, alias string) (bool, error) {
	return len(a.targets[alias]) > 0, a.err
}

type staticRegistry struct{ reg *indexset.Registry }

func (s staticRegistry) Current() *indexset.Registry { return s.reg }

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*models.Message
	err  error
}

func (f *fakePublisher) PublishMessage(_ context.Context, m *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

type fakeIndexer struct {
	reqs    []indexer.Request
	failing map[string]indexer.ErrorType
	err     error
}

func (f *fakeIndexer) BulkIndex(_ context.Context, reqs []indexer.Request) (*indexer.Results, error) {
	f.reqs = reqs
	if f.err != nil {
		return &indexer.Results{}, f.err
	}
	res := &indexer.Results{}
	for _, r := range reqs {
		if t, ok := f.failing[r.Message.ID]; ok {
			res.Errors = append(res.Errors, indexer.Error{Request: r, Index: "graylog_0", Type: t, Reason: "rejected"})
			continue
		}
		res.Successes = append(res.Successes, indexer.Success{Request: r, Index: "graylog_0"})
	}
	return res, nil
}

type fakeRotator struct {
	rotated  []string
	repaired []string
	err      error
}

func (f *fakeRotator) Rotate(_ context.Context, s *indexset.IndexSet) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.rotated = append(f.rotated, s.Prefix())
	return s.Naming().IndexName(len(f.rotated)), nil
}

// RepairAlias runs the real cleanup, without the lock.
func (f *fakeRotator) RepairAlias(ctx context.Context, s *indexset.IndexSet) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.repaired = append(f.repaired, s.Prefix())
	targets, err := s.AliasTargets(ctx)
	if err != nil {
		return "", err
	}
	if err := s.CleanupAliases(ctx, targets); err != nil {
		return "", err
	}
	return s.CurrentTarget(ctx)
}

type fakeRanges struct {
	ranges []models.IndexRange
	err    error
}

func (f *fakeRanges) ListRanges(context.Context) ([]models.IndexRange, error) {
	return f.ranges, f.err
}

func (f *fakeRanges) GetRange(_ context.Context, index string) (*models.IndexRange, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.ranges {
		if r.Index == index {
			return &r, nil
		}
	}
	return nil, sql.ErrNoRows
}

// pageSearcher serves total documents through search_after paging; Sort is
// the document position.
type pageSearcher struct {
	mu       sync.Mutex
	total    int
	requests []search.SearchRequest
}

func (p *pageSearcher) Search(_ context.Context, req search.SearchRequest) (*search.SearchResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	start := 0
	if after, ok := req.Body["search_after"].([]any); ok {
		start = after[0].(int) + 1
	}
	size := req.Body["size"].(int)
	res := &search.SearchResponse{Total: int64(p.total)}
	for i := start; i < p.total && i < start+size; i++ {
		src, _ := json.Marshal(map[string]any{
			models.FieldMessageID: fmt.Sprintf("m%d", i),
			models.FieldMessage:   "line",
		})
		res.Hits = append(res.Hits, search.Hit{Index: "graylog_0", ID: fmt.Sprintf("m%d", i), Source: src, Sort: []any{i}})
	}
	return res, nil
}

func (p *pageSearcher) Scroll(context.Context, string, time.Duration) (*search.SearchResponse, error) {
	return nil, errors.New("scroll not supported")
}

func (p *pageSearcher) ClearScroll(context.Context, string) error { return nil }

type fixture struct {
	handler   *Handler
	mux       *http.ServeMux
	publisher *fakePublisher
	indexer   *fakeIndexer
	rotator   *fakeRotator
	ranges    *fakeRanges
	searcher  *pageSearcher
	indices   *aliasIndices
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	readOnly := false
	indices := &aliasIndices{targets: map[string][]string{"graylog_deflector": {"graylog_3"}}}
	reg, err := indexset.NewRegistry([]indexset.Config{
		{ID: "default", Title: "Default", Prefix: "graylog", Default: true, RotationSchedule: "@daily"},
		{ID: "audit", Prefix: "audit"},
		{ID: "archive", Prefix: "archive", Writable: &readOnly},
	}, indexset.Deps{Indices: indices})
	require.NoError(t, err)

	f := &fixture{
		publisher: &fakePublisher{},
		indexer:   &fakeIndexer{},
		rotator:   &fakeRotator{},
		ranges:    &fakeRanges{},
		searcher:  &pageSearcher{},
		indices:   indices,
	}
	f.handler = &Handler{
		Sets:      staticRegistry{reg: reg},
		Publisher: f.publisher,
		Indexer:   f.indexer,
		Rotator:   f.rotator,
		Ranges:    f.ranges,
		Searcher:  f.searcher,
	}
	f.mux = http.NewServeMux()
	f.handler.RegisterRoutes(f.mux)
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestIngestMessagesQueues(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/messages",
		`[{"message":"first"},{"id":"given","message":"second","index_set":"audit"}]`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.publisher.msgs, 2)
	assert.NotEmpty(t, f.publisher.msgs[0].ID, "id assigned")
	assert.False(t, f.publisher.msgs[0].Timestamp.IsZero(), "timestamp assigned")
	assert.Equal(t, "given", f.publisher.msgs[1].ID)

	var body struct {
		MessageIDs []string `json:"message_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{f.publisher.msgs[0].ID, "given"}, body.MessageIDs)
}

func TestIngestMessagesRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"message":`},
		{name: "empty", body: `[]`},
		{name: "null message", body: `[null]`},
		{name: "unknown index set", body: `[{"message":"x","index_set":"missing"}]`},
		{name: "read-only index set", body: `[{"message":"x","index_set":"archive"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodPost, "/api/messages", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.publisher.msgs)
		})
	}
}

func TestIngestMessagesPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	rec := f.do(http.MethodPost, "/api/messages", `[{"message":"x"}]`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestIngestMessagesSync(t *testing.T) {
	f := newFixture(t)
	f.indexer.failing = map[string]indexer.ErrorType{"bad": indexer.MappingError}

	rec := f.do(http.MethodPost, "/api/messages?sync=true",
		`[{"id":"good","message":"a"},{"id":"bad","message":"b"}]`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, f.publisher.msgs, "sync path bypasses the queue")
	require.Len(t, f.indexer.reqs, 2)
	assert.Equal(t, "graylog_deflector", f.indexer.reqs[0].Target.WriteAlias())

	var body struct {
		Indexed  int                `json:"indexed"`
		Failures []indexFailureView `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Indexed)
	require.Len(t, body.Failures, 1)
	assert.Equal(t, "bad", body.Failures[0].MessageID)
	assert.Equal(t, "mapping_error", body.Failures[0].Type)
}

func TestIngestMessagesSyncRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.indexer.err = fmt.Errorf("wrapped: %w", indexer.ErrRetriesExhausted)

	rec := f.do(http.MethodPost, "/api/messages?sync=1", `[{"message":"a"}]`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListIndexSets(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/indexsets", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var sets []indexSetView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sets))
	require.Len(t, sets, 3)
	assert.Equal(t, "graylog", sets[0].Prefix)
	assert.Equal(t, "graylog_deflector", sets[0].WriteAlias)
	assert.Equal(t, "graylog_3", sets[0].Target)
	assert.True(t, sets[0].Default)
	assert.Empty(t, sets[1].Target, "audit is not set up yet")
	assert.Empty(t, sets[1].TargetError)
	assert.False(t, sets[2].Writable)
}

func TestListIndexSetsReportsBackendErrors(t *testing.T) {
	f := newFixture(t)
	f.indices.err = errors.New("connection refused")

	rec := f.do(http.MethodGet, "/api/indexsets", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var sets []indexSetView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sets))
	assert.Contains(t, sets[0].TargetError, "connection refused")
}

func TestSetUpIndexSet(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/indexsets/graylog/setup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"prefix":"graylog","target":"graylog_3"}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/indexsets/missing/setup", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCycleIndexSet(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/indexsets/audit/cycle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"prefix":"audit","target":"audit_1"}`, rec.Body.String())
	assert.Equal(t, []string{"audit"}, f.rotator.rotated)
}

func TestCycleIndexSetErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{name: "unknown set", target: "/api/indexsets/missing/cycle", want: http.StatusNotFound},
		{name: "read-only set", target: "/api/indexsets/archive/cycle", want: http.StatusConflict},
		{name: "lock held", target: "/api/indexsets/graylog/cycle", err: cache.ErrLockHeld, want: http.StatusConflict},
		{name: "lock lost mid cycle", target: "/api/indexsets/graylog/cycle", err: cache.ErrLockLost, want: http.StatusBadGateway},
		{name: "backend failure", target: "/api/indexsets/graylog/cycle", err: search.ErrHealthTimeout, want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.rotator.err = tt.err
			rec := f.do(http.MethodPost, tt.target, "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCleanupAliases(t *testing.T) {
	f := newFixture(t)
	// Given a crash left the alias on two indices
	f.indices.targets["graylog_deflector"] = []string{"graylog_2", "graylog_3"}

	rec := f.do(http.MethodPost, "/api/indexsets/graylog/cleanup-aliases", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"prefix":"graylog","target":"graylog_3"}`, rec.Body.String())
	assert.Equal(t, []string{"graylog"}, f.rotator.repaired)
	assert.Equal(t, []string{"graylog_3"}, f.indices.targets["graylog_deflector"])
}

func TestCleanupAliasesErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{name: "unknown set", target: "/api/indexsets/missing/cleanup-aliases", want: http.StatusNotFound},
		{name: "read-only set", target: "/api/indexsets/archive/cleanup-aliases", want: http.StatusConflict},
		{name: "lock held", target: "/api/indexsets/graylog/cleanup-aliases", err: cache.ErrLockHeld, want: http.StatusConflict},
		{name: "lock lost", target: "/api/indexsets/graylog/cleanup-aliases", err: cache.ErrLockLost, want: http.StatusBadGateway},
		{name: "backend failure", target: "/api/indexsets/graylog/cleanup-aliases", err: search.ErrUnavailable, want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.rotator.err = tt.err
			rec := f.do(http.MethodPost, tt.target, "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestExportStreamsEveryMessage(t *testing.T) {
	f := newFixture(t)
	f.searcher.total = 25

	rec := f.do(http.MethodGet, "/api/export?strategy=search_after&batch_size=10&stream=s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var ids []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var m models.ResultMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		ids = append(ids, m.ID)
	}
	require.Len(t, ids, 25)
	assert.Equal(t, "m0", ids[0])
	assert.Equal(t, "m24", ids[24])

	// Three full pages plus the empty one that ends the cursor.
	require.Len(t, f.searcher.requests, 4)
	assert.Equal(t, []string{"graylog_*", "audit_*", "archive_*"}, f.searcher.requests[0].Indices)
}

func TestExportLimitAndIndexSet(t *testing.T) {
	f := newFixture(t)
	f.searcher.total = 25

	rec := f.do(http.MethodGet, "/api/export?strategy=search_after&limit=7&index_set=audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, strings.Count(rec.Body.String(), "\n"))
	assert.Equal(t, []string{"audit_*"}, f.searcher.requests[0].Indices)
}

func TestExportRejectsBadParameters(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{query: "strategy=sideways", want: http.StatusBadRequest},
		{query: "from=yesterday", want: http.StatusBadRequest},
		{query: "to=2024-13-01T00:00:00Z", want: http.StatusBadRequest},
		{query: "limit=-1", want: http.StatusBadRequest},
		{query: "batch_size=many", want: http.StatusBadRequest},
		{query: "sort=random", want: http.StatusBadRequest},
		{query: "index_set=missing", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodGet, "/api/export?"+tt.query, "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, f.searcher.requests)
		})
	}
}

func TestRanges(t *testing.T) {
	f := newFixture(t)
	begin := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	f.ranges.ranges = []models.IndexRange{
		{Index: "graylog_0", Begin: begin, End: begin.Add(time.Hour)},
		{Index: "graylog_1", Unknown: true},
	}

	rec := f.do(http.MethodGet, "/api/ranges", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ranges []models.IndexRange
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ranges))
	assert.Len(t, ranges, 2)

	rec = f.do(http.MethodGet, "/api/ranges/graylog_0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var one models.IndexRange
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.True(t, one.Begin.Equal(begin))

	rec = f.do(http.MethodGet, "/api/ranges/graylog_9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.ranges.err = errors.New("db down")
	rec = f.do(http.MethodGet, "/api/ranges", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
