package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go-log-indexer/internal/cache"
	"go-log-indexer/internal/cursor"
	"go-log-indexer/internal/indexer"
	"go-log-indexer/internal/indexset"
	"go-log-indexer/internal/models"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Dependency interfaces
//
// Each interface captures exactly the methods this package needs.
// Callers (main, tests) inject the real implementations or fakes.
// ---------------------------------------------------------------------------

// Registries returns the index-set registry in effect.
type Registries interface {
	Current() *indexset.Registry
}

// MessageQueue is the publish contract for the message broker.
type MessageQueue interface {
	PublishMessage(ctx context.Context, msg *models.Message) error
}

// Indexer writes messages straight to the backend, bypassing the queue.
type Indexer interface {
	BulkIndex(ctx context.Context, reqs []indexer.Request) (*indexer.Results, error)
}

// Rotator changes one index set's write alias under the cross-process
// rotation lock.
type Rotator interface {
	Rotate(ctx context.Context, s *indexset.IndexSet) (string, error)
	RepairAlias(ctx context.Context, s *indexset.IndexSet) (string, error)
}

// RangeStore reads the recorded time ranges of indices.
type RangeStore interface {
	ListRanges(ctx context.Context) ([]models.IndexRange, error)
	GetRange(ctx context.Context, index string) (*models.IndexRange, error)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler holds every dependency the HTTP layer needs.
// All fields are interfaces — the real implementations are injected by main,
// fakes or mocks can be injected in tests.
type Handler struct {
	Sets      Registries
	Publisher MessageQueue
	Indexer   Indexer
	Rotator   Rotator
	Ranges    RangeStore
	Searcher  cursor.Searcher

	ScrollKeepAlive time.Duration
	Logger          *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default().With("component", "api")
	}
	return h.Logger.With("component", "api")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// lookupSet resolves the {prefix} path value or writes a 404.
func (h *Handler) lookupSet(w http.ResponseWriter, r *http.Request) (*indexset.IndexSet, bool) {
	prefix := r.PathValue("prefix")
	s, ok := h.Sets.Current().ByPrefix(prefix)
	if !ok {
		http.Error(w, "index set not found: "+prefix, http.StatusNotFound)
		return nil, false
	}
	return s, true
}

// ---------------------------------------------------------------------------
// Index sets
// ---------------------------------------------------------------------------

type indexSetView struct {
	ID               string `json:"id"`
	Title            string `json:"title,omitempty"`
	Prefix           string `json:"prefix"`
	Default          bool   `json:"default"`
	Writable         bool   `json:"writable"`
	WriteAlias       string `json:"write_alias"`
	RotationSchedule string `json:"rotation_schedule,omitempty"`
	Target           string `json:"target,omitempty"`
	TargetError      string `json:"target_error,omitempty"`
}

// ListIndexSets — GET /api/indexsets
//
// Returns every configured set with the index its write alias points at.
// A set that is not set up yet has no target; backend errors are reported
// per set instead of failing the whole listing.
func (h *Handler) ListIndexSets(w http.ResponseWriter, r *http.Request) {
	sets := h.Sets.Current().All()
	out := make([]indexSetView, 0, len(sets))
	for _, s := range sets {
		cfg := s.Config()
		v := indexSetView{
			ID:               cfg.ID,
			Title:            cfg.Title,
			Prefix:           cfg.Prefix,
			Default:          cfg.Default,
			Writable:         cfg.IsWritable(),
			WriteAlias:       s.WriteAlias(),
			RotationSchedule: cfg.RotationSchedule,
		}
		target, err := s.CurrentTarget(r.Context())
		switch {
		case err == nil:
			v.Target = target
		case !errors.Is(err, indexset.ErrNoTargetIndex):
			v.TargetError = err.Error()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// SetUpIndexSet — POST /api/indexsets/{prefix}/setup
func (h *Handler) SetUpIndexSet(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSet(w, r)
	if !ok {
		return
	}
	if err := s.SetUp(r.Context()); err != nil {
		h.logger().Error("index set setup failed", "prefix", s.Prefix(), "error", err)
		http.Error(w, "setup failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	target, _ := s.CurrentTarget(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"prefix": s.Prefix(), "target": target})
}

// CycleIndexSet — POST /api/indexsets/{prefix}/cycle
//
// Manually rotates the set. Returns 409 while a scheduled rotation of the
// same set holds the lock.
func (h *Handler) CycleIndexSet(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSet(w, r)
	if !ok {
		return
	}
	if !s.IsWritable() {
		http.Error(w, "index set is not writable", http.StatusConflict)
		return
	}

	newIndex, err := h.Rotator.Rotate(r.Context(), s)
	if errors.Is(err, cache.ErrLockHeld) {
		http.Error(w, "rotation already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger().Error("manual rotation failed", "prefix", s.Prefix(), "error", err)
		http.Error(w, "rotation failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	h.logger().Info("index set cycled", "prefix", s.Prefix(), "index", newIndex, "trigger", "manual")
	writeJSON(w, http.StatusOK, map[string]string{"prefix": s.Prefix(), "target": newIndex})
}

// CleanupAliases — POST /api/indexsets/{prefix}/cleanup-aliases
//
// Repairs a write alias that points at several indices by keeping it on the
// newest one only. Cycling refuses such a set until this has run.
func (h *Handler) CleanupAliases(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSet(w, r)
	if !ok {
		return
	}
	if !s.IsWritable() {
		http.Error(w, "index set is not writable", http.StatusConflict)
		return
	}

	target, err := h.Rotator.RepairAlias(r.Context(), s)
	if errors.Is(err, cache.ErrLockHeld) {
		http.Error(w, "rotation in progress", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger().Error("alias cleanup failed", "prefix", s.Prefix(), "error", err)
		http.Error(w, "alias cleanup failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	h.logger().Info("write alias repaired", "prefix", s.Prefix(), "target", target)
	writeJSON(w, http.StatusOK, map[string]string{"prefix": s.Prefix(), "target": target})
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type indexFailureView struct {
	MessageID string `json:"message_id"`
	Index     string `json:"index"`
	Type      string `json:"type"`
	Reason    string `json:"reason"`
}

// IngestMessages — POST /api/messages
//
// Accepts a JSON array of messages. IDs and timestamps are assigned when
// missing. By default the messages are queued for the worker and 202 is
// returned; with ?sync=true they are bulk indexed before responding.
func (h *Handler) IngestMessages(w http.ResponseWriter, r *http.Request) {
	var msgs []*models.Message
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if len(msgs) == 0 {
		http.Error(w, "no messages", http.StatusBadRequest)
		return
	}

	reg := h.Sets.Current()
	reqs := make([]indexer.Request, 0, len(msgs))
	now := time.Now().UTC()
	for _, m := range msgs {
		if m == nil {
			http.Error(w, "null message", http.StatusBadRequest)
			return
		}
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		set, err := reg.Resolve(m.IndexSet)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reqs = append(reqs, indexer.Request{Target: set, Message: m})
	}

	ctx := r.Context()
	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
		h.indexNow(ctx, w, reqs)
		return
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if err := h.Publisher.PublishMessage(ctx, m); err != nil {
			h.logger().Error("queue publish failed", "message_id", m.ID, "error", err)
			http.Error(w, "failed to enqueue messages", http.StatusInternalServerError)
			return
		}
		ids = append(ids, m.ID)
	}

	h.logger().Info("messages accepted", "count", len(ids))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "processing",
		"message_ids": ids,
	})
}

func (h *Handler) indexNow(ctx context.Context, w http.ResponseWriter, reqs []indexer.Request) {
	results, err := h.Indexer.BulkIndex(ctx, reqs)
	if err != nil {
		h.logger().Error("synchronous bulk index failed", "messages", len(reqs), "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, indexer.ErrRetriesExhausted) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "bulk index failed: "+err.Error(), status)
		return
	}

	failures := make([]indexFailureView, 0, len(results.Errors))
	for _, e := range results.Errors {
		failures = append(failures, indexFailureView{
			MessageID: e.Request.Message.ID,
			Index:     e.Index,
			Type:      e.Type.String(),
			Reason:    e.Reason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"indexed":  len(results.Successes),
		"failures": failures,
	})
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

// Export — GET /api/export?q=&from=&to=&stream=&index_set=&limit=&strategy=&sort=&batch_size=
//
// Streams every matching message as newline-delimited JSON, pulling from the
// backend chunk by chunk. A client that disconnects cancels the cursor.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	strategy, err := cursor.ParseStrategy(q.Get("strategy"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cmd := cursor.Command{
		Query:     q.Get("q"),
		Streams:   q["stream"],
		KeepAlive: h.ScrollKeepAlive,
	}
	if cmd.From, err = parseTime(q.Get("from")); err != nil {
		http.Error(w, "invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	if cmd.To, err = parseTime(q.Get("to")); err != nil {
		http.Error(w, "invalid to: "+err.Error(), http.StatusBadRequest)
		return
	}
	if cmd.Limit, err = parseInt(q.Get("limit")); err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if cmd.BatchSize, err = parseInt(q.Get("batch_size")); err != nil {
		http.Error(w, "invalid batch_size", http.StatusBadRequest)
		return
	}
	switch sort := cursor.SortOrder(q.Get("sort")); sort {
	case "", cursor.Ascending, cursor.Descending:
		cmd.Sort = sort
	default:
		http.Error(w, "sort must be asc or desc", http.StatusBadRequest)
		return
	}

	reg := h.Sets.Current()
	if prefix := q.Get("index_set"); prefix != "" {
		s, ok := reg.ByPrefix(prefix)
		if !ok {
			http.Error(w, "index set not found: "+prefix, http.StatusNotFound)
			return
		}
		cmd.Indices = []string{s.WriteWildcard()}
	} else {
		cmd.Indices = reg.AllWriteWildcards()
	}

	ctx := r.Context()
	c, err := cursor.Open(ctx, h.Searcher, strategy, cmd, h.Logger)
	if err != nil {
		h.logger().Error("open export cursor failed", "error", err)
		http.Error(w, "search failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	exported := 0
	err = cursor.ForEach(ctx, c, func(chunk *cursor.Chunk) (bool, error) {
		for _, m := range chunk.Messages {
			if err := enc.Encode(m); err != nil {
				return false, err
			}
		}
		exported += len(chunk.Messages)
		if flusher != nil {
			flusher.Flush()
		}
		return true, nil
	})
	if err != nil {
		// Headers are gone; the truncated body is all the client gets.
		h.logger().Warn("export aborted", "exported", exported, "error", err)
		return
	}
	h.logger().Info("export finished", "strategy", strategy.String(), "exported", exported)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err == nil && n < 0 {
		return 0, errors.New("negative")
	}
	return n, err
}

// ---------------------------------------------------------------------------
// Index ranges
// ---------------------------------------------------------------------------

// ListRanges — GET /api/ranges
func (h *Handler) ListRanges(w http.ResponseWriter, r *http.Request) {
	ranges, err := h.Ranges.ListRanges(r.Context())
	if err != nil {
		h.logger().Error("list index ranges failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ranges)
}

// GetRange — GET /api/ranges/{index}
//
//   - sql.ErrNoRows → 404   (range never recorded)
//   - any other DB error → 500
func (h *Handler) GetRange(w http.ResponseWriter, r *http.Request) {
	index := r.PathValue("index")
	rng, err := h.Ranges.GetRange(r.Context(), index)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "index range not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger().Error("get index range failed", "index", index, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rng)
}
