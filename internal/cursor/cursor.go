// Package cursor streams result sets larger than memory in chunks.
//
// Two strategies share one contract. Scroll keeps a server-side context alive
// between pulls and releases it on Cancel. SearchAfter is stateless on the
// backend and resumes from the sort values of the last hit. Callers pick the
// strategy; both map hits and report totals identically.
//
// A cursor is one logical scan: Next must not be called concurrently on the
// same cursor. Cancel may be called from any goroutine, any number of times.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-log-indexer/internal/metrics"
	"go-log-indexer/internal/models"
	"go-log-indexer/internal/search"

	"go.uber.org/atomic"
)

// ErrCancelled is returned by Next after Cancel.
var ErrCancelled = errors.New("cursor: cancelled")

const defaultBatchSize = 500

// Searcher is the read side of the search gateway.
type Searcher interface {
	Search(ctx context.Context, req search.SearchRequest) (*search.SearchResponse, error)
	Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*search.SearchResponse, error)
	ClearScroll(ctx context.Context, scrollID string) error
}

type Strategy int

const (
	Scroll Strategy = iota
	SearchAfter
)

func (s Strategy) String() string {
	if s == SearchAfter {
		return "search_after"
	}
	return "scroll"
}

// ParseStrategy accepts "scroll" and "search_after".
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "scroll":
		return Scroll, nil
	case "search_after", "search-after":
		return SearchAfter, nil
	}
	return 0, fmt.Errorf("cursor: unknown strategy %q", s)
}

// SortOrder is the direction of the timestamp sort.
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// Command is the scope of one cursor. It is not modified after Open.
type Command struct {
	Query     string // query_string syntax; empty matches everything
	Streams   []string
	From, To  time.Time // zero means unbounded
	Indices   []string
	BatchSize int
	Sort      SortOrder
	Fields    []string // source filter; empty returns every field
	Limit     int      // stop after this many results; 0 means no limit
	KeepAlive time.Duration
}

// Chunk is one pull's worth of results. Token is the continuation for the
// pull after this one: the scroll id the backend returned with the chunk, or
// the encoded sort values of its last message.
type Chunk struct {
	Messages []models.ResultMessage
	Token    string
	Total    int64
	Took     time.Duration
	Number   int
}

type State int32

const (
	Open State = iota
	Exhausted
	Cancelled
)

func (s State) String() string {
	switch s {
	case Exhausted:
		return "exhausted"
	case Cancelled:
		return "cancelled"
	}
	return "open"
}

// Cursor pulls chunks until the result set is exhausted.
type Cursor interface {
	// Next returns the next chunk, or nil, nil once exhausted.
	Next(ctx context.Context) (*Chunk, error)
	// Cancel stops the cursor and releases backend state. Failures to
	// release are logged, not returned.
	Cancel(ctx context.Context)
	State() State
}

// Open runs the first query and returns a cursor positioned before the first
// chunk.
func Open(ctx context.Context, searcher Searcher, strategy Strategy, cmd Command, logger *slog.Logger) (Cursor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cmd.BatchSize <= 0 {
		cmd.BatchSize = defaultBatchSize
	}
	if cmd.Limit > 0 && cmd.Limit < cmd.BatchSize {
		cmd.BatchSize = cmd.Limit
	}
	if cmd.Sort == "" {
		cmd.Sort = Descending
	}
	if cmd.KeepAlive <= 0 {
		cmd.KeepAlive = time.Minute
	}

	b := &base{
		cmd:      cmd,
		strategy: strategy,
		state:    atomic.NewInt32(int32(Open)),
		logger:   logger.With("component", "cursor", "strategy", strategy.String()),
	}
	switch strategy {
	case Scroll:
		return openScroll(ctx, searcher, b)
	case SearchAfter:
		return openSearchAfter(searcher, b), nil
	}
	return nil, fmt.Errorf("cursor: unknown strategy %d", strategy)
}

// base is the state machine and accounting shared by both strategies.
type base struct {
	cmd      Command
	strategy Strategy
	state    *atomic.Int32
	returned int
	chunks   int
	logger   *slog.Logger
}

func (b *base) State() State { return State(b.state.Load()) }

// check reports whether a pull may proceed.
func (b *base) check() (done bool, err error) {
	switch b.State() {
	case Cancelled:
		return true, ErrCancelled
	case Exhausted:
		return true, nil
	}
	return false, nil
}

// exhaust moves Open to Exhausted. It reports false if the cursor was
// cancelled in the meantime.
func (b *base) exhaust() bool {
	return b.state.CompareAndSwap(int32(Open), int32(Exhausted)) || b.State() == Exhausted
}

// cancel moves Open to Cancelled. An exhausted cursor stays exhausted.
func (b *base) cancel() bool {
	return b.state.CompareAndSwap(int32(Open), int32(Cancelled))
}

// chunk builds the caller-facing chunk from a response, applying Limit.
func (b *base) chunk(res *search.SearchResponse, token string) (*Chunk, bool, error) {
	hits := res.Hits
	limited := false
	if b.cmd.Limit > 0 && b.returned+len(hits) >= b.cmd.Limit {
		hits = hits[:b.cmd.Limit-b.returned]
		limited = true
	}

	msgs := make([]models.ResultMessage, 0, len(hits))
	for _, h := range hits {
		m, err := models.ParseResultMessage(h.ID, h.Index, h.Source)
		if err != nil {
			return nil, false, fmt.Errorf("cursor: hit %s/%s: %w", h.Index, h.ID, err)
		}
		msgs = append(msgs, m)
	}

	b.returned += len(msgs)
	b.chunks++
	metrics.CursorChunks.WithLabelValues(b.strategy.String()).Inc()
	return &Chunk{
		Messages: msgs,
		Token:    token,
		Total:    res.Total,
		Took:     res.Took,
		Number:   b.chunks,
	}, limited, nil
}
