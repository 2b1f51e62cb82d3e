// Package indexer writes batches of log messages to the search backend.
//
// A batch is split into chunks of at most ChunkSize documents. Whole-request
// rejections are handled here and never reach the caller: "too large" halves
// the chunk size and resends from the failed offset, "rate limited" resends
// the same chunk after a bounded, growing backoff. Per-document failures are
// classified and returned in Results.Errors.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-log-indexer/internal/metrics"
	"go-log-indexer/internal/models"
	"go-log-indexer/internal/search"
)

// ErrRetriesExhausted means a chunk was still rate limited after MaxRetries
// resends. Results returned alongside it are complete up to that chunk.
var ErrRetriesExhausted = errors.New("indexer: rate limit retries exhausted")

// Target is where a request is written; an index set satisfies it.
type Target interface {
	WriteAlias() string
}

// Request is one message bound for one target. The message ID is the
// document ID, so resending a request never duplicates it.
type Request struct {
	Target  Target
	Message *models.Message
}

// Writer is the bulk call of the search gateway.
type Writer interface {
	Bulk(ctx context.Context, items []search.BulkItem) ([]search.BulkItemResult, error)
}

type Config struct {
	ChunkSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 500
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Success is a request the backend confirmed, with the concrete index it
// landed in.
type Success struct {
	Request Request
	Index   string
}

// Results partitions the requests of one BulkIndex call. Every request ends
// up in exactly one of the two slices unless BulkIndex returned an error.
type Results struct {
	Successes []Success
	Errors    []Error
}

// Pipeline is stateless across calls and safe for concurrent use.
type Pipeline struct {
	writer Writer
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(writer Writer, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		writer: writer,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "indexer"),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeTooLarge
	outcomeRateLimited
	outcomeFatal
)

// chunkOutcome is the result of sending one chunk. Only outcomeOK has
// recorded anything in Results.
type chunkOutcome struct {
	kind outcomeKind
	err  error
}

type pending struct {
	req  Request
	item search.BulkItem
}

// BulkIndex writes reqs and returns what succeeded and what failed per
// document. An error is returned only for failures that are not about single
// documents (backend down, retries exhausted); Results still holds
// everything decided before it.
func (p *Pipeline) BulkIndex(ctx context.Context, reqs []Request) (*Results, error) {
	results := &Results{}
	if len(reqs) == 0 {
		return results, nil
	}

	items := make([]pending, 0, len(reqs))
	for _, req := range reqs {
		body, err := req.Message.EncodeDocument()
		if err != nil {
			p.fail(results, req, req.Target.WriteAlias(), Unknown, "encode document: "+err.Error())
			continue
		}
		items = append(items, pending{
			req:  req,
			item: search.BulkItem{Index: req.Target.WriteAlias(), ID: req.Message.ID, Body: body},
		})
	}

	size := p.cfg.ChunkSize
	attempts := 0
	for offset := 0; offset < len(items); {
		end := min(offset+size, len(items))
		chunk := items[offset:end]

		out := p.sendChunk(ctx, chunk, results)
		switch out.kind {
		case outcomeOK:
			offset = end
			attempts = 0

		case outcomeTooLarge:
			metrics.BulkChunkRetries.WithLabelValues("too_large").Inc()
			if len(chunk) == 1 {
				p.logger.Warn("document too large to index", "message_id", chunk[0].req.Message.ID)
				p.fail(results, chunk[0].req, chunk[0].item.Index, Unknown, out.err.Error())
				offset = end
				continue
			}
			size = max(1, len(chunk)/2)
			p.logger.Info("bulk request too large, splitting", "offset", offset, "chunk_size", size)

		case outcomeRateLimited:
			metrics.BulkChunkRetries.WithLabelValues("rate_limited").Inc()
			attempts++
			if attempts > p.cfg.MaxRetries {
				return results, fmt.Errorf("%w: %d attempts at offset %d: %w", ErrRetriesExhausted, attempts, offset, out.err)
			}
			backoff := p.backoff(attempts)
			p.logger.Warn("bulk request rate limited, retrying",
				"offset", offset, "attempt", attempts, "backoff", backoff)
			if err := p.sleep(ctx, backoff); err != nil {
				return results, fmt.Errorf("indexer: waiting to retry at offset %d: %w", offset, err)
			}

		case outcomeFatal:
			p.logger.Error("bulk request failed", "offset", offset, "chunk_size", len(chunk), "error", out.err)
			return results, fmt.Errorf("indexer: bulk at offset %d: %w", offset, out.err)
		}
	}

	if len(results.Errors) > 0 {
		p.logger.Warn("bulk indexing finished with failures",
			"documents", len(reqs), "failed", len(results.Errors))
	}
	return results, nil
}

func (p *Pipeline) backoff(attempt int) time.Duration {
	d := p.cfg.RetryBackoff
	for i := 1; i < attempt && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, p.cfg.MaxBackoff)
}

func (p *Pipeline) sendChunk(ctx context.Context, chunk []pending, results *Results) chunkOutcome {
	items := make([]search.BulkItem, len(chunk))
	for i, c := range chunk {
		items[i] = c.item
	}

	res, err := p.writer.Bulk(ctx, items)
	switch {
	case errors.Is(err, search.ErrEntityTooLarge):
		return chunkOutcome{kind: outcomeTooLarge, err: err}
	case errors.Is(err, search.ErrRateLimited):
		return chunkOutcome{kind: outcomeRateLimited, err: err}
	case err != nil:
		return chunkOutcome{kind: outcomeFatal, err: err}
	case len(res) != len(chunk):
		return chunkOutcome{kind: outcomeFatal, err: fmt.Errorf("%d results for %d documents", len(res), len(chunk))}
	}

	for i, r := range res {
		if r.Failed() {
			p.fail(results, chunk[i].req, r.Index, Classify(r.ErrorType, r.ErrorReason), r.ErrorType+": "+r.ErrorReason)
			continue
		}
		results.Successes = append(results.Successes, Success{Request: chunk[i].req, Index: r.Index})
		metrics.BulkDocuments.WithLabelValues("success").Inc()
	}
	return chunkOutcome{kind: outcomeOK}
}

func (p *Pipeline) fail(results *Results, req Request, index string, t ErrorType, reason string) {
	results.Errors = append(results.Errors, Error{Request: req, Index: index, Type: t, Reason: reason})
	metrics.BulkDocuments.WithLabelValues(t.String()).Inc()
}
