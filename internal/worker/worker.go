package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go-log-indexer/internal/indexer"
	"go-log-indexer/internal/indexset"
	"go-log-indexer/internal/models"
	"go-log-indexer/internal/queue"
)

// perBatchTimeout caps one bulk write including its rate-limit retries.
// A batch that runs over is nacked and redelivered.
const perBatchTimeout = 2 * time.Minute

// Source is the consuming side of the message queue.
type Source interface {
	Consume() (<-chan queue.Delivery, error)
}

// Indexer writes a batch of requests; *indexer.Pipeline satisfies it.
type Indexer interface {
	BulkIndex(ctx context.Context, reqs []indexer.Request) (*indexer.Results, error)
}

// FailurePublisher receives documents the backend rejected for good.
type FailurePublisher interface {
	PublishFailure(ctx context.Context, f *models.IndexFailure) error
}

// Registries returns the index-set registry in effect; *indexset.Reloader
// satisfies it.
type Registries interface {
	Current() *indexset.Registry
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Worker drains the message queue into the search backend in batches.
type Worker struct {
	source   Source
	indexer  Indexer
	failures FailurePublisher
	sets     Registries
	opts     Options
	logger   *slog.Logger
}

// New constructs a Worker. All dependencies are injected — no globals.
func New(source Source, idx Indexer, failures FailurePublisher, sets Registries, opts Options, logger *slog.Logger) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		source:   source,
		indexer:  idx,
		failures: failures,
		sets:     sets,
		opts:     opts,
		logger:   logger.With("component", "worker"),
	}
}

// Run consumes messages and blocks until ctx is cancelled or the delivery
// channel closes. A partial batch is flushed before returning, so the
// caller's deferred Close() calls happen after the loop is clean.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.source.Consume()
	if err != nil {
		return err
	}

	w.logger.Info("worker started", "batch_size", w.opts.BatchSize, "flush_interval", w.opts.FlushInterval)

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]queue.Delivery, 0, w.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.process(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down", "pending", len(batch))
			flush()
			return nil

		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn("delivery channel closed")
				flush()
				return nil
			}
			batch = append(batch, d)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// process indexes one batch and settles every delivery in it exactly once:
// indexed and dead-lettered messages are acked, blocked ones are requeued.
func (w *Worker) process(batch []queue.Delivery) {
	// Shutdown must not abort a batch that is already in flight.
	ctx, cancel := context.WithTimeout(context.Background(), perBatchTimeout)
	defer cancel()

	reg := w.sets.Current()
	byMessage := make(map[*models.Message]*queue.Delivery, len(batch))
	reqs := make([]indexer.Request, 0, len(batch))
	for i := range batch {
		d := &batch[i]
		set, err := reg.Resolve(d.Message.IndexSet)
		if err != nil {
			w.deadLetter(ctx, d, "", "no_index_set", err.Error())
			continue
		}
		byMessage[d.Message] = d
		reqs = append(reqs, indexer.Request{Target: set, Message: d.Message})
	}
	if len(reqs) == 0 {
		return
	}

	results, err := w.indexer.BulkIndex(ctx, reqs)
	if results != nil {
		for _, s := range results.Successes {
			w.ack(byMessage[s.Request.Message])
			delete(byMessage, s.Request.Message)
		}
		for _, e := range results.Errors {
			d := byMessage[e.Request.Message]
			delete(byMessage, e.Request.Message)
			if e.Type == indexer.IndexBlocked {
				w.logger.Warn("index blocked, requeueing",
					"message_id", e.Request.Message.ID,
					"index", e.Index,
					"reason", e.Reason,
				)
				w.nack(d)
				continue
			}
			w.deadLetter(ctx, d, e.Index, e.Type.String(), e.Reason)
		}
	}

	if err != nil {
		level := slog.LevelError
		if errors.Is(err, indexer.ErrRetriesExhausted) {
			level = slog.LevelWarn
		}
		w.logger.Log(ctx, level, "bulk index failed, requeueing batch remainder",
			"requeued", len(byMessage),
			"error", err,
		)
	}
	// Anything left was never settled by the backend.
	for _, d := range byMessage {
		w.nack(d)
	}

	if results != nil {
		w.logger.Info("batch processed",
			"messages", len(batch),
			"indexed", len(results.Successes),
			"failed", len(results.Errors),
		)
	}
}

// deadLetter publishes the failure and acks the delivery. If the failure
// cannot be recorded the delivery is requeued instead of being lost.
func (w *Worker) deadLetter(ctx context.Context, d *queue.Delivery, index, errType, reason string) {
	f := &models.IndexFailure{
		MessageID: d.Message.ID,
		Index:     index,
		Type:      errType,
		Reason:    reason,
		FailedAt:  time.Now().UTC(),
		Message:   d.Message,
	}
	if err := w.failures.PublishFailure(ctx, f); err != nil {
		w.logger.Error("publish failure failed", "message_id", d.Message.ID, "error", err)
		w.nack(d)
		return
	}
	w.logger.Warn("message rejected",
		"message_id", d.Message.ID,
		"index", index,
		"type", errType,
		"reason", reason,
	)
	w.ack(d)
}

func (w *Worker) ack(d *queue.Delivery) {
	if err := d.Ack(); err != nil {
		w.logger.Error("ack failed", "message_id", d.Message.ID, "error", err)
	}
}

func (w *Worker) nack(d *queue.Delivery) {
	if err := d.Nack(); err != nil {
		w.logger.Error("nack failed", "message_id", d.Message.ID, "error", err)
	}
}
