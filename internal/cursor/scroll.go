package cursor

import (
	"context"
	"time"

	"go-log-indexer/internal/search"

	"go.uber.org/atomic"
)

const releaseTimeout = 10 * time.Second

type scrollCursor struct {
	*base
	searcher Searcher
	scrollID *atomic.String
	released *atomic.Bool
	first    *search.SearchResponse
}

func openScroll(ctx context.Context, searcher Searcher, b *base) (*scrollCursor, error) {
	res, err := searcher.Search(ctx, search.SearchRequest{
		Indices: b.cmd.Indices,
		Body:    buildBody(b.cmd),
		Scroll:  b.cmd.KeepAlive,
	})
	if err != nil {
		return nil, err
	}
	return &scrollCursor{
		base:     b,
		searcher: searcher,
		scrollID: atomic.NewString(res.ScrollID),
		released: atomic.NewBool(false),
		first:    res,
	}, nil
}

func (c *scrollCursor) Next(ctx context.Context) (*Chunk, error) {
	if done, err := c.check(); done {
		return nil, err
	}

	var res *search.SearchResponse
	if c.first != nil {
		res, c.first = c.first, nil
		if res.ScrollID == "" {
			// No matching index: nothing was opened on the backend.
			c.exhaust()
			return nil, nil
		}
	} else {
		id := c.scrollID.Load()
		if id == "" {
			c.finish(ctx)
			return nil, nil
		}
		var err error
		res, err = c.searcher.Scroll(ctx, id, c.cmd.KeepAlive)
		if err != nil {
			if c.State() == Cancelled {
				return nil, ErrCancelled
			}
			c.logger.Warn("scroll failed, cancelling cursor", "error", err)
			c.Cancel(ctx)
			return nil, err
		}
		if res.ScrollID != "" {
			if prev := c.scrollID.Swap(res.ScrollID); prev != res.ScrollID && c.State() == Cancelled {
				// Cancel released the previous id while this pull was in flight.
				c.clear(ctx, res.ScrollID)
			}
		}
	}

	if c.State() == Cancelled {
		return nil, ErrCancelled
	}
	if len(res.Hits) == 0 {
		c.finish(ctx)
		return nil, nil
	}

	chunk, limited, err := c.chunk(res, c.scrollID.Load())
	if err != nil {
		c.Cancel(ctx)
		return nil, err
	}
	if limited {
		c.finish(ctx)
	}
	return chunk, nil
}

// finish marks the cursor exhausted and frees the server-side context early.
func (c *scrollCursor) finish(ctx context.Context) {
	if c.exhaust() {
		c.release(ctx)
	}
}

func (c *scrollCursor) Cancel(ctx context.Context) {
	if c.cancel() {
		c.logger.Debug("cursor cancelled")
	}
	c.release(ctx)
}

func (c *scrollCursor) release(ctx context.Context) {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	if id := c.scrollID.Load(); id != "" {
		c.clear(ctx, id)
	}
}

// clear is best effort: an unreleased scroll only lives until its keep-alive
// expires.
func (c *scrollCursor) clear(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := c.searcher.ClearScroll(ctx, id); err != nil {
		c.logger.Warn("could not release scroll context", "error", err)
	}
}
