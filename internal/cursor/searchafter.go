package cursor

import (
	"context"

	"go-log-indexer/internal/search"
)

type searchAfterCursor struct {
	*base
	searcher Searcher
	after    []any
}

func openSearchAfter(searcher Searcher, b *base) *searchAfterCursor {
	return &searchAfterCursor{base: b, searcher: searcher}
}

func (c *searchAfterCursor) Next(ctx context.Context) (*Chunk, error) {
	if done, err := c.check(); done {
		return nil, err
	}

	body := buildBody(c.cmd)
	if c.after != nil {
		body["search_after"] = c.after
	}
	res, err := c.searcher.Search(ctx, search.SearchRequest{Indices: c.cmd.Indices, Body: body})
	if err != nil {
		if c.State() == Cancelled {
			return nil, ErrCancelled
		}
		c.logger.Warn("search failed, cancelling cursor", "error", err)
		c.Cancel(ctx)
		return nil, err
	}
	if c.State() == Cancelled {
		return nil, ErrCancelled
	}
	if len(res.Hits) == 0 {
		c.exhaust()
		return nil, nil
	}

	last := res.Hits[len(res.Hits)-1].Sort
	chunk, limited, err := c.chunk(res, encodeSortToken(last))
	if err != nil {
		c.Cancel(ctx)
		return nil, err
	}
	c.after = last
	if limited {
		c.exhaust()
	}
	return chunk, nil
}

// Cancel only changes local state; nothing is held on the backend.
func (c *searchAfterCursor) Cancel(context.Context) {
	if c.cancel() {
		c.logger.Debug("cursor cancelled")
	}
}
