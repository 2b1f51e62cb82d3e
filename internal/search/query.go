package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// SearchRequest is a raw query DSL body against a set of indices or aliases.
// A non-zero Scroll opens a server-side scroll context.
type SearchRequest struct {
	Indices []string
	Body    map[string]any
	Scroll  time.Duration
}

type Hit struct {
	Index  string
	ID     string
	Source json.RawMessage
	Sort   []any
}

type SearchResponse struct {
	ScrollID string
	Hits     []Hit
	Total    int64
	Took     time.Duration
}

type rawSearchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Took     int64  `json:"took"`
	Hits     struct {
		Total json.RawMessage `json:"total"`
		Hits  []struct {
			Index  string          `json:"_index"`
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
			Sort   []any           `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

func (r *rawSearchResponse) convert() *SearchResponse {
	out := &SearchResponse{
		ScrollID: r.ScrollID,
		Took:     time.Duration(r.Took) * time.Millisecond,
		Total:    parseTotal(r.Hits.Total),
		Hits:     make([]Hit, len(r.Hits.Hits)),
	}
	for i, h := range r.Hits.Hits {
		out.Hits[i] = Hit{Index: h.Index, ID: h.ID, Source: h.Source, Sort: h.Sort}
	}
	return out
}

// parseTotal accepts both {"value":N,"relation":"eq"} and a bare number.
func parseTotal(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var obj struct {
		Value int64 `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Value
	}
	var n int64
	_ = json.Unmarshal(raw, &n)
	return n
}

func decodeSearch(op string, res *response) (*SearchResponse, error) {
	var raw rawSearchResponse
	if err := decodeJSON(bytes.NewReader(res.body), &raw); err != nil {
		return nil, fmt.Errorf("search: %s: decode response: %w", op, err)
	}
	return raw.convert(), nil
}

// Search runs a query. Missing indices in a wildcard are ignored.
func (c *Client) Search(ctx context.Context, sr SearchRequest) (*SearchResponse, error) {
	body, err := jsonBody(sr.Body)
	if err != nil {
		return nil, fmt.Errorf("search: search: %w", err)
	}

	ignore, allowNone := true, true
	res, err := c.perform(ctx, "search", esapi.SearchRequest{
		Index:             sr.Indices,
		Body:              body,
		Scroll:            sr.Scroll,
		IgnoreUnavailable: &ignore,
		AllowNoIndices:    &allowNone,
	})
	if err != nil {
		return nil, err
	}
	if res.isError() {
		return nil, c.errorFrom("search", res)
	}
	return decodeSearch("search", res)
}

// Scroll fetches the next page of an open scroll context and extends its
// keep-alive. An expired context yields ErrScrollExpired.
func (c *Client) Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*SearchResponse, error) {
	body, err := jsonBody(map[string]any{
		"scroll":    fmt.Sprintf("%dms", keepAlive.Milliseconds()),
		"scroll_id": scrollID,
	})
	if err != nil {
		return nil, fmt.Errorf("search: scroll: %w", err)
	}

	res, err := c.perform(ctx, "scroll", esapi.ScrollRequest{Body: body})
	if err != nil {
		return nil, err
	}
	if res.status == http.StatusNotFound {
		return nil, fmt.Errorf("search: scroll: %w", ErrScrollExpired)
	}
	if res.isError() {
		return nil, c.errorFrom("scroll", res)
	}
	return decodeSearch("scroll", res)
}

// ClearScroll releases a scroll context. Clearing an already gone context is
// not an error.
func (c *Client) ClearScroll(ctx context.Context, scrollID string) error {
	body, err := jsonBody(map[string]any{"scroll_id": []string{scrollID}})
	if err != nil {
		return fmt.Errorf("search: clear scroll: %w", err)
	}

	res, err := c.perform(ctx, "clear_scroll", esapi.ClearScrollRequest{Body: body})
	if err != nil {
		return err
	}
	if res.isError() && res.status != http.StatusNotFound {
		return c.errorFrom("clear_scroll", res)
	}
	return nil
}
