package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// BulkItem is one document to index. Body is the encoded JSON source.
type BulkItem struct {
	Index string
	ID    string
	Body  []byte
}

// BulkItemResult is the backend verdict on one BulkItem, in request order.
type BulkItemResult struct {
	Index       string
	ID          string
	Status      int
	ErrorType   string
	ErrorReason string
}

func (r BulkItemResult) Failed() bool { return r.Status >= 300 || r.ErrorType != "" }

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id,omitempty"`
}

// Bulk sends items in one request. A whole-request rejection (413, 429, 5xx)
// is returned as an error wrapping the matching sentinel; otherwise every item
// has a result, failed ones carrying the backend's error type and reason.
//
// Every target must be an alias. A write to a set whose alias is not set up
// yet fails per item with index_not_found_exception instead of auto-creating
// a plain index under the alias name.
func (c *Client) Bulk(ctx context.Context, items []BulkItem) ([]BulkItemResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		if err := enc.Encode(bulkAction{Index: bulkMeta{Index: item.Index, ID: item.ID}}); err != nil {
			return nil, fmt.Errorf("search: bulk: encode action: %w", err)
		}
		buf.Write(bytes.TrimRight(item.Body, "\n"))
		buf.WriteByte('\n')
	}

	requireAlias := true
	res, err := c.perform(ctx, "bulk", esapi.BulkRequest{Body: &buf, RequireAlias: &requireAlias})
	if err != nil {
		return nil, err
	}
	if res.isError() {
		return nil, c.errorFrom("bulk", res)
	}

	var out struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Index  string      `json:"_index"`
			ID     string      `json:"_id"`
			Status int         `json:"status"`
			Error  *errorCause `json:"error"`
		} `json:"items"`
	}
	if err := res.decode("bulk", &out); err != nil {
		return nil, err
	}
	if len(out.Items) != len(items) {
		return nil, fmt.Errorf("search: bulk: %d items in response for %d documents", len(out.Items), len(items))
	}

	results := make([]BulkItemResult, len(items))
	for i, entry := range out.Items {
		r := BulkItemResult{Index: items[i].Index, ID: items[i].ID, Status: http.StatusOK}
		// One key per entry: the action name.
		for _, v := range entry {
			if v.Index != "" {
				r.Index = v.Index
			}
			if v.ID != "" {
				r.ID = v.ID
			}
			r.Status = v.Status
			if v.Error != nil {
				r.ErrorType, r.ErrorReason = v.Error.Type, v.Error.Reason
			}
		}
		results[i] = r
	}
	return results, nil
}
