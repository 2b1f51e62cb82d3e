package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"go-log-indexer/internal/models"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// TimeRange is the span of message timestamps stored in one index.
type TimeRange struct {
	Begin time.Time
	End   time.Time
	Empty bool
}

func jsonBody(v any) (*bytes.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}

// CreateIndex creates name with the mapping for log messages. It reports
// false, nil when the index already exists.
func (c *Client) CreateIndex(ctx context.Context, name string, settings IndexSettings) (bool, error) {
	body, err := jsonBody(indexBody(c.dialect, settings))
	if err != nil {
		return false, fmt.Errorf("search: create index: %w", err)
	}

	res, err := c.perform(ctx, "create_index", esapi.IndicesCreateRequest{Index: name, Body: body})
	if err != nil {
		return false, err
	}
	if res.isError() {
		rerr := c.errorFrom("create_index", res)
		if errors.Is(rerr, ErrIndexExists) {
			return false, nil
		}
		return false, rerr
	}
	c.logger.Info("index created", "index", name, "shards", settings.Shards, "replicas", settings.Replicas)
	return true, nil
}

// WaitForHealth blocks until index reaches status ("green", "yellow") or the
// timeout runs out, in which case ErrHealthTimeout is returned.
func (c *Client) WaitForHealth(ctx context.Context, index, status string, timeout time.Duration) error {
	req := esapi.ClusterHealthRequest{
		Index:         []string{index},
		WaitForStatus: status,
		Timeout:       timeout,
	}
	res, err := c.performWithin(ctx, "cluster_health", req, timeout+c.timeout)
	if err != nil {
		return err
	}
	if res.status == http.StatusRequestTimeout {
		return fmt.Errorf("search: health of %s: %w", index, ErrHealthTimeout)
	}
	if res.isError() {
		return c.errorFrom("cluster_health", res)
	}

	var health struct {
		Status   string `json:"status"`
		TimedOut bool   `json:"timed_out"`
	}
	if err := res.decode("cluster_health", &health); err != nil {
		return err
	}
	if health.TimedOut {
		return fmt.Errorf("search: health of %s is %s: %w", index, health.Status, ErrHealthTimeout)
	}
	return nil
}

// Flush persists the in-memory segments of index.
func (c *Client) Flush(ctx context.Context, index string) error {
	res, err := c.perform(ctx, "flush", esapi.IndicesFlushRequest{Index: []string{index}})
	if err != nil {
		return err
	}
	if res.isError() {
		return c.errorFrom("flush", res)
	}
	return nil
}

var readOnlySettings = map[string]any{
	"index": map[string]any{
		"blocks": map[string]any{
			"write":    true,
			"read":     false,
			"metadata": false,
		},
	},
}

// SetReadOnly blocks writes to index while leaving reads and metadata changes
// allowed, so the index can still be re-aliased or deleted.
func (c *Client) SetReadOnly(ctx context.Context, index string) error {
	body, err := jsonBody(readOnlySettings)
	if err != nil {
		return fmt.Errorf("search: set read-only: %w", err)
	}
	res, err := c.perform(ctx, "set_read_only", esapi.IndicesPutSettingsRequest{
		Index: []string{index},
		Body:  body,
	})
	if err != nil {
		return err
	}
	if res.isError() {
		return c.errorFrom("set_read_only", res)
	}
	return nil
}

// AliasExists reports whether alias points at any index.
func (c *Client) AliasExists(ctx context.Context, alias string) (bool, error) {
	res, err := c.perform(ctx, "alias_exists", esapi.IndicesExistsAliasRequest{Name: []string{alias}})
	if err != nil {
		return false, err
	}
	switch res.status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, c.errorFrom("alias_exists", res)
}

// AliasTargets returns the sorted names of the indices alias points at.
// A missing alias yields an empty result.
func (c *Client) AliasTargets(ctx context.Context, alias string) ([]string, error) {
	res, err := c.perform(ctx, "get_alias", esapi.IndicesGetAliasRequest{Name: []string{alias}})
	if err != nil {
		return nil, err
	}
	if res.status == http.StatusNotFound {
		return nil, nil
	}
	if res.isError() {
		return nil, c.errorFrom("get_alias", res)
	}

	var byIndex map[string]json.RawMessage
	if err := res.decode("get_alias", &byIndex); err != nil {
		return nil, err
	}
	targets := make([]string, 0, len(byIndex))
	for index := range byIndex {
		targets = append(targets, index)
	}
	slices.Sort(targets)
	return targets, nil
}

// SwapAlias points alias at add and detaches it from every index in remove,
// in a single atomic aliases request. Readers never observe the alias with
// zero or two targets.
func (c *Client) SwapAlias(ctx context.Context, alias, add string, remove []string) error {
	actions := make([]any, 0, len(remove)+1)
	for _, index := range remove {
		actions = append(actions, map[string]any{
			"remove": map[string]any{"index": index, "alias": alias},
		})
	}
	actions = append(actions, map[string]any{
		"add": map[string]any{"index": add, "alias": alias},
	})
	return c.updateAliases(ctx, actions)
}

// RemoveAlias detaches alias from the given indices.
func (c *Client) RemoveAlias(ctx context.Context, alias string, indices []string) error {
	if len(indices) == 0 {
		return nil
	}
	actions := make([]any, 0, len(indices))
	for _, index := range indices {
		actions = append(actions, map[string]any{
			"remove": map[string]any{"index": index, "alias": alias},
		})
	}
	return c.updateAliases(ctx, actions)
}

func (c *Client) updateAliases(ctx context.Context, actions []any) error {
	body, err := jsonBody(map[string]any{"actions": actions})
	if err != nil {
		return fmt.Errorf("search: update aliases: %w", err)
	}
	res, err := c.perform(ctx, "update_aliases", esapi.IndicesUpdateAliasesRequest{Body: body})
	if err != nil {
		return err
	}
	if res.isError() {
		return c.errorFrom("update_aliases", res)
	}

	var ack struct {
		Acknowledged bool `json:"acknowledged"`
	}
	if err := res.decode("update_aliases", &ack); err != nil {
		return err
	}
	if !ack.Acknowledged {
		return fmt.Errorf("search: update aliases: %w: not acknowledged", ErrUnavailable)
	}
	return nil
}

// IndexNames lists the concrete indices matching a wildcard such as "graylog_*".
func (c *Client) IndexNames(ctx context.Context, wildcard string) ([]string, error) {
	res, err := c.perform(ctx, "list_indices", esapi.IndicesGetAliasRequest{Index: []string{wildcard}})
	if err != nil {
		return nil, err
	}
	if res.status == http.StatusNotFound {
		return nil, nil
	}
	if res.isError() {
		return nil, c.errorFrom("list_indices", res)
	}

	var byIndex map[string]json.RawMessage
	if err := res.decode("list_indices", &byIndex); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(byIndex))
	for index := range byIndex {
		names = append(names, index)
	}
	slices.Sort(names)
	return names, nil
}

// IndexTimeRange computes the oldest and newest message timestamp in index.
func (c *Client) IndexTimeRange(ctx context.Context, index string) (TimeRange, error) {
	body, err := jsonBody(map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"ts_min": map[string]any{"min": map[string]any{"field": models.FieldTimestamp}},
			"ts_max": map[string]any{"max": map[string]any{"field": models.FieldTimestamp}},
		},
	})
	if err != nil {
		return TimeRange{}, fmt.Errorf("search: index range: %w", err)
	}

	res, err := c.perform(ctx, "index_range", esapi.SearchRequest{
		Index: []string{index},
		Body:  body,
	})
	if err != nil {
		return TimeRange{}, err
	}
	if res.isError() {
		return TimeRange{}, c.errorFrom("index_range", res)
	}

	type agg struct {
		Value *float64 `json:"value"`
	}
	var out struct {
		Aggregations struct {
			Min agg `json:"ts_min"`
			Max agg `json:"ts_max"`
		} `json:"aggregations"`
	}
	if err := res.decode("index_range", &out); err != nil {
		return TimeRange{}, err
	}
	if out.Aggregations.Min.Value == nil || out.Aggregations.Max.Value == nil {
		return TimeRange{Empty: true}, nil
	}
	return TimeRange{
		Begin: time.UnixMilli(int64(*out.Aggregations.Min.Value)).UTC(),
		End:   time.UnixMilli(int64(*out.Aggregations.Max.Value)).UTC(),
	}, nil
}
