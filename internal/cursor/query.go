package cursor

import (
	"encoding/json"
	"slices"

	"go-log-indexer/internal/models"
)

// buildBody is the query both strategies send. The message_id tiebreaker
// gives hits with equal timestamps a total order, which search_after needs
// to resume without skipping or repeating documents.
func buildBody(cmd Command) map[string]any {
	body := map[string]any{
		"query": buildQuery(cmd),
		"size":  cmd.BatchSize,
		"sort": []any{
			map[string]any{models.FieldTimestamp: map[string]any{"order": string(cmd.Sort)}},
			map[string]any{models.FieldMessageID: map[string]any{"order": string(cmd.Sort)}},
		},
		"track_total_hits": true,
	}
	if len(cmd.Fields) > 0 {
		includes := slices.Clone(cmd.Fields)
		for _, f := range []string{models.FieldMessageID, models.FieldTimestamp} {
			if !slices.Contains(includes, f) {
				includes = append(includes, f)
			}
		}
		body["_source"] = map[string]any{"includes": includes}
	}
	return body
}

func buildQuery(cmd Command) map[string]any {
	var must any = map[string]any{"match_all": map[string]any{}}
	if cmd.Query != "" && cmd.Query != "*" {
		must = map[string]any{
			"query_string": map[string]any{
				"query":                  cmd.Query,
				"default_field":          models.FieldMessage,
				"allow_leading_wildcard": true,
			},
		}
	}

	filters := []any{}
	if len(cmd.Streams) > 0 {
		filters = append(filters, map[string]any{
			"terms": map[string]any{models.FieldStreams: cmd.Streams},
		})
	}
	if !cmd.From.IsZero() || !cmd.To.IsZero() {
		bounds := map[string]any{}
		if !cmd.From.IsZero() {
			bounds["gte"] = cmd.From.UTC().Format(models.TimestampLayout)
		}
		if !cmd.To.IsZero() {
			bounds["lte"] = cmd.To.UTC().Format(models.TimestampLayout)
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{models.FieldTimestamp: bounds},
		})
	}

	return map[string]any{
		"bool": map[string]any{
			"must":   must,
			"filter": filters,
		},
	}
}

// encodeSortToken renders search_after values as an opaque string.
func encodeSortToken(values []any) string {
	b, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(b)
}
