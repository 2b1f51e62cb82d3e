package models

import (
	"encoding/json"
	"time"
)

// ResultMessage is one search hit mapped back into the platform's document shape.
type ResultMessage struct {
	ID        string         `json:"id"`
	Index     string         `json:"index"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
	Fields    map[string]any `json:"fields"`
}

// ParseResultMessage decodes a hit's _source. The message id falls back to the
// backend document id for documents written by other producers.
func ParseResultMessage(docID, index string, source json.RawMessage) (ResultMessage, error) {
	fields := map[string]any{}
	if len(source) > 0 {
		if err := json.Unmarshal(source, &fields); err != nil {
			return ResultMessage{}, err
		}
	}

	rm := ResultMessage{ID: docID, Index: index, Fields: fields}
	if id, ok := fields[FieldMessageID].(string); ok && id != "" {
		rm.ID = id
	}
	if ts, ok := fields[FieldTimestamp].(string); ok {
		if t, err := time.Parse(TimestampLayout, ts); err == nil {
			rm.Timestamp = t
		} else if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rm.Timestamp = t
		}
	}
	return rm, nil
}
