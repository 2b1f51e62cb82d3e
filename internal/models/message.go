package models

import (
	"encoding/json"
	"time"
)

// Reserved document fields. Everything else in Fields is stored as-is.
const (
	FieldMessageID = "message_id"
	FieldTimestamp = "timestamp"
	FieldMessage   = "message"
	FieldSource    = "source"
	FieldStreams   = "streams"
)

// TimestampLayout is the wire format of FieldTimestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is one log document on its way into the search backend.
// ID doubles as the backend document id and the search-after tiebreaker.
type Message struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message"`
	Streams   []string       `json:"streams,omitempty"`
	IndexSet  string         `json:"index_set,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Document flattens the message into the shape stored in the backend.
func (m *Message) Document() map[string]any {
	doc := make(map[string]any, len(m.Fields)+5)
	for k, v := range m.Fields {
		doc[k] = v
	}
	doc[FieldMessageID] = m.ID
	doc[FieldTimestamp] = m.Timestamp.UTC().Format(TimestampLayout)
	doc[FieldMessage] = m.Message
	if m.Source != "" {
		doc[FieldSource] = m.Source
	}
	if len(m.Streams) > 0 {
		doc[FieldStreams] = m.Streams
	}
	return doc
}

// EncodeDocument returns the JSON body written by the bulk pipeline.
func (m *Message) EncodeDocument() ([]byte, error) {
	return json.Marshal(m.Document())
}
