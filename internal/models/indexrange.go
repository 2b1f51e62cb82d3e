package models

import "time"

// IndexRange is the span of message timestamps held by one physical index.
// A freshly rotated-in index has an unknown range (Unknown=true) until it is
// retired and its range is computed.
type IndexRange struct {
	Index        string    `json:"index"`
	Begin        time.Time `json:"begin"`
	End          time.Time `json:"end"`
	Unknown      bool      `json:"unknown"`
	CalculatedAt time.Time `json:"calculated_at"`
	TookMs       int64     `json:"took_ms"`
}
