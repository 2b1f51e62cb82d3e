package models

import "time"

// IndexFailure is a document the backend refused, as published to the
// failure queue. Message is included so the document can be replayed once
// the cause is fixed.
type IndexFailure struct {
	MessageID string    `json:"message_id"`
	Index     string    `json:"index"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
	Message   *Message  `json:"message,omitempty"`
}
