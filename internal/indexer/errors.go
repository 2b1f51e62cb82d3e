package indexer

import (
	"fmt"
	"strings"
)

// ErrorType is the actionable category of a per-document failure.
type ErrorType int

const (
	// Unknown failures are logged for investigation.
	Unknown ErrorType = iota
	// MappingError documents can never be indexed as they are; dead-letter them.
	MappingError
	// IndexBlocked documents failed because of the target index state; retry later.
	IndexBlocked
)

func (t ErrorType) String() string {
	switch t {
	case MappingError:
		return "mapping_error"
	case IndexBlocked:
		return "index_blocked"
	}
	return "unknown"
}

// Error is the classified failure of one document.
type Error struct {
	Request Request
	Index   string
	Type    ErrorType
	Reason  string
}

func (e Error) String() string {
	return fmt.Sprintf("%s: %s: %s", e.Index, e.Type, e.Reason)
}

type classification struct {
	errorType string
	reasons   []string // any of; empty matches every reason
	result    ErrorType
}

// classifications is evaluated in order, first match wins. The backend reuses
// error types across causes, so the reason text disambiguates.
var classifications = []classification{
	{errorType: "mapper_parsing_exception", result: MappingError},
	{errorType: "cluster_block_exception", reasons: []string{"index read-only", "flood-stage watermark"}, result: IndexBlocked},
	{errorType: "unavailable_shards_exception", reasons: []string{"primary shard is not active"}, result: IndexBlocked},
	{errorType: "illegal_argument_exception", reasons: []string{"no write index is defined for alias"}, result: IndexBlocked},
	// Bulk requests set require_alias; the set's alias is not up yet.
	{errorType: "index_not_found_exception", reasons: []string{"require_alias"}, result: IndexBlocked},
}

// Classify maps a backend error type and reason onto an ErrorType.
func Classify(errorType, reason string) ErrorType {
	for _, c := range classifications {
		if c.errorType != errorType {
			continue
		}
		if len(c.reasons) == 0 {
			return c.result
		}
		for _, r := range c.reasons {
			if strings.Contains(reason, r) {
				return c.result
			}
		}
	}
	return Unknown
}
