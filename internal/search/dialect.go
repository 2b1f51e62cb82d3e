package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go-log-indexer/internal/models"

	elasticsearch8 "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	elasticsearch9 "github.com/elastic/go-elasticsearch/v9"
	"github.com/opensearch-project/opensearch-go/v2"
)

const (
	DistributionElasticsearch = "elasticsearch"
	DistributionOpenSearch    = "opensearch"
)

// Dialect is the small set of per-backend differences. Everything that varies
// by version is a field here instead of a branch at a call site.
type Dialect struct {
	Distribution string
	Version      string
	Major        int

	// DateFormat is the mapping format of the timestamp field.
	DateFormat string
	// KeywordIgnoreAbove caps dynamically mapped keyword fields.
	KeywordIgnoreAbove int
}

// Name is the configuration name of the dialect, e.g. "elasticsearch8".
func (d Dialect) Name() string {
	if d.Distribution == DistributionOpenSearch {
		return DistributionOpenSearch
	}
	return DistributionElasticsearch + strconv.Itoa(d.Major)
}

var dialects = map[string]Dialect{
	"elasticsearch7": {
		Distribution:       DistributionElasticsearch,
		Major:              7,
		DateFormat:         "strict_date_optional_time||epoch_millis",
		KeywordIgnoreAbove: 8191,
	},
	"elasticsearch8": {
		Distribution:       DistributionElasticsearch,
		Major:              8,
		DateFormat:         "strict_date_optional_time||epoch_millis",
		KeywordIgnoreAbove: 8191,
	},
	"elasticsearch9": {
		Distribution:       DistributionElasticsearch,
		Major:              9,
		DateFormat:         "strict_date_optional_time||epoch_millis",
		KeywordIgnoreAbove: 8191,
	},
	"opensearch": {
		Distribution:       DistributionOpenSearch,
		Major:              2,
		DateFormat:         "strict_date_optional_time||epoch_millis",
		KeywordIgnoreAbove: 8191,
	},
}

// DialectByName returns a known dialect by its configuration name.
func DialectByName(name string) (Dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return Dialect{}, fmt.Errorf("search: unsupported backend %q", name)
	}
	return d, nil
}

// dialectFor maps a GET / answer onto a dialect.
func dialectFor(distribution, version string) (Dialect, error) {
	major, err := strconv.Atoi(strings.SplitN(version, ".", 2)[0])
	if err != nil {
		return Dialect{}, fmt.Errorf("search: unparsable backend version %q", version)
	}

	var d Dialect
	if distribution == DistributionOpenSearch {
		d = dialects["opensearch"]
	} else {
		d, err = DialectByName(DistributionElasticsearch + strconv.Itoa(major))
		if err != nil {
			return Dialect{}, err
		}
	}
	d.Version = version
	d.Major = major
	return d, nil
}

func detectDialect(ctx context.Context, detector esapi.Transport) (Dialect, error) {
	res, err := esapi.InfoRequest{}.Do(ctx, detector)
	if err != nil {
		return Dialect{}, fmt.Errorf("search: detect version: %w: %w", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return Dialect{}, fmt.Errorf("search: detect version: status %s", res.Status())
	}

	var info struct {
		Version struct {
			Number       string `json:"number"`
			Distribution string `json:"distribution"`
		} `json:"version"`
	}
	if err := decodeJSON(res.Body, &info); err != nil {
		return Dialect{}, fmt.Errorf("search: detect version: %w", err)
	}
	return dialectFor(info.Version.Distribution, info.Version.Number)
}

// newDetectTransport returns the opensearch-go client. It answers GET / on
// both distributions without a product check, so it doubles as the
// detection transport and as the OpenSearch/ES7 transport.
func newDetectTransport(opts Options) (*opensearch.Client, error) {
	return opensearch.NewClient(opensearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
	})
}

func newTransport(d Dialect, opts Options, detector *opensearch.Client) (esapi.Transport, error) {
	if d.Distribution == DistributionOpenSearch || d.Major < 8 {
		return detector, nil
	}
	switch d.Major {
	case 8:
		return elasticsearch8.NewClient(elasticsearch8.Config{
			Addresses: opts.Addresses,
			Username:  opts.Username,
			Password:  opts.Password,
		})
	case 9:
		return elasticsearch9.NewClient(elasticsearch9.Config{
			Addresses: opts.Addresses,
			Username:  opts.Username,
			Password:  opts.Password,
		})
	}
	return nil, fmt.Errorf("unsupported major version %d", d.Major)
}

// IndexSettings are the per-index-set knobs applied at index creation.
type IndexSettings struct {
	Shards   int
	Replicas int
}

// indexBody builds the create-index payload: settings plus the mapping of the
// fields the rest of the system relies on (timestamp for ranges, message_id as
// the search-after tiebreaker, streams for filtering).
func indexBody(d Dialect, s IndexSettings) map[string]any {
	shards := s.Shards
	if shards <= 0 {
		shards = 1
	}
	return map[string]any{
		"settings": map[string]any{
			"index": map[string]any{
				"number_of_shards":   shards,
				"number_of_replicas": s.Replicas,
			},
		},
		"mappings": map[string]any{
			"dynamic_templates": []any{
				map[string]any{
					"strings_as_keywords": map[string]any{
						"match_mapping_type": "string",
						"mapping": map[string]any{
							"type":         "keyword",
							"ignore_above": d.KeywordIgnoreAbove,
						},
					},
				},
			},
			"properties": map[string]any{
				models.FieldMessageID: map[string]any{"type": "keyword"},
				models.FieldTimestamp: map[string]any{"type": "date", "format": d.DateFormat},
				models.FieldStreams:   map[string]any{"type": "keyword"},
				models.FieldSource:    map[string]any{"type": "keyword"},
				models.FieldMessage:   map[string]any{"type": "text"},
			},
		},
	}
}
