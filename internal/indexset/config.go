package indexset

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var prefixPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_+-]*$`)

// Config is the immutable definition of one index set.
type Config struct {
	ID               string        `yaml:"id"`
	Title            string        `yaml:"title"`
	Prefix           string        `yaml:"prefix"`
	Default          bool          `yaml:"default"`
	Writable         *bool         `yaml:"writable"`
	RotationSchedule string        `yaml:"rotation_schedule"`
	ReadOnlyDelay    time.Duration `yaml:"read_only_delay"`
	Shards           int           `yaml:"shards"`
	Replicas         int           `yaml:"replicas"`

	// HealthStatus is the cluster health a new index must reach before the
	// write alias moves to it: "yellow" (primaries allocated) or "green".
	HealthStatus string `yaml:"health_status"`
}

const defaultHealthStatus = "yellow"

// WaitStatus returns HealthStatus, or "yellow" when unset.
func (c Config) WaitStatus() string {
	if c.HealthStatus == "" {
		return defaultHealthStatus
	}
	return c.HealthStatus
}

// IsWritable defaults to true when the file does not say otherwise.
func (c Config) IsWritable() bool {
	return c.Writable == nil || *c.Writable
}

type fileConfig struct {
	IndexSets []Config `yaml:"index_sets"`
}

// LoadConfigFile reads and validates the index-set definitions at path.
// A zero ReadOnlyDelay is replaced by defaultReadOnlyDelay.
func LoadConfigFile(path string, defaultReadOnlyDelay time.Duration) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("indexset: read %s: %w", path, err)
	}
	return ParseConfig(data, defaultReadOnlyDelay)
}

func ParseConfig(data []byte, defaultReadOnlyDelay time.Duration) ([]Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("indexset: parse config: %w", err)
	}
	for i := range fc.IndexSets {
		c := &fc.IndexSets[i]
		if c.ID == "" {
			c.ID = c.Prefix
		}
		if c.ReadOnlyDelay == 0 {
			c.ReadOnlyDelay = defaultReadOnlyDelay
		}
		if c.Shards <= 0 {
			c.Shards = 1
		}
		if c.HealthStatus == "" {
			c.HealthStatus = defaultHealthStatus
		}
	}
	if err := Validate(fc.IndexSets); err != nil {
		return nil, err
	}
	return fc.IndexSets, nil
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("indexset: invalid configuration")

// Validate enforces the registry-wide invariants: prefixes are well formed,
// unique, and none is a string prefix of another; at most one set is the
// default.
func Validate(configs []Config) error {
	var errs []error
	defaults := 0
	for i, c := range configs {
		if !prefixPattern.MatchString(c.Prefix) {
			errs = append(errs, fmt.Errorf("index set %q: prefix %q must match %s", c.ID, c.Prefix, prefixPattern))
		}
		if c.Replicas < 0 {
			errs = append(errs, fmt.Errorf("index set %q: replicas must not be negative", c.ID))
		}
		if c.RotationSchedule != "" {
			if _, err := cron.ParseStandard(c.RotationSchedule); err != nil {
				errs = append(errs, fmt.Errorf("index set %q: rotation_schedule: %w", c.ID, err))
			}
		}
		switch c.HealthStatus {
		case "", "yellow", "green":
		default:
			errs = append(errs, fmt.Errorf("index set %q: health_status %q must be yellow or green", c.ID, c.HealthStatus))
		}
		if c.ReadOnlyDelay < 0 {
			errs = append(errs, fmt.Errorf("index set %q: read_only_delay must not be negative", c.ID))
		}
		if c.Default {
			defaults++
		}
		for _, other := range configs[i+1:] {
			switch {
			case c.Prefix == other.Prefix:
				errs = append(errs, fmt.Errorf("index sets %q and %q share prefix %q", c.ID, other.ID, c.Prefix))
			case strings.HasPrefix(c.Prefix, other.Prefix), strings.HasPrefix(other.Prefix, c.Prefix):
				errs = append(errs, fmt.Errorf("index sets %q and %q have overlapping prefixes %q and %q",
					c.ID, other.ID, c.Prefix, other.Prefix))
			}
			if c.ID == other.ID {
				errs = append(errs, fmt.Errorf("duplicate index set id %q", c.ID))
			}
		}
	}
	if defaults > 1 {
		errs = append(errs, fmt.Errorf("%d index sets are marked default, at most one allowed", defaults))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
