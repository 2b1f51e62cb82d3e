package indexset

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// aliasSuffix names the write alias: "{prefix}_deflector".
	aliasSuffix = "deflector"
	// RestoredArchiveSuffix marks an index restored from an archive. It is
	// managed by its set but never takes part in ordinal math.
	RestoredArchiveSuffix = "_restored_archive"
)

// Naming derives and recognises the physical index names of one prefix.
// It holds no backend state.
type Naming struct {
	prefix   string
	ordinal  *regexp.Regexp // prefix_N
	managed  *regexp.Regexp // prefix_N or prefix_N_restored_archive
	alias    string
	wildcard string
}

func NewNaming(prefix string) Naming {
	q := regexp.QuoteMeta(prefix)
	return Naming{
		prefix:   prefix,
		ordinal:  regexp.MustCompile(`^` + q + `_(\d+)$`),
		managed:  regexp.MustCompile(`^` + q + `_\d+(?:` + regexp.QuoteMeta(RestoredArchiveSuffix) + `)?$`),
		alias:    prefix + "_" + aliasSuffix,
		wildcard: prefix + "_*",
	}
}

func (n Naming) Prefix() string { return n.prefix }

// IndexName returns "{prefix}_{ordinal}".
func (n Naming) IndexName(ordinal int) string {
	return n.prefix + "_" + strconv.Itoa(ordinal)
}

func (n Naming) WriteAlias() string { return n.alias }

func (n Naming) WriteWildcard() string { return n.wildcard }

// ParseOrdinal extracts N from "{prefix}_N". Names that are not plain
// members of this prefix (the alias, restored archives, other sets) report
// false; that is an expected answer, not an error.
func (n Naming) ParseOrdinal(name string) (int, bool) {
	m := n.ordinal.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	ordinal, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return ordinal, true
}

// IsManaged reports whether name is a member index of this prefix,
// including restored archives. The write alias is never a member.
func (n Naming) IsManaged(name string) bool {
	if name == n.alias {
		return false
	}
	return n.managed.MatchString(name)
}

// IsRestoredArchive reports whether name is a restored archive of this prefix.
func (n Naming) IsRestoredArchive(name string) bool {
	return n.IsManaged(name) && strings.HasSuffix(name, RestoredArchiveSuffix)
}
