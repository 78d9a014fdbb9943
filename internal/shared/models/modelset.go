package models

import (
	"sort"
	"strings"
)

// WildcardModels is the textual form of the all-models grant
const WildcardModels = "*"

// ModelSet is the set of model aliases a key may call. The wildcard grant is
// a flag, so a model literally aliased "*" is never confused with it.
type ModelSet struct {
	all     bool
	aliases map[string]struct{}
}

// AllModels returns the wildcard grant
func AllModels() ModelSet {
	return ModelSet{all: true}
}

// NewModelSet returns an explicit set. Duplicates and blanks are dropped.
func NewModelSet(aliases ...string) ModelSet {
	s := ModelSet{aliases: make(map[string]struct{}, len(aliases))}
	for _, a := range aliases {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		s.aliases[a] = struct{}{}
	}
	return s
}

// ParseModelSet parses the comma-joined form used by the admin API.
// "*" alone means every model.
func ParseModelSet(raw string) ModelSet {
	raw = strings.TrimSpace(raw)
	if raw == WildcardModels {
		return AllModels()
	}
	return NewModelSet(strings.Split(raw, ",")...)
}

// IsAll reports whether the set is the wildcard grant
func (s ModelSet) IsAll() bool {
	return s.all
}

// Contains reports whether alias is granted
func (s ModelSet) Contains(alias string) bool {
	if s.all {
		return true
	}
	_, ok := s.aliases[alias]
	return ok
}

// Aliases returns the explicit aliases, sorted. Empty for the wildcard.
func (s ModelSet) Aliases() []string {
	out := make([]string, 0, len(s.aliases))
	for a := range s.aliases {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Len is the number of explicit aliases
func (s ModelSet) Len() int {
	return len(s.aliases)
}

func (s ModelSet) String() string {
	if s.all {
		return WildcardModels
	}
	return strings.Join(s.Aliases(), ",")
}
