// Package domain defines the core types for tyre compound lookups: the season
// table, compound sets, and the tagged lookup result returned by the finder.
package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// CompoundSet is an unordered, deduplicated set of Pirelli compound codes
// ("C1".."C5").
type CompoundSet map[string]struct{}

// NewCompoundSet builds a set from the given codes.
func NewCompoundSet(codes ...string) CompoundSet {
	s := make(CompoundSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// Add inserts a code.
func (s CompoundSet) Add(code string) { s[code] = struct{}{} }

// Has reports whether code is in the set.
func (s CompoundSet) Has(code string) bool {
	_, ok := s[code]
	return ok
}

func (s CompoundSet) Len() int { return len(s) }

// Sorted returns the codes in lexical order.
func (s CompoundSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both sets hold the same codes.
func (s CompoundSet) Equal(other CompoundSet) bool {
	if len(s) != len(other) {
		return false
	}
	for c := range s {
		if !other.Has(c) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted JSON array.
func (s CompoundSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a JSON array of codes.
func (s *CompoundSet) UnmarshalJSON(data []byte) error {
	var codes []string
	if err := json.Unmarshal(data, &codes); err != nil {
		return err
	}
	*s = NewCompoundSet(codes...)
	return nil
}

// LookupStatus tags the outcome of a compound lookup.
type LookupStatus string

const (
	// StatusFound means a document yielded a non-empty compound set.
	StatusFound LookupStatus = "found"
	// StatusNotFound means every candidate was read and none carried the marker.
	StatusNotFound LookupStatus = "not_found"
	// StatusNoDocuments means the event page listed no candidate documents.
	StatusNoDocuments LookupStatus = "no_documents"
	// StatusFetchFailed means no candidate matched and at least one could not be
	// downloaded or parsed.
	StatusFetchFailed LookupStatus = "fetch_failed"
)

// Lookup is the result of searching one event for its compound selection.
type Lookup struct {
	Year       int          `json:"year"`
	Race       string       `json:"race"`
	Status     LookupStatus `json:"status"`
	Compounds  CompoundSet  `json:"compounds,omitempty"`
	SourceURL  string       `json:"source_url,omitempty"`
	Candidates int          `json:"candidates"`
	Tried      int          `json:"tried"`
	Failed     int          `json:"failed"`
	LookedUpAt time.Time    `json:"looked_up_at"`
}

// Found reports whether the lookup produced compounds.
func (l Lookup) Found() bool { return l.Status == StatusFound && l.Compounds.Len() > 0 }
