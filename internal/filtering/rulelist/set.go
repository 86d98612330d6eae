package rulelist

// Set is an immutable set of rules keyed by domain.  A nil *Set is not valid,
// use [EmptySet] instead.
type Set struct {
	entries map[string]*Entry
}

// emptySet is the shared empty set.
var emptySet = &Set{entries: map[string]*Entry{}}

// EmptySet returns a set without rules.
func EmptySet() (s *Set) {
	return emptySet
}

// NewSet returns a set containing entries.  Later entries for the same domain
// replace earlier ones.
func NewSet(entries ...*Entry) (s *Set) {
	m := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		m[e.Domain] = e
	}

	return &Set{entries: m}
}

// Lookup returns the entry for domain, which must be normalized with
// [NormalizeDomain].
func (s *Set) Lookup(domain string) (e *Entry, ok bool) {
	e, ok = s.entries[domain]

	return e, ok
}

// Len returns the number of domains in s.
func (s *Set) Len() (n int) {
	return len(s.entries)
}
