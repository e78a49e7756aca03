// Package posting holds the data model shared by the filtering engine and its collaborators.
package posting

import (
	"errors"
	"time"
)

// ErrNotFound is returned by collaborators when a policy, source or record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by record stores when a record for the posting already exists.
var ErrDuplicate = errors.New("duplicate record")

// Posting is a single scraped job listing. ID is stable across scrapes.
type Posting struct {
	ID      string         `json:"id"`
	Title   string         `json:"title,omitempty"`
	Company string         `json:"company,omitempty"`
	URL     string         `json:"url,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Record is the stored classification of a posting under a policy.
// A non-empty Error marks a failed evaluation; Accepted is meaningless then.
type Record struct {
	PostingID   string    `json:"posting_id"`
	PolicyID    string    `json:"policy_id"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	Accepted    bool      `json:"accepted"`
	Error       string    `json:"error,omitempty"`
	Title       string    `json:"title,omitempty"`
	Company     string    `json:"company,omitempty"`
}

// Failed reports whether the record carries an error marker.
func (r Record) Failed() bool { return r.Error != "" }

// Policy is the named classification criteria together with its version.
type Policy struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name,omitempty" yaml:"name"`
	Text      string    `json:"text" yaml:"text"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Predicate selects a membership set over stored records.
type Predicate int

const (
	// Errored matches records carrying an error marker, under any policy.
	Errored Predicate = iota
	// Outdated matches records of the policy evaluated before Since.
	Outdated
	// Current matches records of the policy evaluated at or after Since.
	Current
	// OtherPolicy matches records evaluated under any other policy.
	OtherPolicy
)

func (p Predicate) String() string {
	switch p {
	case Errored:
		return "errored"
	case Outdated:
		return "outdated"
	case Current:
		return "current"
	case OtherPolicy:
		return "other_policy"
	default:
		return "unknown"
	}
}

// Query describes a membership set lookup.
type Query struct {
	Predicate Predicate
	PolicyID  string
	Since     time.Time
}

// Matches evaluates the query against a single record.
func (q Query) Matches(r Record) bool {
	switch q.Predicate {
	case Errored:
		return r.Failed()
	case Outdated:
		return r.PolicyID == q.PolicyID && r.EvaluatedAt.Before(q.Since)
	case Current:
		return r.PolicyID == q.PolicyID && !r.EvaluatedAt.Before(q.Since)
	case OtherPolicy:
		return r.PolicyID != q.PolicyID
	default:
		return false
	}
}

// IDSet is a set of posting identifiers.
type IDSet map[string]struct{}

// NewIDSet builds a set from the given identifiers.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership. A nil set contains nothing.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id into the set.
func (s IDSet) Add(id string) { s[id] = struct{}{} }

func (s IDSet) Len() int { return len(s) }
