package filtering

import (
	"fmt"
	"time"

	"github.com/spigell/hh-sieve/internal/posting"
)

// Status is the verdict class of an outcome.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusErrored  Status = "errored"
)

// Outcome is the evaluation of one posting in a run. The posting fields are
// inlined when encoded.
type Outcome struct {
	posting.Posting
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	PolicyID    string    `json:"policy_id"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Record converts the outcome into its stored form.
func (o Outcome) Record() posting.Record {
	return posting.Record{
		PostingID:   o.Posting.ID,
		PolicyID:    o.PolicyID,
		EvaluatedAt: o.EvaluatedAt,
		Accepted:    o.Status == StatusAccepted,
		Error:       o.Error,
		Title:       o.Posting.Title,
		Company:     o.Posting.Company,
	}
}

// Outcomes partitions the dispatched postings.
type Outcomes struct {
	Accepted []Outcome
	Rejected []Outcome
	Errored  []Outcome
}

// Len is the number of outcomes across all three sets.
func (o Outcomes) Len() int {
	return len(o.Accepted) + len(o.Rejected) + len(o.Errored)
}

// All returns every outcome: accepted, rejected, then errored.
func (o Outcomes) All() []Outcome {
	all := make([]Outcome, 0, o.Len())
	all = append(all, o.Accepted...)
	all = append(all, o.Rejected...)
	return append(all, o.Errored...)
}

func (o *Outcomes) add(out Outcome) {
	switch out.Status {
	case StatusAccepted:
		o.Accepted = append(o.Accepted, out)
	case StatusRejected:
		o.Rejected = append(o.Rejected, out)
	default:
		o.Errored = append(o.Errored, out)
	}
}

func newOutcomes() Outcomes {
	return Outcomes{Accepted: []Outcome{}, Rejected: []Outcome{}, Errored: []Outcome{}}
}

// Merge turns settled chunk results into outcomes stamped with policyID and at.
// Every posting of every chunk lands in exactly one of the three sets.
func Merge(results []ChunkResult, policyID string, at time.Time) Outcomes {
	out := newOutcomes()

	for _, res := range results {
		for i, p := range res.Postings {
			o := Outcome{Posting: p, PolicyID: policyID, EvaluatedAt: at}

			switch {
			case res.Err != nil:
				o.Status = StatusErrored
				o.Error = res.Err.Error()
			case i >= len(res.Verdicts):
				o.Status = StatusErrored
				o.Error = fmt.Sprintf("no verdict for posting at position %d", i)
			default:
				switch v := res.Verdicts[i].(type) {
				case bool:
					if v {
						o.Status = StatusAccepted
					} else {
						o.Status = StatusRejected
					}
				default:
					o.Status = StatusErrored
					o.Error = fmt.Sprintf("classifier returned %T instead of a boolean verdict", v)
				}
			}

			out.add(o)
		}
	}

	return out
}
