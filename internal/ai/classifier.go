package ai

import (
	"context"

	"github.com/spigell/hh-sieve/internal/posting"
)

// Batch is one classification request: an ordered chunk of postings judged
// against a policy on behalf of an applicant.
type Batch struct {
	Postings []posting.Posting
	Profile  string
	Policy   string
}

// Classifier returns one verdict per posting, in order. Verdicts are
// expected to be booleans; callers validate the shape. Failures should be
// reported as *retry.Failure so they can be retried sensibly.
type Classifier interface {
	Classify(ctx context.Context, batch Batch) ([]any, error)
}
