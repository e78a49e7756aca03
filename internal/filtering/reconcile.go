package filtering

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/spigell/hh-sieve/internal/posting"
)

// Reconciliation is the outcome of comparing incoming postings with stored records.
type Reconciliation struct {
	// Working holds the postings that need evaluation, in scraped order, without duplicates.
	Working []posting.Posting

	errored  posting.IDSet
	outdated posting.IDSet
	current  posting.IDSet
	other    posting.IDSet
}

// MustUpdate reports whether id already has a record that has to be overwritten.
func (r *Reconciliation) MustUpdate(id string) bool {
	return r.errored.Has(id) || r.outdated.Has(id) || r.other.Has(id)
}

// Reconcile selects the postings that have to be (re)evaluated under policy.
// A posting is kept when its record is errored, outdated, owned by another
// policy, or missing.
func Reconcile(ctx context.Context, store RecordFinder, postings []posting.Posting, policy posting.Policy) (*Reconciliation, error) {
	r := &Reconciliation{}

	queries := []struct {
		query posting.Query
		dst   *posting.IDSet
	}{
		{posting.Query{Predicate: posting.Errored, PolicyID: policy.ID, Since: policy.UpdatedAt}, &r.errored},
		{posting.Query{Predicate: posting.Outdated, PolicyID: policy.ID, Since: policy.UpdatedAt}, &r.outdated},
		{posting.Query{Predicate: posting.Current, PolicyID: policy.ID, Since: policy.UpdatedAt}, &r.current},
		{posting.Query{Predicate: posting.OtherPolicy, PolicyID: policy.ID, Since: policy.UpdatedAt}, &r.other},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queries {
		g.Go(func() error {
			ids, err := store.FindIDs(gctx, q.query)
			if err != nil {
				return fmt.Errorf("find %s records: %w", q.query.Predicate, err)
			}
			*q.dst = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(posting.IDSet, len(postings))
	r.Working = make([]posting.Posting, 0, len(postings))
	for _, p := range postings {
		if seen.Has(p.ID) {
			continue
		}
		seen.Add(p.ID)

		if r.MustUpdate(p.ID) || !r.current.Has(p.ID) {
			r.Working = append(r.Working, p)
		}
	}

	return r, nil
}
