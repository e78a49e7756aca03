package filtering

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/hh-sieve/internal/posting"
)

// PersistResult reports the write of a single outcome.
type PersistResult struct {
	PostingID string
	Updated   bool
	Err       error
}

// Persister writes outcomes to the record store.
type Persister struct {
	Store  RecordWriter
	Logger *zap.Logger
}

// Persist writes every outcome concurrently: an update when mustUpdate
// reports an existing record, an insert otherwise. An insert that races with
// another run's insert becomes an update. Failures are independent and
// reported per posting, in the order of the outcomes.
func (p *Persister) Persist(ctx context.Context, outcomes []Outcome, mustUpdate func(id string) bool) []PersistResult {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	results := make([]PersistResult, len(outcomes))

	var g errgroup.Group
	for i, o := range outcomes {
		g.Go(func() error {
			rec := o.Record()
			update := mustUpdate != nil && mustUpdate(rec.PostingID)

			updated, err := p.write(ctx, rec, update)
			results[i] = PersistResult{PostingID: rec.PostingID, Updated: updated, Err: err}
			if err != nil {
				logger.Error("persisting classification failed",
					zap.String("posting_id", rec.PostingID),
					zap.Bool("update", updated),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// write reports whether the record ended up updated.
func (p *Persister) write(ctx context.Context, rec posting.Record, update bool) (bool, error) {
	if !update {
		err := p.Store.Insert(ctx, rec)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, posting.ErrDuplicate) {
			return false, fmt.Errorf("insert record %s: %w", rec.PostingID, err)
		}
		// Another run stored the posting after this run reconciled.
	}

	if err := p.Store.Update(ctx, rec); err != nil {
		return true, fmt.Errorf("update record %s: %w", rec.PostingID, err)
	}
	return true, nil
}
