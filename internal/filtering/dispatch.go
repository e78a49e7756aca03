package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/spigell/hh-sieve/internal/ai"
	"github.com/spigell/hh-sieve/internal/posting"
	"github.com/spigell/hh-sieve/internal/retry"
)

// DefaultChunkSize is the number of postings sent in one classifier call.
const DefaultChunkSize = 5

// ChunkResult is the settled outcome of one chunk. Exactly one of Verdicts and Err is set.
type ChunkResult struct {
	Index    int
	Postings []posting.Posting
	Verdicts []any
	Err      error
}

// Dispatcher fans chunks of postings out to the classifier.
type Dispatcher struct {
	Classifier     ai.Classifier
	Executor       *retry.Executor
	Backoff        retry.Backoff
	ChunkSize      int
	MaxConcurrency int
	// Limiter, when set, is waited on before every classifier call, retries included.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// Chunk splits postings into contiguous chunks of at most size elements.
func Chunk(postings []posting.Posting, size int) [][]posting.Posting {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]posting.Posting, 0, (len(postings)+size-1)/size)
	for start := 0; start < len(postings); start += size {
		end := min(start+size, len(postings))
		chunks = append(chunks, postings[start:end:end])
	}
	return chunks
}

// Dispatch classifies every chunk concurrently and returns one settled result
// per chunk, in chunk order. It never fails as a whole.
func (d *Dispatcher) Dispatch(ctx context.Context, postings []posting.Posting, profile, policyText string) []ChunkResult {
	if d.Executor == nil {
		d.Executor = retry.NewExecutor(d.logger())
	}

	chunks := Chunk(postings, d.ChunkSize)
	results := make([]ChunkResult, len(chunks))

	// A plain group: one failing chunk must not cancel its siblings.
	var g errgroup.Group
	if d.MaxConcurrency > 0 {
		g.SetLimit(d.MaxConcurrency)
	}

	for i, chunk := range chunks {
		g.Go(func() error {
			verdicts, err := d.classify(ctx, fmt.Sprintf("chunk %d", i), chunk, profile, policyText)
			results[i] = ChunkResult{Index: i, Postings: chunk, Verdicts: verdicts, Err: err}
			if err != nil {
				d.logger().Warn("chunk failed",
					zap.Int("chunk", i),
					zap.Int("size", len(chunk)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (d *Dispatcher) classify(ctx context.Context, label string, chunk []posting.Posting, profile, policyText string) ([]any, error) {
	work := func(ctx context.Context) ([]any, error) {
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		verdicts, err := d.Classifier.Classify(ctx, ai.Batch{Postings: chunk, Profile: profile, Policy: policyText})
		if err != nil {
			return nil, err
		}
		if err := validateVerdicts(verdicts, len(chunk)); err != nil {
			return nil, err
		}
		return verdicts, nil
	}

	policy := retry.Policy[[]any]{Backoff: d.Backoff}
	if len(chunk) > 1 {
		policy.Fallback = func(ctx context.Context, _ *retry.Failure) ([]any, error) {
			return d.split(ctx, label, chunk, profile, policyText)
		}
	}

	return retry.Execute(ctx, d.Executor, label, work, policy)
}

// split classifies both halves of an oversized chunk and joins their verdicts.
func (d *Dispatcher) split(ctx context.Context, label string, chunk []posting.Posting, profile, policyText string) ([]any, error) {
	mid := len(chunk) / 2

	left, err := d.classify(ctx, label+"/a", chunk[:mid:mid], profile, policyText)
	if err != nil {
		return nil, err
	}
	right, err := d.classify(ctx, label+"/b", chunk[mid:], profile, policyText)
	if err != nil {
		return nil, err
	}

	return append(left, right...), nil
}

func validateVerdicts(verdicts []any, want int) error {
	if len(verdicts) != want {
		return retry.InvalidOutput("expected %d verdicts, got %d", want, len(verdicts))
	}
	for i, v := range verdicts {
		if _, ok := v.(bool); !ok {
			return retry.InvalidOutput("verdict %d is %T, not a boolean", i, v)
		}
	}
	return nil
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
