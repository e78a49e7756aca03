package filtering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spigell/hh-sieve/internal/ai"
	"github.com/spigell/hh-sieve/internal/posting"
	"github.com/spigell/hh-sieve/internal/retry"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]posting.Record
	pingErr error
	findErr error
	failIDs posting.IDSet

	queries int
	inserts int
	updates int
}

func newMemoryStore(records ...posting.Record) *memoryStore {
	s := &memoryStore{records: make(map[string]posting.Record)}
	for _, r := range records {
		s.records[r.PostingID] = r
	}
	return s
}

func (s *memoryStore) Ping(context.Context) error { return s.pingErr }

func (s *memoryStore) FindIDs(_ context.Context, q posting.Query) (posting.IDSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.findErr != nil {
		return nil, s.findErr
	}
	ids := posting.NewIDSet()
	for id, r := range s.records {
		if q.Matches(r) {
			ids.Add(id)
		}
	}
	return ids, nil
}

func (s *memoryStore) Update(_ context.Context, rec posting.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.failIDs.Has(rec.PostingID) {
		return errors.New("disk full")
	}
	if _, ok := s.records[rec.PostingID]; !ok {
		return fmt.Errorf("record %s: %w", rec.PostingID, posting.ErrNotFound)
	}
	s.records[rec.PostingID] = rec
	return nil
}

func (s *memoryStore) Insert(_ context.Context, rec posting.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.failIDs.Has(rec.PostingID) {
		return errors.New("disk full")
	}
	if _, ok := s.records[rec.PostingID]; ok {
		return fmt.Errorf("record %s: %w", rec.PostingID, posting.ErrDuplicate)
	}
	s.records[rec.PostingID] = rec
	return nil
}

func (s *memoryStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts + s.updates
}

// scriptedClassifier answers by the id of the first posting in a batch.
type scriptedClassifier struct {
	mu      sync.Mutex
	answers map[string][]any
	errs    map[string]error
	calls   map[string]int
	batches [][]string
}

func newScriptedClassifier() *scriptedClassifier {
	return &scriptedClassifier{
		answers: make(map[string][]any),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (c *scriptedClassifier) Classify(_ context.Context, batch ai.Batch) ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, len(batch.Postings))
	for i, p := range batch.Postings {
		ids[i] = p.ID
	}
	c.batches = append(c.batches, ids)

	first := ids[0]
	c.calls[first]++
	if err, ok := c.errs[first]; ok {
		return nil, err
	}
	if answer, ok := c.answers[first]; ok {
		return answer, nil
	}

	verdicts := make([]any, len(batch.Postings))
	for i := range verdicts {
		verdicts[i] = true
	}
	return verdicts, nil
}

func (c *scriptedClassifier) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

type staticPolicies map[string]posting.Policy

func (p staticPolicies) Get(_ context.Context, id string) (posting.Policy, error) {
	policy, ok := p[id]
	if !ok {
		return posting.Policy{}, fmt.Errorf("policy %s: %w", id, posting.ErrNotFound)
	}
	return policy, nil
}

type staticScraper map[string][]posting.Posting

func (s staticScraper) ListPostings(_ context.Context, id string) ([]posting.Posting, error) {
	postings, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", id, posting.ErrNotFound)
	}
	return postings, nil
}

type staticProfile string

func (p staticProfile) Profile(context.Context) (string, error) { return string(p), nil }

type countingMetrics struct {
	mu       sync.Mutex
	reasons  []string
	outcomes map[Status]int
	chunks   int
	failed   int
	retries  map[string]int
	persist  int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{outcomes: make(map[Status]int), retries: make(map[string]int)}
}

func (m *countingMetrics) RunFinished(reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

func (m *countingMetrics) Outcomes(status Status, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[status] += n
}

func (m *countingMetrics) ChunkFinished(failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks++
	if failed {
		m.failed++
	}
}

func (m *countingMetrics) Retried(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[kind]++
}

func (m *countingMetrics) PersistFailed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist += n
}

func makePostings(n int) []posting.Posting {
	postings := make([]posting.Posting, n)
	for i := range postings {
		postings[i] = posting.Posting{ID: fmt.Sprintf("p%02d", i+1), Title: fmt.Sprintf("Posting %d", i+1)}
	}
	return postings
}

// fastBackoff retries without sleeping.
func fastBackoff(retries int) retry.Backoff {
	return retry.Backoff{Retries: retries}
}
