// Package filtering drives one request-scoped classification run: it decides
// which postings need evaluation, classifies them in chunks, partitions the
// verdicts and persists them.
package filtering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spigell/hh-sieve/internal/ai"
	"github.com/spigell/hh-sieve/internal/logger"
	"github.com/spigell/hh-sieve/internal/posting"
	"github.com/spigell/hh-sieve/internal/retry"
)

const (
	DefaultPingTimeout  = 2 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// RecordFinder resolves membership sets over stored records.
type RecordFinder interface {
	FindIDs(ctx context.Context, q posting.Query) (posting.IDSet, error)
}

// RecordWriter overwrites or creates records by posting id. Insert wraps
// posting.ErrDuplicate when a record for the posting already exists.
type RecordWriter interface {
	Update(ctx context.Context, rec posting.Record) error
	Insert(ctx context.Context, rec posting.Record) error
}

// Store is the record store used by a run.
type Store interface {
	Ping(ctx context.Context) error
	RecordFinder
	RecordWriter
}

// PolicyStore returns policies by id, wrapping posting.ErrNotFound for unknown ids.
type PolicyStore interface {
	Get(ctx context.Context, id string) (posting.Policy, error)
}

// Scraper lists the postings of a named source, wrapping posting.ErrNotFound for unknown ids.
type Scraper interface {
	ListPostings(ctx context.Context, sourceID string) ([]posting.Posting, error)
}

// ProfileSource provides the applicant profile text.
type ProfileSource interface {
	Profile(ctx context.Context) (string, error)
}

// Metrics receives run statistics. Implementations must be safe for concurrent use.
type Metrics interface {
	RunFinished(reason string, d time.Duration)
	Outcomes(status Status, n int)
	ChunkFinished(failed bool)
	Retried(kind string)
	PersistFailed(n int)
}

// Config tunes the engine.
type Config struct {
	ChunkSize         int           `mapstructure:"chunk-size"`
	Deadline          time.Duration `mapstructure:"deadline"`
	RequestsPerSecond float64       `mapstructure:"requests-per-second"`
	Burst             int           `mapstructure:"burst"`
	MaxConcurrency    int           `mapstructure:"max-concurrency"`
	Retry             retry.Backoff `mapstructure:"retry"`

	PingTimeout  time.Duration `mapstructure:"-"`
	WriteTimeout time.Duration `mapstructure:"-"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		Retry:        retry.DefaultBackoff(),
		PingTimeout:  DefaultPingTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Validate checks the configuration before any work starts.
func (c Config) Validate() error {
	switch {
	case c.ChunkSize < 0:
		return fmt.Errorf("%w: chunk-size must not be negative", ErrConfig)
	case c.Deadline < 0:
		return fmt.Errorf("%w: deadline must not be negative", ErrConfig)
	case c.RequestsPerSecond < 0:
		return fmt.Errorf("%w: requests-per-second must not be negative", ErrConfig)
	case c.MaxConcurrency < 0:
		return fmt.Errorf("%w: max-concurrency must not be negative", ErrConfig)
	case c.Retry.Retries < 0:
		return fmt.Errorf("%w: retry.retries must not be negative", ErrConfig)
	case c.Retry.Jitter < 0 || c.Retry.Jitter > 1:
		return fmt.Errorf("%w: retry.jitter must be within [0, 1]", ErrConfig)
	}
	return nil
}

// Deps are the collaborators of the engine.
type Deps struct {
	Store      Store
	Policies   PolicyStore
	Scraper    Scraper
	Profile    ProfileSource
	Classifier ai.Classifier
	Metrics    Metrics
	Logger     *zap.Logger
}

// Request selects the policy and the posting source of a run.
type Request struct {
	PolicyID string `json:"policy_id"`
	SourceID string `json:"source_id"`
}

// Validate reports malformed requests.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.PolicyID) == "" {
		missing = append(missing, "policy_id")
	}
	if strings.TrimSpace(r.SourceID) == "" {
		missing = append(missing, "source_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Result is the response of a run. The three arrays are never nil.
type Result struct {
	RunID    string    `json:"run_id"`
	Accepted []Outcome `json:"accepted"`
	Rejected []Outcome `json:"rejected"`
	Errored  []Outcome `json:"errored"`
}

// Len is the number of postings evaluated by the run.
func (r *Result) Len() int {
	return len(r.Accepted) + len(r.Rejected) + len(r.Errored)
}

// State names a phase of a run.
type State string

const (
	StateValidatingInput State = "validating_input"
	StateReconciling     State = "reconciling"
	StateDispatching     State = "dispatching"
	StateMerging         State = "merging"
	StatePersisting      State = "persisting"
	StateResponding      State = "responding"
)

// Engine runs classification requests. It is safe for concurrent use.
type Engine struct {
	cfg     Config
	deps    Deps
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// New creates an engine. Missing collaborators are reported by Run as configuration errors.
func New(cfg Config, deps Deps) *Engine {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	l := deps.Logger
	if l == nil {
		l = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: l,
		now:    time.Now,
		newID:  uuid.NewString,
	}

	// The limiter is shared by all runs so concurrent requests stay under the provider quota.
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return e
}

// Run executes one request. Errors wrap ErrConfig, ErrInvalidRequest,
// ErrNotFound or ErrUnavailable when they happen before reconciliation.
func (e *Engine) Run(ctx context.Context, req Request) (res *Result, err error) {
	runID := e.newID()
	log := e.logger.With(logger.RunFields(runID, req.PolicyID, req.SourceID)...)
	started := e.now()

	defer func() {
		reason := Reason(err)
		if reason == "" {
			reason = "ok"
		}
		e.deps.Metrics.RunFinished(reason, e.now().Sub(started))
	}()

	log.Info("run started", zap.String("state", string(StateValidatingInput)))

	policy, postings, profile, err := e.validate(ctx, req)
	if err != nil {
		log.Warn("run rejected", zap.String("reason", Reason(err)), zap.Error(err))
		return nil, err
	}

	if e.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Deadline)
		defer cancel()
	}

	log.Info("reconciling",
		zap.String("state", string(StateReconciling)),
		zap.Int("postings", len(postings)),
		zap.Time("policy_updated_at", policy.UpdatedAt),
	)

	rec, err := Reconcile(ctx, e.deps.Store, postings, policy)
	if err != nil {
		log.Error("reconciliation failed", zap.Error(err))
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	res = &Result{RunID: runID, Accepted: []Outcome{}, Rejected: []Outcome{}, Errored: []Outcome{}}

	if len(rec.Working) == 0 {
		log.Info("nothing to evaluate", zap.String("state", string(StateResponding)))
		return res, nil
	}

	log.Info("dispatching",
		zap.String("state", string(StateDispatching)),
		zap.Int("working", len(rec.Working)),
		zap.Int("skipped", len(postings)-len(rec.Working)),
		zap.Int("chunk_size", e.cfg.ChunkSize),
	)

	results := e.dispatcher(log).Dispatch(ctx, rec.Working, profile, policy.Text)
	for _, r := range results {
		e.deps.Metrics.ChunkFinished(r.Err != nil)
	}

	log.Info("merging", zap.String("state", string(StateMerging)), zap.Int("chunks", len(results)))
	outcomes := Merge(results, policy.ID, e.now())

	log.Info("persisting", zap.String("state", string(StatePersisting)), zap.Int("outcomes", outcomes.Len()))

	// Finished classifications are written even when the run deadline has passed.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.WriteTimeout)
	defer cancel()

	persister := &Persister{Store: e.deps.Store, Logger: log}
	written := persister.Persist(writeCtx, outcomes.All(), rec.MustUpdate)
	if n := countFailed(written); n > 0 {
		e.deps.Metrics.PersistFailed(n)
		log.Warn("some outcomes were not persisted", zap.Int("failed", n))
	}
	outcomes = applyPersistResults(outcomes, written)

	res.Accepted = outcomes.Accepted
	res.Rejected = outcomes.Rejected
	res.Errored = outcomes.Errored

	e.deps.Metrics.Outcomes(StatusAccepted, len(res.Accepted))
	e.deps.Metrics.Outcomes(StatusRejected, len(res.Rejected))
	e.deps.Metrics.Outcomes(StatusErrored, len(res.Errored))

	log.Info("run finished",
		zap.String("state", string(StateResponding)),
		zap.Int("accepted", len(res.Accepted)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Int("errored", len(res.Errored)),
	)

	return res, nil
}

func (e *Engine) validate(ctx context.Context, req Request) (posting.Policy, []posting.Posting, string, error) {
	var policy posting.Policy

	if err := e.cfg.Validate(); err != nil {
		return policy, nil, "", err
	}
	if err := e.checkDeps(); err != nil {
		return policy, nil, "", err
	}
	if err := req.Validate(); err != nil {
		return policy, nil, "", err
	}

	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.PingTimeout)
	defer cancel()
	if err := e.deps.Store.Ping(pingCtx); err != nil {
		return policy, nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	policy, err := e.deps.Policies.Get(ctx, req.PolicyID)
	if err != nil {
		return policy, nil, "", lookupError("policy", req.PolicyID, err)
	}

	profile, err := e.deps.Profile.Profile(ctx)
	if err != nil {
		return policy, nil, "", fmt.Errorf("load applicant profile: %w", err)
	}
	if strings.TrimSpace(profile) == "" {
		return policy, nil, "", fmt.Errorf("%w: applicant profile is empty", ErrConfig)
	}

	postings, err := e.deps.Scraper.ListPostings(ctx, req.SourceID)
	if err != nil {
		return policy, nil, "", lookupError("source", req.SourceID, err)
	}

	return policy, postings, profile, nil
}

func (e *Engine) checkDeps() error {
	var missing []string
	if e.deps.Store == nil {
		missing = append(missing, "store")
	}
	if e.deps.Policies == nil {
		missing = append(missing, "policies")
	}
	if e.deps.Scraper == nil {
		missing = append(missing, "scraper")
	}
	if e.deps.Profile == nil {
		missing = append(missing, "profile")
	}
	if e.deps.Classifier == nil {
		missing = append(missing, "classifier")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s not configured", ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}

func lookupError(what, id string, err error) error {
	if errors.Is(err, posting.ErrNotFound) {
		return fmt.Errorf("%s %q: %w", what, id, err)
	}
	return fmt.Errorf("load %s %q: %w", what, id, err)
}

func (e *Engine) dispatcher(log *zap.Logger) *Dispatcher {
	executor := retry.NewExecutor(log)
	executor.OnRetry = func(a retry.Attempt) {
		e.deps.Metrics.Retried(a.Failure.Kind.String())
	}

	return &Dispatcher{
		Classifier:     e.deps.Classifier,
		Executor:       executor,
		Backoff:        e.cfg.Retry,
		ChunkSize:      e.cfg.ChunkSize,
		MaxConcurrency: e.cfg.MaxConcurrency,
		Limiter:        e.limiter,
		Logger:         log,
	}
}

// applyPersistResults moves outcomes that could not be stored into the errored set.
func applyPersistResults(outcomes Outcomes, results []PersistResult) Outcomes {
	failed := make(map[string]error)
	for _, r := range results {
		if r.Err != nil {
			failed[r.PostingID] = r.Err
		}
	}
	if len(failed) == 0 {
		return outcomes
	}

	out := newOutcomes()
	for _, o := range outcomes.All() {
		if err, ok := failed[o.ID]; ok {
			o.Status = StatusErrored
			if o.Error != "" {
				o.Error += "; persist: " + err.Error()
			} else {
				o.Error = "persist: " + err.Error()
			}
		}
		out.add(o)
	}
	return out
}

func countFailed(results []PersistResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

type nopMetrics struct{}

func (nopMetrics) RunFinished(string, time.Duration) {}
func (nopMetrics) Outcomes(Status, int)              {}
func (nopMetrics) ChunkFinished(bool)                {}
func (nopMetrics) Retried(string)                    {}
func (nopMetrics) PersistFailed(int)                 {}
