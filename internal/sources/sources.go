// Package sources lists the postings of named sources: hh.ru searches and
// posting files.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/spigell/hh-sieve/internal/headhunter"
	"github.com/spigell/hh-sieve/internal/posting"
)

const (
	KindHeadhunter = "headhunter"
	KindFile       = "file"
)

// Config describes one named source.
type Config struct {
	Kind   string                   `mapstructure:"kind"`
	File   string                   `mapstructure:"file"`
	Search *headhunter.SearchParams `mapstructure:"search"`

	ExcludeEmployers []string `mapstructure:"exclude-employers"`
	ExcludeFile      string   `mapstructure:"exclude-file"`
	ExcludeWithTest  bool     `mapstructure:"exclude-with-test"`
	ExcludeApplied   bool     `mapstructure:"exclude-applied"`

	// FetchDetails loads every kept vacancy in full so descriptions and key
	// skills reach the classifier. Search results carry only snippets.
	FetchDetails bool `mapstructure:"fetch-details"`
}

// detailWorkers bounds concurrent vacancy lookups per source.
const detailWorkers = 4

// Source produces postings.
type Source interface {
	Postings(ctx context.Context) ([]posting.Posting, error)
}

// Searcher is the part of the hh.ru client used by search sources.
type Searcher interface {
	Search(ctx context.Context, params *headhunter.SearchParams) (*headhunter.Vacancies, error)
	GetNegotiations(ctx context.Context) (*headhunter.Negotations, error)
	GetVacancy(ctx context.Context, id string) (*headhunter.Vacancy, error)
}

// Registry resolves source ids. Search results are reused for the rest of
// the day through the cache.
type Registry struct {
	sources   map[string]Source
	cacheable map[string]bool
	cache     *DayCache
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistry builds every configured source. hh may be nil when no search source is configured.
func NewRegistry(cfgs map[string]Config, hh Searcher, cache *DayCache, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		sources:   make(map[string]Source, len(cfgs)),
		cacheable: make(map[string]bool, len(cfgs)),
		cache:     cache,
		logger:    logger,
		now:       time.Now,
	}

	for id, cfg := range cfgs {
		switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
		case KindHeadhunter, "":
			if cfg.Search == nil {
				return nil, fmt.Errorf("source %q: search parameters are required", id)
			}
			if hh == nil {
				return nil, fmt.Errorf("source %q: hh.ru client is not configured", id)
			}
			r.sources[id] = &HeadhunterSource{
				client: hh,
				params: cfg.Search,
				cfg:    cfg,
				logger: logger.With(zap.String("source_id", id)),
			}
			r.cacheable[id] = true
		case KindFile:
			if strings.TrimSpace(cfg.File) == "" {
				return nil, fmt.Errorf("source %q: file is required", id)
			}
			r.sources[id] = &FileSource{Path: cfg.File}
		default:
			return nil, fmt.Errorf("source %q: unknown kind %q", id, cfg.Kind)
		}
	}

	return r, nil
}

// Register adds or replaces a source.
func (r *Registry) Register(id string, src Source) {
	r.sources[id] = src
}

// IDs returns the configured source ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListPostings returns the postings of the source. Unknown ids wrap posting.ErrNotFound.
func (r *Registry) ListPostings(ctx context.Context, id string) ([]posting.Posting, error) {
	src, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("source %q: %w", id, posting.ErrNotFound)
	}

	now := r.now()
	useCache := r.cache != nil && r.cacheable[id]
	if useCache {
		if cached, ok := r.cache.Get(id, now); ok {
			r.logger.Info("using postings scraped earlier today", zap.String("source_id", id), zap.Int("postings", len(cached)))
			return cached, nil
		}
	}

	postings, err := src.Postings(ctx)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", id, err)
	}

	if useCache {
		if err := r.cache.Put(id, postings, now); err != nil {
			r.logger.Warn("caching postings failed", zap.String("source_id", id), zap.Error(err))
		}
	}

	return postings, nil
}

// HeadhunterSource runs an hh.ru search and drops excluded vacancies.
type HeadhunterSource struct {
	client Searcher
	params *headhunter.SearchParams
	cfg    Config
	logger *zap.Logger
}

func (s *HeadhunterSource) Postings(ctx context.Context) ([]posting.Posting, error) {
	vacancies, err := s.client.Search(ctx, s.params)
	if err != nil {
		return nil, err
	}

	s.logger.Info("vacancies found", zap.Int("vacancies", vacancies.Len()))

	if len(s.cfg.ExcludeEmployers) > 0 {
		if excluded := vacancies.Exclude(headhunter.VacancyEmployerIDField, s.cfg.ExcludeEmployers); len(excluded) > 0 {
			s.logger.Info("excluding vacancies by employers",
				zap.Strings("excluded_employers", s.cfg.ExcludeEmployers),
				zap.Strings("excluded_vacancies", excluded),
				zap.Int("vacancies_left", vacancies.Len()),
			)
		}
	}

	if s.cfg.ExcludeWithTest {
		if excluded := vacancies.ExcludeWithTest(); len(excluded) > 0 {
			s.logger.Info("excluding vacancies with tests",
				zap.Strings("excluded_vacancies", excluded),
				zap.Int("vacancies_left", vacancies.Len()),
			)
		}
	}

	if path := strings.TrimSpace(s.cfg.ExcludeFile); path != "" {
		list, err := headhunter.GetExludedVacanciesFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("getting excluded vacancies from file: %w", err)
		}
		if excluded := vacancies.Exclude(headhunter.VacancyIDField, list.VacanciesIDs()); len(excluded) > 0 {
			s.logger.Info("excluding vacancies based on exclude file",
				zap.String("path", path),
				zap.Strings("excluded_vacancies", excluded),
				zap.Int("vacancies_left", vacancies.Len()),
			)
		}
	}

	if s.cfg.ExcludeApplied {
		negotiations, err := s.client.GetNegotiations(ctx)
		if err != nil {
			return nil, fmt.Errorf("get my negotiations: %w", err)
		}
		if excluded := vacancies.Exclude(headhunter.VacancyIDField, negotiations.VacanciesIDs()); len(excluded) > 0 {
			s.logger.Info("excluding vacancies based on my negotiations",
				zap.Strings("excluded_vacancies", excluded),
				zap.Int("vacancies_left", vacancies.Len()),
			)
		}
	}

	if s.cfg.FetchDetails {
		if err := s.fetchDetails(ctx, vacancies); err != nil {
			return nil, err
		}
	}

	return vacancies.Postings(), nil
}

// fetchDetails replaces every vacancy with its full version, in place.
func (s *HeadhunterSource) fetchDetails(ctx context.Context, vacancies *headhunter.Vacancies) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(detailWorkers)

	for i, v := range vacancies.Items {
		g.Go(func() error {
			full, err := s.client.GetVacancy(ctx, v.ID)
			if err != nil {
				return err
			}
			vacancies.Items[i] = full
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch vacancy details: %w", err)
	}

	s.logger.Info("fetched vacancy details", zap.Int("vacancies", vacancies.Len()))
	return nil
}

// FileSource reads postings from a JSON or YAML file holding either a list
// of postings or an object with a "postings" list.
type FileSource struct {
	Path string
}

type postingFile struct {
	Postings []posting.Posting `json:"postings" yaml:"postings"`
}

func (s *FileSource) Postings(context.Context) ([]posting.Posting, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read postings file: %w", err)
	}

	var postings []posting.Posting
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".yaml", ".yml":
		postings, err = decodePostings(data, yaml.Unmarshal)
	default:
		postings, err = decodePostings(data, json.Unmarshal)
	}
	if err != nil {
		return nil, fmt.Errorf("parse postings file %s: %w", s.Path, err)
	}

	for i, p := range postings {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("posting #%d in %s has no id", i+1, s.Path)
		}
	}
	return postings, nil
}

func decodePostings(data []byte, unmarshal func([]byte, any) error) ([]posting.Posting, error) {
	var list []posting.Posting
	if err := unmarshal(data, &list); err == nil {
		return list, nil
	}

	var doc postingFile
	if err := unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Postings, nil
}
