package cmd

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/hh-sieve/internal/ai"
	"github.com/spigell/hh-sieve/internal/ai/gemini"
	"github.com/spigell/hh-sieve/internal/filtering"
	"github.com/spigell/hh-sieve/internal/headhunter"
	"github.com/spigell/hh-sieve/internal/logger"
	"github.com/spigell/hh-sieve/internal/metrics"
	"github.com/spigell/hh-sieve/internal/policy"
	"github.com/spigell/hh-sieve/internal/profile"
	"github.com/spigell/hh-sieve/internal/secrets"
	"github.com/spigell/hh-sieve/internal/sources"
	"github.com/spigell/hh-sieve/internal/store"
)

// application holds everything a command needs to run the engine.
type application struct {
	engine   *filtering.Engine
	store    *store.Store
	policies *policy.FileStore
	sources  *sources.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newApplication(ctx context.Context, config *Config, logger *zap.Logger) (*application, error) {
	hh, err := newHeadhunter(config, logger)
	if err != nil {
		return nil, err
	}

	// A nil client must stay a nil interface for the registry checks.
	var searcher sources.Searcher
	if hh != nil {
		searcher = hh
	}

	registry, err := sources.NewRegistry(config.Sources, searcher, sources.NewDayCache(config.Headhunter.CacheDir), logger)
	if err != nil {
		return nil, fmt.Errorf("building sources: %w", err)
	}

	applicant, err := newProfile(config.Profile, hh)
	if err != nil {
		return nil, err
	}

	classifier, err := newClassifier(ctx, config.AI, logger)
	if err != nil {
		return nil, fmt.Errorf("building classifier: %w", err)
	}

	db, err := store.Open(config.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	policies := policy.NewFileStore(config.PoliciesFile)
	m := metrics.New()

	engine := filtering.New(config.Filtering, filtering.Deps{
		Store:      db,
		Policies:   policies,
		Scraper:    registry,
		Profile:    applicant,
		Classifier: classifier,
		Metrics:    m,
		Logger:     logger,
	})

	return &application{
		engine:   engine,
		store:    db,
		policies: policies,
		sources:  registry,
		metrics:  m,
		logger:   logger,
	}, nil
}

func (a *application) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
}

// newHeadhunter returns nil when nothing in the config talks to hh.ru.
func newHeadhunter(config *Config, log *zap.Logger) (*headhunter.Client, error) {
	if !needsHeadhunter(config) {
		return nil, nil
	}

	token, err := secrets.Load(secrets.Source{
		Name:    "headhunter token",
		File:    config.Headhunter.TokenFile,
		EnvFile: "HH_TOKEN_FILE",
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set HH_TOKEN_FILE or headhunter.token-file)", err)
	}

	hh := headhunter.New(log.With(zap.String("system", "headhunter")), token)
	if config.Headhunter.UserAgent != "" {
		hh.UserAgent = config.Headhunter.UserAgent
	}
	return hh, nil
}

func needsHeadhunter(config *Config) bool {
	if strings.TrimSpace(config.Profile.Resume) != "" {
		return true
	}
	for _, src := range config.Sources {
		kind := strings.ToLower(strings.TrimSpace(src.Kind))
		if kind == "" || kind == sources.KindHeadhunter {
			return true
		}
	}
	return false
}

func newProfile(cfg ProfileConfig, hh *headhunter.Client) (filtering.ProfileSource, error) {
	switch {
	case strings.TrimSpace(cfg.File) != "":
		text, err := profile.FromFile(cfg.File)
		if err != nil {
			return nil, err
		}
		return text, nil
	case strings.TrimSpace(cfg.Resume) != "":
		return profile.NewResume(hh, cfg.Resume), nil
	default:
		return nil, fmt.Errorf("%w: profile.file or profile.resume is required", filtering.ErrConfig)
	}
}

func newClassifier(ctx context.Context, cfg AIConfig, log *zap.Logger) (ai.Classifier, error) {
	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != "gemini" {
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	gcfg := cfg.Gemini
	if gcfg == nil {
		gcfg = &GeminiConfig{}
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name:    "gemini api key",
		Value:   gcfg.APIKey,
		File:    gcfg.APIKeyFile,
		EnvFile: "GEMINI_API_KEY_FILE",
		Env:     "GEMINI_API_KEY",
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key-file or GEMINI_API_KEY_FILE)", err)
	}

	generator, err := gemini.NewGenerator(ctx, apiKey, gcfg.Model, log)
	if err != nil {
		return nil, err
	}

	classifierLogger := logger.WithCommonFields(log, "gemini", generator.Model())

	return gemini.NewClassifier(generator, gcfg.MaxLogLength, classifierLogger), nil
}
