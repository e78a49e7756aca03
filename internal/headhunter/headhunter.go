// Package headhunter is a small client for the hh.ru API.
package headhunter

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/hh-sieve/internal/retry"
)

const (
	apiURL      = "https://api.hh.ru"
	mineResumID = "mine"
	userAgent   = "spigell/hh-sieve (spigelly@gmail.com)"
	// Max value for search per page.
	perPage = "100"
)

type Client struct {
	token      string
	logger     *zap.Logger
	executor   *retry.Executor
	HTTPClient *http.Client
	UserAgent  string
	APIURL     string
	// Retry applies to every GET request. Only 429 and 5xx responses are retried.
	Retry retry.Backoff
}

func New(logger *zap.Logger, token string) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		token:  token,
		APIURL: apiURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:    logger,
		executor:  retry.NewExecutor(logger),
		UserAgent: userAgent,
		Retry:     retry.Backoff{Retries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: retry.DefaultJitter},
	}
}
