package headhunter

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/hh-sieve/internal/retry"
	"github.com/spigell/hh-sieve/internal/utils"
)

const (
	contentType     = "application/json"
	contentEncoding = "gzip"
)

type ItemResponse struct {
	Items   []Item
	Found   int
	Pages   int
	Page    int
	PerPage int `json:"per_page"`
}

type Item interface{}

// GetItems makes GET request to HeadHunter API and return items from all pages.
func (c *Client) GetItems(ctx context.Context, endpoint string, q url.Values) ([]Item, error) {
	var items []Item

	if q == nil {
		q = url.Values{}
	}

	var response *ItemResponse
	if err := c.getJSON(ctx, endpoint, q, &response); err != nil {
		return nil, err
	}
	if response == nil {
		return nil, nil
	}

	c.logger.Debug("got response from HH.ru", zap.Int("pages", response.Pages), zap.Int("per_page", response.PerPage))

	items = append(items, response.Items...)

	for response.Page < (response.Pages - 1) {
		next := response.Page + 1
		c.logger.Debug("additional request needed", zap.String("reason", fmt.Sprintf(
			"current page (%d) < all page count (%d)", next, response.Pages),
		))

		page := cloneValues(q)
		page.Set("page", strconv.Itoa(next))

		response = nil
		if err := c.getJSON(ctx, endpoint, page, &response); err != nil {
			return nil, err
		}
		if response == nil || response.Page != next {
			return nil, fmt.Errorf("unexpected page in response from %s", endpoint)
		}

		items = append(items, response.Items...)
	}

	return items, nil
}

// getJSON fetches endpoint with retries and decodes the body into target.
func (c *Client) getJSON(ctx context.Context, endpoint string, q url.Values, target any) error {
	data, err := retry.Execute(ctx, c.executor, "hh GET "+endpoint, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, endpoint, q)
	}, retry.Policy[[]byte]{Backoff: c.Retry})
	if err != nil {
		return err
	}

	if target == nil {
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode response from %s: %w", endpoint, err)
	}

	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	req = c.setHeaders(req)
	// Additional headers. For GET requests only
	req.Header.Set("Content-Type", contentType)
	if len(q) > 0 {
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.request(req)
	if err != nil {
		return nil, &retry.Failure{Kind: retry.KindTransport, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gzipReader.Close()
		reader = gzipReader
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &retry.Failure{Kind: retry.KindTransport, Message: err.Error(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		f := retry.NewFailure(resp.StatusCode, fmt.Sprintf("bad status: %s: %s", resp.Status, utils.TruncateForLog(strings.TrimSpace(string(data)), 200)), nil)
		f.RetryAfter = resp.Header.Get("Retry-After")
		return nil, f
	}

	return data, nil
}

func (c *Client) request(req *http.Request) (*http.Response, error) {
	c.logger.Debug("make request", zap.String("url", req.URL.String()))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) *http.Request {
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept-Encoding", contentEncoding)

	return req
}

func cloneValues(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	return out
}
