// Package wds is a typed adapter over the four Statistics Canada Web Data
// Service operations this pipeline needs. It never touches disk or the
// database: callers own persistence.
package wds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://www150.statcan.gc.ca/t1/wds/rest"
	defaultUserAgent = "statcan-wds-ingestor/1.0"
)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the WDS REST base URL (used in tests).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithUserAgent overrides the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithCallTimeout bounds every individual HTTP call (not counting retries).
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithMetadataRateLimit sets the minimum spacing between metadata-family
// calls (ListAllCubes, ChangedCubeList, CubeMetadata). Default 1s.
func WithMetadataRateLimit(d time.Duration) Option {
	return func(c *Client) { c.metadataLimiter = rate.NewLimiter(rate.Every(d), 1) }
}

// WithCubeRateLimit sets the minimum spacing between cube-download calls.
// Default 2s.
func WithCubeRateLimit(d time.Duration) Option {
	return func(c *Client) { c.cubeLimiter = rate.NewLimiter(rate.Every(d), 1) }
}

// Client is a functional-options HTTP client for the WDS REST API.
type Client struct {
	baseURL         string
	userAgent       string
	http            *http.Client
	callTimeout     time.Duration
	metadataLimiter *rate.Limiter
	cubeLimiter     *rate.Limiter
}

// New builds a Client with sensible defaults: a 30s per-call timeout, a
// 1s metadata politeness floor, and a 2s cube-download politeness floor,
// per spec.md's rate floor requirement.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:         defaultBaseURL,
		userAgent:       defaultUserAgent,
		http:            &http.Client{},
		callTimeout:     30 * time.Second,
		metadataLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		cubeLimiter:     rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChangedCube is one entry of a ChangedCubeList response with a
// successful response status code.
type ChangedCube struct {
	ProductID int64
}

// ListAllCubes fetches the full spine snapshot as raw JSON bytes. The
// caller is responsible for validation and persistence.
func (c *Client) ListAllCubes(ctx context.Context) ([]byte, error) {
	return c.getWithRetry(ctx, c.metadataLimiter, c.baseURL+"/getAllCubesListLite")
}

// ChangedCubeList returns productids whose change-log entry for date has a
// successful (responseStatusCode==0) status, per the WDS envelope shape
// {status, object:[{productId, responseStatusCode}]}.
func (c *Client) ChangedCubeList(ctx context.Context, date time.Time) ([]ChangedCube, error) {
	url := fmt.Sprintf("%s/getChangedCubeList/%s", c.baseURL, date.Format("2006-01-02"))
	body, err := c.getWithRetry(ctx, c.metadataLimiter, url)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Status string `json:"status"`
		Object []struct {
			ProductID          int64 `json:"productId"`
			ResponseStatusCode int   `json:"responseStatusCode"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode changed-cube-list response: %w", err)
	}
	if envelope.Status != "SUCCESS" {
		return nil, fmt.Errorf("changed-cube-list returned status %q", envelope.Status)
	}

	var changes []ChangedCube
	for _, e := range envelope.Object {
		if e.ResponseStatusCode == 0 {
			changes = append(changes, ChangedCube{ProductID: e.ProductID})
		}
	}
	return changes, nil
}

// CubeMetadata fetches the raw metadata JSON envelope for productid. The
// returned bytes are the full one-element envelope array
// ([{status, object:{...}}]); the Raw Dimension Loader unwraps it.
func (c *Client) CubeMetadata(ctx context.Context, productID int64) ([]byte, error) {
	url := fmt.Sprintf("%s/getCubeMetadata", c.baseURL)
	payload, err := json.Marshal([]map[string]int64{{"productId": productID}})
	if err != nil {
		return nil, fmt.Errorf("encode metadata request: %w", err)
	}
	return c.postWithRetry(ctx, c.metadataLimiter, url, payload)
}

// DownloadCubeCsv resolves the signed download URL for productid and
// follows it to fetch the CSV ZIP body.
func (c *Client) DownloadCubeCsv(ctx context.Context, productID int64) ([]byte, error) {
	url := fmt.Sprintf("%s/getFullTableDownloadCSV/%d/en", c.baseURL, productID)
	body, err := c.getWithRetry(ctx, c.cubeLimiter, url)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Status string `json:"status"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode download-url response: %w", err)
	}
	if envelope.Status != "SUCCESS" || envelope.Object == "" {
		return nil, fmt.Errorf("no download URL for productid %d (status %q)", productID, envelope.Status)
	}

	return c.getWithRetry(ctx, c.cubeLimiter, envelope.Object)
}

// getWithRetry performs a rate-limited GET with exponential backoff on
// transient failures (network errors and 5xx responses).
func (c *Client) getWithRetry(ctx context.Context, limiter *rate.Limiter, url string) ([]byte, error) {
	return c.doWithRetry(ctx, limiter, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
}

func (c *Client) postWithRetry(ctx context.Context, limiter *rate.Limiter, url string, body []byte) ([]byte, error) {
	return c.doWithRetry(ctx, limiter, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(200*time.Millisecond))

	var result []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()

		req, err := build(callCtx)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("request %s: %w", req.URL, err))
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read response body: %w", err))
		}

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("server error %d from %s", resp.StatusCode, req.URL))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("client error %d from %s", resp.StatusCode, req.URL)
		}

		result = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
