package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

const (
	APIKeyHeader = "X-API-Key"
	AppKeyHeader = "X-Application-Key"

	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 3
	defaultCacheSize      = 512
)

// Config holds configuration for creating a new backend client
type Config struct {
	APIURL               string
	APIKey               string
	AppKey               string
	Log                  log.Logger
	HTTPClient           *http.Client
	RequestsPerSecond    float64       // 0 disables pacing
	MaxRetries           uint64        // retries for transient failures, 0 uses the default
	RetryInitialInterval time.Duration // first backoff interval, 0 uses the backoff default
	CacheSize            int           // number of cached test definitions
	UserAgent            string
}

// Client talks to the synthetics backend
type Client struct {
	baseURL   *url.URL
	apiKey    string
	appKey    string
	userAgent string
	http      *http.Client
	log       log.Logger
	limiter   *rate.Limiter
	tests     *lru.Cache

	maxRetries      uint64
	initialInterval time.Duration
}

// NewClient creates a new backend client
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.New("api url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.APIURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api url %q: %w", cfg.APIURL, err)
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create test definition cache: %w", err)
	}

	return &Client{
		baseURL:         base,
		apiKey:          cfg.APIKey,
		appKey:          cfg.AppKey,
		userAgent:       cfg.UserAgent,
		http:            cfg.HTTPClient,
		log:             cfg.Log,
		limiter:         rate.NewLimiter(limit, 1),
		tests:           cache,
		maxRetries:      cfg.MaxRetries,
		initialInterval: cfg.RetryInitialInterval,
	}, nil
}

// GetTest fetches a test definition by public id. Definitions are cached for the life of the client.
func (c *Client) GetTest(ctx context.Context, publicID string) (*types.TestDefinition, error) {
	if cached, ok := c.tests.Get(publicID); ok {
		return cached.(*types.TestDefinition), nil
	}

	var def types.TestDefinition
	path := "/api/v1/synthetics/tests/" + url.PathEscape(publicID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &def); err != nil {
		return nil, err
	}
	if def.PublicID == "" {
		def.PublicID = publicID
	}
	c.tests.Add(publicID, &def)
	return &def, nil
}

// TestPayload is one test of a trigger request
type TestPayload struct {
	PublicID string `json:"public_id"`
	types.Overrides
	Tunnel *types.TunnelInfo `json:"tunnel,omitempty"`
}

// TriggerOptions are batch-wide trigger options
type TriggerOptions struct {
	BatchTimeout   int64 `json:"batch_timeout"`
	SelectiveRerun *bool `json:"selective_rerun,omitempty"`
}

// TriggerRequest submits a whole set of tests at once
type TriggerRequest struct {
	Tests   []TestPayload  `json:"tests"`
	Options TriggerOptions `json:"options"`
}

type triggerResponse struct {
	BatchID   string           `json:"batch_id"`
	Locations []types.Location `json:"locations"`
}

// TriggerTests creates a batch for the given tests. The backend either accepts the whole set or none of it.
func (c *Client) TriggerTests(ctx context.Context, req TriggerRequest) (*types.ServerTrigger, error) {
	var res triggerResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/synthetics/tests/trigger/ci", nil, req, &res); err != nil {
		return nil, err
	}
	if res.BatchID == "" {
		return nil, errors.New("trigger response is missing the batch id")
	}
	return &types.ServerTrigger{BatchID: res.BatchID, Locations: res.Locations}, nil
}

// Batch is the current server-side state of a batch
type Batch struct {
	Status  string
	Entries []types.BatchEntry
}

// InProgress reports whether the backend still considers the batch running
func (b *Batch) InProgress() bool {
	return b.Status == "" || b.Status == statusInProgress
}

type batchResponse struct {
	Data struct {
		Status  string     `json:"status"`
		Results []rawEntry `json:"results"`
	} `json:"data"`
}

// GetBatch fetches the current entries of a batch. Entries that cannot be decoded are logged and left out.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var res batchResponse
	path := "/api/v1/synthetics/ci/batch/" + url.PathEscape(batchID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &res); err != nil {
		return nil, err
	}

	batch := &Batch{Status: res.Data.Status, Entries: make([]types.BatchEntry, 0, len(res.Data.Results))}
	for _, raw := range res.Data.Results {
		entry, err := raw.toEntry()
		if err != nil {
			c.log.Warn("Ignoring undecodable batch entry", "batch_id", batchID, "test_id", raw.TestPublicID, "err", err)
			continue
		}
		batch.Entries = append(batch.Entries, entry)
	}
	return batch, nil
}

// ResultDetail holds the step-level details of a finished result
type ResultDetail struct {
	ResultID string
	Duration time.Duration
	Steps    []types.Step
}

// PollResults fetches step details for the given result ids
func (c *Client) PollResults(ctx context.Context, resultIDs []string) (map[string]ResultDetail, error) {
	details := make(map[string]ResultDetail, len(resultIDs))
	if len(resultIDs) == 0 {
		return details, nil
	}
	ids, err := json.Marshal(resultIDs)
	if err != nil {
		return nil, err
	}
	query := url.Values{"result_ids": []string{string(ids)}}

	var res []rawResultDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/synthetics/tests/poll_results", query, nil, &res); err != nil {
		return nil, err
	}
	for _, raw := range res {
		details[raw.ResultID] = raw.toDetail()
	}
	return details, nil
}

type tunnelResponse struct {
	URL string `json:"url"`
}

// GetTunnelURL requests a short-lived presigned websocket URL for the tunnel
func (c *Client) GetTunnelURL(ctx context.Context) (string, error) {
	var res tunnelResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/synthetics/ci/tunnel", nil, nil, &res); err != nil {
		return "", err
	}
	if res.URL == "" {
		return "", errors.New("tunnel response is missing the url")
	}
	return res.URL, nil
}

// do sends a JSON request, retrying transient failures with exponential backoff
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	u := *c.baseURL
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	bo := backoff.NewExponentialBackOff()
	if c.initialInterval > 0 {
		bo.InitialInterval = c.initialInterval
	}

	attempt := 0
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.send(ctx, method, u.String(), path, payload, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		c.log.Debug("Retrying backend request", "method", method, "path", path, "attempt", attempt, "err", err)
		return err
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
}

func (c *Client) send(ctx context.Context, method, rawURL, path string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return &clientError{fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(APIKeyHeader, c.apiKey)
	req.Header.Set(AppKeyHeader, c.appKey)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &clientError{fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)}
	}
	return nil
}
