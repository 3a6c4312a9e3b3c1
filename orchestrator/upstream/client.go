package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FetchRequest describes one call to the analytics API.
type FetchRequest struct {
	PropertyID string   `json:"property_id"`
	DateRange  string   `json:"date_range"`
	Dimensions []string `json:"dimensions"`
	Metrics    []string `json:"metrics"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
}

// Row is one result row: dimension values aligned with the dimension
// headers, metric values aligned with the metric headers.
type Row struct {
	DimensionValues []string  `json:"dimension_values"`
	MetricValues    []float64 `json:"metric_values"`
}

// FetchResult is the analytics API response shape.
type FetchResult struct {
	Rows             []Row    `json:"rows"`
	DimensionHeaders []string `json:"dimension_headers"`
	MetricHeaders    []string `json:"metric_headers"`
	// CacheHit marks responses served from the upstream's own cache; the
	// pipeline skips embedding persistence for these.
	CacheHit bool `json:"cache_hit,omitempty"`
}

// AnalyticsClient is the fallible RPC surface of the upstream analytics API.
type AnalyticsClient interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// EmbeddingClient is the fallible RPC surface of the embedding service. The
// service must return the same dimension for every call.
type EmbeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HTTPAnalyticsClient calls a JSON analytics endpoint and converts status
// codes into the error kinds of this package.
type HTTPAnalyticsClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPAnalyticsClient(baseURL, token string) *HTTPAnalyticsClient {
	return &HTTPAnalyticsClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPAnalyticsClient) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/reports:run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Op: "analytics.fetch", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		// The upstream distinguishes daily quota from transient rate limit
		// via a header; quota exhaustion is not retried.
		if resp.Header.Get("X-Quota-Exhausted") == "daily" {
			return nil, ErrQuotaExhausted
		}
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuth
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status %d", ErrInvalidProperty, resp.StatusCode)
	default:
		return nil, &TransientError{Op: "analytics.fetch", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var result FetchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &TransientError{Op: "analytics.decode", Err: err}
	}
	return &result, nil
}

// HTTPEmbeddingClient calls a JSON embedding endpoint.
type HTTPEmbeddingClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPEmbeddingClient(baseURL, token string) *HTTPEmbeddingClient {
	return &HTTPEmbeddingClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPEmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string][]string{"input": texts})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Op: "embedding.embed", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuth
	default:
		return nil, &TransientError{Op: "embedding.embed", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var decoded struct {
		Vectors [][]float32 `json:"vectors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &TransientError{Op: "embedding.decode", Err: err}
	}
	if err := ValidateEmbeddings(decoded.Vectors); err != nil {
		return nil, err
	}
	return decoded.Vectors, nil
}
