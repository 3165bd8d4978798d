// Package wanikani is a typed client for the WaniKani v2 REST API. All
// requests share a single rate limiter sized to the API's documented
// budget, retry transient failures, and transparently follow collection
// pagination.
package wanikani

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.wanikani.com/v2"
	apiRevision    = "20170710"

	// The API allows 60 requests per minute; stay a little under it so
	// other clients of the same token keep working.
	requestsPerMinute = 50
)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// Client talks to the WaniKani API on behalf of one user token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger
	maxRetries uint64

	srsMu    sync.Mutex
	srsCache map[int64]*SRS
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLimiter replaces the request rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithLogger replaces the client's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient returns a client authenticated with the given token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/requestsPerMinute), 5),
		log:        slog.Default(),
		maxRetries: 3,
		srsCache:   make(map[int64]*SRS),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do performs one API request with rate limiting and bounded retry of
// transient failures, decoding the response body into out when non-nil.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("rate limiter: %w", err)
	}

	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	attempt := func() error {
		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Wanikani-Revision", apiRevision)
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			var payload struct {
				Error string `json:"error"`
			}
			if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
				if json.Unmarshal(data, &payload) == nil {
					apiErr.Message = payload.Error
				}
			}
			// 429 and server errors are worth retrying, the rest are not.
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		c.log.Warn("retrying api request", "method", method, "url", rawURL, "wait", wait, "error", err)
	})
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// collectionPage is the paginated wrapper around collection endpoints.
type collectionPage struct {
	Object string `json:"object"`
	Pages  struct {
		NextURL string `json:"next_url"`
	} `json:"pages"`
	TotalCount    int               `json:"total_count"`
	DataUpdatedAt string            `json:"data_updated_at"`
	Data          []json.RawMessage `json:"data"`
}

// getCollection fetches every page of a collection endpoint and returns the
// concatenated resources plus the collection-level data_updated_at from the
// first page, which callers persist as their incremental-sync watermark.
func (c *Client) getCollection(ctx context.Context, path string, query url.Values) ([]json.RawMessage, string, error) {
	next := c.endpoint(path, query)
	var all []json.RawMessage
	var updatedAt string
	for page := 0; next != ""; page++ {
		var resp collectionPage
		if err := c.do(ctx, http.MethodGet, next, nil, &resp); err != nil {
			return nil, "", fmt.Errorf("failed to fetch %s: %w", path, err)
		}
		if page == 0 {
			updatedAt = resp.DataUpdatedAt
		}
		all = append(all, resp.Data...)
		next = resp.Pages.NextURL
	}
	return all, updatedAt, nil
}

// Subjects fetches subjects matching the query, plus the collection
// watermark.
func (c *Client) Subjects(ctx context.Context, q SubjectsQuery) ([]Subject, string, error) {
	raw, updatedAt, err := c.getCollection(ctx, "subjects", q.values())
	if err != nil {
		return nil, "", err
	}
	subjects := make([]Subject, 0, len(raw))
	for _, r := range raw {
		subj, err := ParseSubject(r)
		if err != nil {
			return nil, "", err
		}
		subjects = append(subjects, subj)
	}
	return subjects, updatedAt, nil
}

// Assignments fetches assignments matching the query, plus the collection
// watermark.
func (c *Client) Assignments(ctx context.Context, q AssignmentsQuery) ([]Assignment, string, error) {
	raw, updatedAt, err := c.getCollection(ctx, "assignments", q.values())
	if err != nil {
		return nil, "", err
	}
	assignments := make([]Assignment, 0, len(raw))
	for _, r := range raw {
		var a Assignment
		if err := json.Unmarshal(r, &a); err != nil {
			return nil, "", fmt.Errorf("failed to decode assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, updatedAt, nil
}

// StudyMaterials fetches study materials matching the query, plus the
// collection watermark.
func (c *Client) StudyMaterials(ctx context.Context, q StudyMaterialsQuery) ([]StudyMaterial, string, error) {
	raw, updatedAt, err := c.getCollection(ctx, "study_materials", q.values())
	if err != nil {
		return nil, "", err
	}
	materials := make([]StudyMaterial, 0, len(raw))
	for _, r := range raw {
		var m StudyMaterial
		if err := json.Unmarshal(r, &m); err != nil {
			return nil, "", fmt.Errorf("failed to decode study material: %w", err)
		}
		materials = append(materials, m)
	}
	return materials, updatedAt, nil
}

// User fetches the authenticated user.
func (c *Client) User(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, c.endpoint("user", nil), nil, &u); err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &u, nil
}

// SRSSystem fetches a spaced repetition system by ID. Systems are immutable
// in practice, so results are cached for the life of the client.
func (c *Client) SRSSystem(ctx context.Context, id int64) (*SRS, error) {
	c.srsMu.Lock()
	cached, ok := c.srsCache[id]
	c.srsMu.Unlock()
	if ok {
		return cached, nil
	}

	var raw json.RawMessage
	path := fmt.Sprintf("spaced_repetition_systems/%d", id)
	if err := c.do(ctx, http.MethodGet, c.endpoint(path, nil), nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch srs %d: %w", id, err)
	}
	srs, err := ParseSRS(raw)
	if err != nil {
		return nil, err
	}

	c.srsMu.Lock()
	c.srsCache[id] = srs
	c.srsMu.Unlock()
	return srs, nil
}

// StartAssignment moves an unlocked assignment into review rotation,
// marking the lesson as taken.
func (c *Client) StartAssignment(ctx context.Context, id int64) (*Assignment, error) {
	var a Assignment
	path := fmt.Sprintf("assignments/%d/start", id)
	if err := c.do(ctx, http.MethodPut, c.endpoint(path, nil), struct{}{}, &a); err != nil {
		return nil, fmt.Errorf("failed to start assignment %d: %w", id, err)
	}
	return &a, nil
}

// CreateReview submits a review result and returns the assignment as
// updated by the server.
func (c *Client) CreateReview(ctx context.Context, review ReviewCreate) (*Assignment, error) {
	body := struct {
		Review ReviewCreate `json:"review"`
	}{Review: review}
	var resp struct {
		ResourcesUpdated struct {
			Assignment Assignment `json:"assignment"`
		} `json:"resources_updated"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("reviews", nil), body, &resp); err != nil {
		return nil, fmt.Errorf("failed to submit review for assignment %d: %w", review.AssignmentID, err)
	}
	return &resp.ResourcesUpdated.Assignment, nil
}
