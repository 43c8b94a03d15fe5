// Package remote talks to the cloud backend: a Postgres-backed REST
// service exposing a semantic search RPC, a keyword full-text search, and
// profile storage.
//
// The remote tier is optional at runtime. The semantic RPC may not be
// deployed at all; its absence is detected through the backend's
// "function does not exist" error signature and cached per process so the
// probe happens at most once.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrFunctionMissing reports that the remote semantic RPC is not deployed.
var ErrFunctionMissing = errors.New("remote: function does not exist")

// ErrNotFound reports a missing remote resource.
var ErrNotFound = errors.New("remote: not found")

// DefaultKeywordScore is assigned to full-text hits, which arrive unscored.
const DefaultKeywordScore = 0.6

// DefaultTimeout bounds each remote call.
const DefaultTimeout = 10 * time.Second

// Hit is one remote search result.
type Hit struct {
	ID    string  `json:"id"`
	Kind  string  `json:"kind"`
	Text  string  `json:"content"`
	Score float64 `json:"similarity"`
}

// Config holds remote backend configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	TimeoutSecs int
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base URL is required")
	}
	return nil
}

// Client is an HTTP client for the remote backend.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a remote client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	timeout := DefaultTimeout
	if cfg.TimeoutSecs > 0 {
		timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type semanticSearchRequest struct {
	QueryEmbedding      []float32 `json:"query_embedding"`
	TargetUserID        string    `json:"target_user_id"`
	SimilarityThreshold float64   `json:"similarity_threshold"`
	MaxResults          int       `json:"max_results"`
}

// SemanticSearch calls the remote semantic search RPC.
// Returns ErrFunctionMissing when the RPC is not deployed.
func (c *Client) SemanticSearch(ctx context.Context, embedding []float32, userID string, threshold float64, maxResults int) ([]Hit, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}
	body := semanticSearchRequest{
		QueryEmbedding:      embedding,
		TargetUserID:        userID,
		SimilarityThreshold: threshold,
		MaxResults:          maxResults,
	}

	var hits []Hit
	if err := c.post(ctx, "/rpc/semantic_search", body, &hits); err != nil {
		return nil, err
	}
	return hits, nil
}

type keywordSearchRequest struct {
	Query        string `json:"query"`
	TargetUserID string `json:"target_user_id"`
	MaxResults   int    `json:"max_results"`
}

// KeywordSearch runs the remote full-text search. Rows arrive without a
// score and are assigned DefaultKeywordScore.
func (c *Client) KeywordSearch(ctx context.Context, query, userID string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query")
	}
	body := keywordSearchRequest{Query: query, TargetUserID: userID, MaxResults: limit}

	var hits []Hit
	if err := c.post(ctx, "/rpc/keyword_search", body, &hits); err != nil {
		return nil, err
	}
	for i := range hits {
		if hits[i].Score == 0 {
			hits[i].Score = DefaultKeywordScore
		}
	}
	return hits, nil
}

// FetchProfile returns the raw profile document for a user, or ErrNotFound.
func (c *Client) FetchProfile(ctx context.Context, userID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/profile/"+userID, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("profile fetch: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return string(respBody), nil
}

// PushProfile mirrors the local profile document to the backend.
func (c *Client) PushProfile(ctx context.Context, userID, payload string) error {
	req, err := http.NewRequestWithContext(ctx, "PUT", c.baseURL+"/profile/"+userID, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pushing profile: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("profile push: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if isFunctionMissing(resp.StatusCode, respBody) {
			return ErrFunctionMissing
		}
		return fmt.Errorf("%s: HTTP %d: %s", path, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response JSON: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("apikey", c.apiKey)
	}
}

// isFunctionMissing matches the backend's undefined-function error: the
// Postgres 42883 code or its message text.
func isFunctionMissing(status int, body []byte) bool {
	if status != http.StatusNotFound && status != http.StatusBadRequest {
		return false
	}
	text := strings.ToLower(string(body))
	return strings.Contains(text, "42883") ||
		strings.Contains(text, "function") && strings.Contains(text, "does not exist")
}
