package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Snippet is one retrieved example returned by the retrieval collaborator.
type Snippet struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Searcher finds snippets relevant to a query within a named collection.
type Searcher interface {
	Search(ctx context.Context, collection, query string, limit int) ([]Snippet, error)
}

// Collections the dispatch core queries, keyed by request flavor.
const (
	CollectionInterviewQuestions = "interview_questions"
	CollectionCodingPatterns     = "coding_patterns"
)

// Client is an HTTP Searcher against the retrieval service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a retrieval client.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type searchRequest struct {
	Collection string `json:"collection"`
	Query      string `json:"query"`
	Limit      int    `json:"limit"`
}

type searchResponse struct {
	Results []Snippet `json:"results"`
}

// Search queries the retrieval service for snippets similar to query.
func (c *Client) Search(ctx context.Context, collection, query string, limit int) ([]Snippet, error) {
	if limit <= 0 {
		limit = 3
	}

	body, err := json.Marshal(searchRequest{Collection: collection, Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("retrieval search: status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	c.logger.Debug("retrieval search completed",
		zap.String("collection", collection),
		zap.Int("results", len(parsed.Results)))

	return parsed.Results, nil
}

// FormatContext renders retrieved snippets and the user's question into
// the augmented prompt shape the generation step consumes. With no
// snippets the question passes through untouched.
func FormatContext(snippets []Snippet, question string) string {
	if len(snippets) == 0 {
		return question
	}

	texts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		texts = append(texts, s.Text)
	}

	return "## Relevant Examples:\n" +
		strings.Join(texts, "\n\n---\n\n") +
		"\n\n## User Question:\n" + question
}

// CollectionFor maps a request flavor to the collection it searches.
// Behavioral interview requests search interview questions; everything
// else searches coding patterns.
func CollectionFor(kind string) string {
	if kind == "behavioral" {
		return CollectionInterviewQuestions
	}
	return CollectionCodingPatterns
}
