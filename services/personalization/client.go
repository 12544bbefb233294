package personalization

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WeakArea is a topic the user has scored poorly on, as reported by the
// personalization collaborator.
type WeakArea struct {
	Topic        string  `json:"topic"`
	AverageScore float64 `json:"averageScore"`
}

// WeakAreaFinder looks up a user's weak areas.
type WeakAreaFinder interface {
	WeakAreas(ctx context.Context, userID string) ([]WeakArea, error)
}

// Client is an HTTP WeakAreaFinder against the personalization service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a personalization client.
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

type weakAreasResponse struct {
	WeakAreas []WeakArea `json:"weakAreas"`
}

// WeakAreas fetches the weak areas recorded for userID.
func (c *Client) WeakAreas(ctx context.Context, userID string) ([]WeakArea, error) {
	endpoint := c.baseURL + "/users/" + url.PathEscape(userID) + "/weak-areas"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create weak areas request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("personalization lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown users simply have no history yet.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("personalization lookup: status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed weakAreasResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode weak areas response: %w", err)
	}

	c.logger.Debug("weak areas fetched",
		zap.String("user_id", userID),
		zap.Int("count", len(parsed.WeakAreas)))

	return parsed.WeakAreas, nil
}

// PromptFragment renders weak areas into the system prompt addition the
// generation step appends. Empty input yields an empty fragment.
func PromptFragment(areas []WeakArea) string {
	if len(areas) == 0 {
		return ""
	}

	topics := make([]string, 0, len(areas))
	for _, a := range areas {
		topics = append(topics, a.Topic)
	}

	return "\n\n**PERSONALIZATION**: The user has shown weakness in: " +
		strings.Join(topics, ", ") +
		". Please provide extra detailed explanations for these topics."
}
