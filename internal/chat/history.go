package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eventchat/internal/model"
)

// APIClient calls the platform's REST surface: durable history, the member
// roster and the tag vocabulary. The live channel is a separate concern
// (see Conn); history is one-shot per thread open.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a client for the given base URL (e.g.
// "http://localhost:8080"). timeout <= 0 falls back to 10s.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api GET %s: %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// History fetches the durable message list for an event in insertion order.
// Entries come back raw: normalization happens at ingestion, in Thread.Seed.
func (c *APIClient) History(ctx context.Context, eventID string) ([]model.RawMessage, error) {
	var msgs []model.RawMessage
	if err := c.get(ctx, "/api/events/"+url.PathEscape(eventID)+"/messages", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Members fetches the event roster used for @-mention candidates.
func (c *APIClient) Members(ctx context.Context, eventID string) ([]model.Member, error) {
	var members []model.Member
	if err := c.get(ctx, "/api/events/"+url.PathEscape(eventID)+"/members", &members); err != nil {
		return nil, err
	}
	return members, nil
}

// Tags fetches the event's free-text tag vocabulary.
func (c *APIClient) Tags(ctx context.Context, eventID string) ([]model.Tag, error) {
	var tags []model.Tag
	if err := c.get(ctx, "/api/events/"+url.PathEscape(eventID)+"/tags", &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// CreateTag adds a label to the event's tag vocabulary.
func (c *APIClient) CreateTag(ctx context.Context, eventID, label string) (*model.Tag, error) {
	body, err := json.Marshal(map[string]string{"label": label})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/events/"+url.PathEscape(eventID)+"/tags", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("api create tag: %d", resp.StatusCode)
	}
	var tag model.Tag
	if err := json.NewDecoder(resp.Body).Decode(&tag); err != nil {
		return nil, err
	}
	return &tag, nil
}

// UpdateTag renames a tag.
func (c *APIClient) UpdateTag(ctx context.Context, eventID, tagID, label string) error {
	body, err := json.Marshal(map[string]string{"label": label})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/events/"+url.PathEscape(eventID)+"/tags/"+url.PathEscape(tagID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("api update tag: %d", resp.StatusCode)
	}
	return nil
}

// DeleteTag removes a tag from the vocabulary.
func (c *APIClient) DeleteTag(ctx context.Context, eventID, tagID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/events/"+url.PathEscape(eventID)+"/tags/"+url.PathEscape(tagID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("api delete tag: %d", resp.StatusCode)
	}
	return nil
}
