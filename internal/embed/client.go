// Package embed notifies an external embedding service about newly stored
// articles so they become searchable.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds the embedding service connection settings. The client is
// enabled only when every field is set.
type Config struct {
	BaseURL    string
	APIToken   string
	WriteToken string
	Database   string
	Timeout    time.Duration
}

// Client calls the embedding service's add endpoint.
type Client struct {
	cfg  Config
	http *http.Client
}

// New returns a Client, or nil when the config is incomplete. A nil Client
// is safe to call; Notify becomes a no-op.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" || cfg.APIToken == "" || cfg.WriteToken == "" || cfg.Database == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

type addRequest struct {
	Token       string `json:"token"`
	WriteAccess string `json:"write_access"`
	DB          string `json:"db"`
	MainID      string `json:"main_id"`
}

// Notify asks the service to index the stored article. The article ID is
// namespaced the way the service expects blog-style records.
func (c *Client) Notify(ctx context.Context, articleID int64) error {
	if c == nil {
		return nil
	}
	body, err := json.Marshal(addRequest{
		Token:       c.cfg.APIToken,
		WriteAccess: c.cfg.WriteToken,
		DB:          c.cfg.Database,
		MainID:      fmt.Sprintf("blog:%d", articleID),
	})
	if err != nil {
		return fmt.Errorf("marshal embed request: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/embed/add"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call embed service: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("embed service returned %d", resp.StatusCode)
	}
	return nil
}
