// Package publish holds publisher implementations for stored report events.
package publish

import "context"

// StoredEvent is the payload published after a record is upserted.
type StoredEvent struct {
	ArticleID int64  `json:"article_id"`
	URL       string `json:"url"`
	Site      string `json:"site"`
	Country   string `json:"country"`
	Language  string `json:"language"`
	RunID     string `json:"run_id"`
}

// NoopPublisher discards events. Used when publishing is disabled.
type NoopPublisher struct{}

// Publish reports an empty ID and no error.
func (NoopPublisher) Publish(_ context.Context, _ any) (string, error) {
	return "", nil
}
