package harvest

import (
	"context"
	"net/http"
	"time"
)

// Page is a rendered DOM snapshot returned by the Renderer.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	HTML       string
}

// Renderer loads a URL in a JavaScript-capable browser and returns the
// rendered document. Implementations own a single exclusive browser session.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (Page, error)
	Close(ctx context.Context) error
}

// Fetcher performs a plain HTTP GET, used for PDF bytes and content-type
// probing where no JavaScript execution is needed.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResult, error)
}

// FetchResult is the body plus metadata of a plain fetch.
type FetchResult struct {
	URL         string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
}

// Discoverer enumerates report cards for one site. The sequence is finite
// and restarted from scratch each run; there is no persisted cursor.
type Discoverer interface {
	Discover(ctx context.Context, site Site) ([]ReportCard, error)
}

// Extractor turns a report card into a raw record or a CardFailure.
type Extractor interface {
	Extract(ctx context.Context, card ReportCard) (RawRecord, error)
}

// GeoResolver maps free-text country names to canonical geography.
// Unresolved input yields Geography{Resolved: false}, not an error.
type GeoResolver interface {
	Resolve(ctx context.Context, countryText string) Geography
}

// LanguageDetector maps text to an ISO 639-1 code, or "unknown" when the
// text is too short or ambiguous. Pure; no network, no shared mutable state.
type LanguageDetector interface {
	Detect(text string) string
}

// Store persists normalized records keyed by URL.
type Store interface {
	Upsert(ctx context.Context, rec NormalizedRecord) (int64, error)
	Exists(ctx context.Context, url string) (bool, error)
}

// Archiver writes fetched source bytes to blob storage and returns a URI.
type Archiver interface {
	Archive(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher emits stored-record events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy decides whether and when an operation is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
