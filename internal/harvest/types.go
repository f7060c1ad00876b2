// Package harvest defines core types shared across the report pipeline.
package harvest

import "time"

// Site identifies one of the institutional portals being harvested.
type Site string

// Portals currently harvested.
const (
	SiteAILA Site = "AILA"
	SiteDRA  Site = "DRA"
)

// ParseSite maps a case-insensitive site name to its Site value.
func ParseSite(name string) (Site, bool) {
	switch name {
	case "AILA", "aila", "Aila":
		return SiteAILA, true
	case "DRA", "dra", "Dra":
		return SiteDRA, true
	}
	return "", false
}

// ContentKind tags the extraction path chosen for a report card.
type ContentKind string

// Extraction paths.
const (
	KindHTML ContentKind = "html"
	KindPDF  ContentKind = "pdf"
)

// ReportCard is a single listing entry pointing at one downstream document.
// Cards are ephemeral; they are consumed by the extractor, never persisted.
type ReportCard struct {
	URL          string
	Site         Site
	CountryText  string
	DiscoveredAt time.Time
}

// RawRecord is the extractor's output before geo/language enrichment.
type RawRecord struct {
	URL         string
	Site        Site
	ArticleType string
	Title       string
	PostedDate  *time.Time
	BodyText    string
	RawHTML     string // empty for PDF-sourced records
	CountryText string
	Kind        ContentKind
}

// Geography is the resolved location for a record. Unresolved geography
// carries the designated unknown ISO3 and zero coordinates.
type Geography struct {
	Country  string
	ISO3     string
	Lat      float64
	Lng      float64
	Resolved bool
}

// NormalizedRecord is the unit persisted by the store.
type NormalizedRecord struct {
	RawRecord
	Language  string
	Geography Geography
	Relevance int
	Tags      []string
}

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

// Run status values recorded by the coordinator.
const (
	RunStatusRunning        RunStatus = "running"
	RunStatusSuccess        RunStatus = "success"
	RunStatusPartialFailure RunStatus = "partial_failure"
	RunStatusFailed         RunStatus = "failed"
)

// Run captures the metadata for one pipeline execution. A Run is created by
// the coordinator at start, mutated only by the coordinator, and immutable
// once Finished is set.
type Run struct {
	ID              string     `json:"id"`
	Started         time.Time  `json:"started_at"`
	Finished        *time.Time `json:"finished_at,omitempty"`
	Status          RunStatus  `json:"status"`
	DiscoveredCount int        `json:"discovered_count"`
	ProcessedCount  int        `json:"processed_count"`
	FailedCount     int        `json:"failed_count"`
	ErrorSummary    string     `json:"error_summary,omitempty"`
	Sites           []Site     `json:"sites"`
}
