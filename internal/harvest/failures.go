package harvest

import (
	"fmt"
	"sort"
	"strings"
)

// FailureKind classifies why a card or record could not be processed.
type FailureKind string

// Failure taxonomy. GeoUnresolved and LanguageUnknown are deliberately
// absent: those are valid terminal states persisted on the record, not
// failures.
const (
	FailureTransientFetch     FailureKind = "transient-fetch"
	FailureContentMalformed   FailureKind = "content-malformed"
	FailureHTMLIncomplete     FailureKind = "html-incomplete"
	FailurePDFUnreadable      FailureKind = "pdf-unreadable"
	FailureStorageUnavailable FailureKind = "storage-unavailable"
	FailureDiscoveryExhausted FailureKind = "discovery-exhausted"
)

// CardFailure records one per-card or per-record failure. Failures are
// collected into the run summary, never raised past the pipeline boundary.
type CardFailure struct {
	URL  string
	Site Site
	Kind FailureKind
	Err  error
}

// Error implements the error interface so failures can travel as errors
// inside the pipeline while still carrying their kind.
func (f CardFailure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.URL)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.URL, f.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (f CardFailure) Unwrap() error { return f.Err }

// SummarizeFailures renders the human-readable run summary, e.g.
// "10 of 12 processed, 2 failed (content-malformed: 2)". Only taxonomy
// kinds and counts are exposed, never raw error text.
func SummarizeFailures(processed, discovered int, failures []CardFailure) string {
	if len(failures) == 0 {
		return fmt.Sprintf("%d of %d processed", processed, discovered)
	}
	counts := make(map[FailureKind]int)
	for _, f := range failures {
		counts[f.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s: %d", k, counts[FailureKind(k)]))
	}
	return fmt.Sprintf("%d of %d processed, %d failed (%s)",
		processed, discovered, len(failures), strings.Join(parts, ", "))
}
