// Package language wraps lingua for deterministic language detection.
package language

import (
	"strings"
	"unicode/utf8"

	"github.com/pemistahl/lingua-go"
)

// Unknown is returned when the text is too short or detection is not
// confident enough to commit to a code.
const Unknown = "unknown"

// Config tunes the detection thresholds.
type Config struct {
	MinTokens   int
	SampleBytes int
}

// Detector implements harvest.LanguageDetector. The lingua detector is
// built once at construction and is safe for concurrent use; Detect itself
// holds no mutable state.
type Detector struct {
	detector    lingua.LanguageDetector
	minTokens   int
	sampleBytes int
}

// New builds a Detector over all lingua-supported languages.
func New(cfg Config) *Detector {
	minTokens := cfg.MinTokens
	if minTokens <= 0 {
		minTokens = 8
	}
	sampleBytes := cfg.SampleBytes
	if sampleBytes <= 0 {
		sampleBytes = 1000
	}
	return &Detector{
		detector: lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			Build(),
		minTokens:   minTokens,
		sampleBytes: sampleBytes,
	}
}

// Detect returns the ISO 639-1 code for the text, or Unknown when the text
// falls below the token threshold or detection is ambiguous.
func (d *Detector) Detect(text string) string {
	sample := truncateAtRuneBoundary(strings.TrimSpace(text), d.sampleBytes)
	if len(strings.Fields(sample)) < d.minTokens {
		return Unknown
	}
	lang, ok := d.detector.DetectLanguageOf(sample)
	if !ok {
		return Unknown
	}
	return strings.ToLower(lang.IsoCode639_1().String())
}

// truncateAtRuneBoundary caps s at n bytes, backing the cut up so a
// multibyte rune straddling the limit is dropped whole rather than split
// into an invalid trailing byte.
func truncateAtRuneBoundary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
