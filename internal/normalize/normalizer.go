// Package normalize enriches raw records with geography and language.
package normalize

import (
	"context"

	"github.com/sdgcommons/reports-harvester/internal/harvest"
)

// DefaultRelevance is the passthrough relevance value assigned to every
// harvested record.
const DefaultRelevance = 2

// Normalizer composes the geo resolver and language detector. It carries no
// retry logic of its own; retries belong to the components it calls.
type Normalizer struct {
	geo      harvest.GeoResolver
	language harvest.LanguageDetector
}

// New wires a Normalizer.
func New(geo harvest.GeoResolver, language harvest.LanguageDetector) *Normalizer {
	return &Normalizer{geo: geo, language: language}
}

// Normalize produces the persistable record. A missing country text yields
// unresolved geography rather than a failure, and language falls back to
// "unknown"; neither outcome drops the record.
func (n *Normalizer) Normalize(ctx context.Context, raw harvest.RawRecord) harvest.NormalizedRecord {
	geo := n.geo.Resolve(ctx, raw.CountryText)
	lang := n.language.Detect(raw.BodyText)

	country := geo.Country
	if country == "" {
		country = raw.CountryText
	}
	tags := []string{raw.ArticleType}
	if country != "" {
		tags = append(tags, country)
	}

	return harvest.NormalizedRecord{
		RawRecord: raw,
		Language:  lang,
		Geography: geo,
		Relevance: DefaultRelevance,
		Tags:      tags,
	}
}
