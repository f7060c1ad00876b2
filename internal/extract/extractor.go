// Package extract turns discovered report cards into raw records, choosing
// between the rendered-HTML and PDF extraction paths per card.
package extract

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sdgcommons/reports-harvester/internal/harvest"
)

// Config tunes the extraction paths.
type Config struct {
	MinTextLength       int
	MaxUnprintableRatio float64
	ArchivePrefix       string
}

// Extractor implements harvest.Extractor. The content-kind decision is a
// tagged dispatch: URL suffix first, Content-Type probe second, so a new
// source format means one new kind and one new path.
type Extractor struct {
	renderer harvest.Renderer
	fetcher  harvest.Fetcher
	archiver harvest.Archiver
	primary  TextEngine
	fallback TextEngine
	gate     QualityGate
	logger   *zap.Logger
	prefix   string
}

// New wires the extraction orchestrator.
func New(
	renderer harvest.Renderer,
	fetcher harvest.Fetcher,
	archiver harvest.Archiver,
	primary, fallback TextEngine,
	cfg Config,
	logger *zap.Logger,
) *Extractor {
	prefix := strings.Trim(cfg.ArchivePrefix, "/")
	if prefix == "" {
		prefix = "reports"
	}
	return &Extractor{
		renderer: renderer,
		fetcher:  fetcher,
		archiver: archiver,
		primary:  primary,
		fallback: fallback,
		gate: QualityGate{
			MinTextLength:       cfg.MinTextLength,
			MaxUnprintableRatio: cfg.MaxUnprintableRatio,
		},
		logger: logger,
		prefix: prefix,
	}
}

// Extract maps a report card to a raw record. Failures come back as
// harvest.CardFailure values tagged with their taxonomy kind; the caller
// collects them instead of aborting the run.
func (e *Extractor) Extract(ctx context.Context, card harvest.ReportCard) (harvest.RawRecord, error) {
	if isPDFURL(card.URL) {
		return e.extractPDF(ctx, card, card.URL)
	}

	probe, err := e.fetcher.Fetch(ctx, card.URL)
	if err == nil && strings.Contains(strings.ToLower(probe.ContentType), "application/pdf") {
		return e.pdfRecordFromBytes(ctx, card, card.URL, probe.Body)
	}

	return e.extractHTML(ctx, card)
}

func (e *Extractor) extractHTML(ctx context.Context, card harvest.ReportCard) (harvest.RawRecord, error) {
	page, err := e.renderer.Render(ctx, card.URL)
	if err != nil {
		return harvest.RawRecord{}, err
	}

	content, err := parseReportPage(card.URL, page.HTML)
	if err != nil {
		return harvest.RawRecord{}, harvest.CardFailure{
			URL: card.URL, Site: card.Site, Kind: harvest.FailureContentMalformed, Err: err,
		}
	}

	// Stub pages wrap a PDF download link; follow it rather than persisting
	// the wrapper text.
	if content.PDFLink != "" && len(content.BodyText) < e.gate.MinTextLength {
		rec, pdfErr := e.extractPDF(ctx, card, content.PDFLink)
		if pdfErr == nil {
			rec.URL = card.URL
			rec.RawHTML = page.HTML
			if content.Title != "" {
				rec.Title = decorateTitle(content.Title, card.CountryText)
			}
			if content.PostedDate != nil {
				rec.PostedDate = content.PostedDate
			}
			return rec, nil
		}
		e.logger.Warn("embedded pdf extraction failed, falling back to page body",
			zap.String("url", card.URL),
			zap.String("pdf_url", content.PDFLink),
			zap.Error(pdfErr),
		)
	}

	if content.Title == "" || strings.TrimSpace(content.BodyText) == "" {
		return harvest.RawRecord{}, harvest.CardFailure{
			URL:  card.URL,
			Site: card.Site,
			Kind: harvest.FailureHTMLIncomplete,
			Err:  fmt.Errorf("missing title or body"),
		}
	}

	return harvest.RawRecord{
		URL:         card.URL,
		Site:        card.Site,
		ArticleType: string(card.Site),
		Title:       decorateTitle(content.Title, card.CountryText),
		PostedDate:  content.PostedDate,
		BodyText:    content.BodyText,
		RawHTML:     page.HTML,
		CountryText: card.CountryText,
		Kind:        harvest.KindHTML,
	}, nil
}

func (e *Extractor) extractPDF(ctx context.Context, card harvest.ReportCard, pdfURL string) (harvest.RawRecord, error) {
	result, err := e.fetcher.Fetch(ctx, pdfURL)
	if err != nil {
		return harvest.RawRecord{}, err
	}
	return e.pdfRecordFromBytes(ctx, card, pdfURL, result.Body)
}

func (e *Extractor) pdfRecordFromBytes(ctx context.Context, card harvest.ReportCard, pdfURL string, data []byte) (harvest.RawRecord, error) {
	text, err := e.extractText(data)
	if err != nil {
		return harvest.RawRecord{}, harvest.CardFailure{
			URL: pdfURL, Site: card.Site, Kind: harvest.FailurePDFUnreadable, Err: err,
		}
	}

	e.archivePDF(ctx, pdfURL, data)

	return harvest.RawRecord{
		URL:         pdfURL,
		Site:        card.Site,
		ArticleType: string(card.Site),
		Title:       fmt.Sprintf("%s Report - %s", card.Site, countryOrUnknown(card.CountryText)),
		BodyText:    text,
		CountryText: card.CountryText,
		Kind:        harvest.KindPDF,
	}, nil
}

// extractText runs the primary engine and falls back to the secondary when
// the output is empty or garbled.
func (e *Extractor) extractText(data []byte) (string, error) {
	text, primaryErr := e.primary.Text(data)
	if primaryErr == nil && e.gate.Accept(text) {
		return text, nil
	}

	e.logger.Debug("primary pdf engine rejected, trying fallback",
		zap.String("engine", e.primary.Name()),
		zap.Error(primaryErr),
	)

	fbText, fbErr := e.fallback.Text(data)
	if fbErr == nil && e.gate.Accept(fbText) {
		return fbText, nil
	}

	if primaryErr == nil && fbErr == nil {
		return "", fmt.Errorf("both engines produced empty or garbled text")
	}
	return "", fmt.Errorf("primary (%s): %v; fallback (%s): %v",
		e.primary.Name(), primaryErr, e.fallback.Name(), fbErr)
}

// archivePDF writes the source bytes to blob storage. Archival failures are
// logged and never fail the record.
func (e *Extractor) archivePDF(ctx context.Context, pdfURL string, data []byte) {
	if e.archiver == nil {
		return
	}
	path := fmt.Sprintf("%s/%x.pdf", e.prefix, sha256.Sum256(data))
	if _, err := e.archiver.Archive(ctx, path, "application/pdf", data); err != nil {
		e.logger.Warn("pdf archive failed",
			zap.String("url", pdfURL),
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

func decorateTitle(title, country string) string {
	country = strings.TrimSpace(country)
	if country == "" || strings.EqualFold(country, "unknown") {
		return title
	}
	if strings.Contains(strings.ToLower(title), strings.ToLower(country)) {
		return title
	}
	return title + " - " + country
}

func countryOrUnknown(country string) string {
	if strings.TrimSpace(country) == "" {
		return "Unknown"
	}
	return country
}
