// Package discovery enumerates report cards from portal listing pages.
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/sdgcommons/reports-harvester/internal/harvest"
)

// SiteConfig describes how to enumerate one portal. The selectors default
// to the portal's current card markup.
type SiteConfig struct {
	Site            harvest.Site
	ListingURL      string
	MaxPages        int
	CardSelector    string
	LabelSelector   string
	LinkSelector    string
	CountrySelector string
}

func (c SiteConfig) withDefaults() SiteConfig {
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.CardSelector == "" {
		c.CardSelector = "div.feature__card"
	}
	if c.LabelSelector == "" {
		c.LabelSelector = "h6.coh-heading"
	}
	if c.LinkSelector == "" {
		c.LinkSelector = "a[href]"
	}
	if c.CountrySelector == "" {
		c.CountrySelector = "h5.coh-heading"
	}
	return c
}

// Discoverer renders listing pages and parses them into report cards.
type Discoverer struct {
	renderer harvest.Renderer
	retry    harvest.RetryPolicy
	clock    harvest.Clock
	logger   *zap.Logger
	sites    map[harvest.Site]SiteConfig
}

// New builds a Discoverer for the configured sites.
func New(
	renderer harvest.Renderer,
	retry harvest.RetryPolicy,
	clock harvest.Clock,
	logger *zap.Logger,
	sites []SiteConfig,
) *Discoverer {
	byName := make(map[harvest.Site]SiteConfig, len(sites))
	for _, s := range sites {
		byName[s.Site] = s.withDefaults()
	}
	return &Discoverer{
		renderer: renderer,
		retry:    retry,
		clock:    clock,
		logger:   logger,
		sites:    byName,
	}
}

// Discover enumerates report cards for one site, paginating until a page
// yields zero new cards or the configured page cap is reached. Duplicate
// URLs within the pass are suppressed. If retries for a page exhaust,
// whatever was already found is returned along with the page error.
func (d *Discoverer) Discover(ctx context.Context, site harvest.Site) ([]harvest.ReportCard, error) {
	cfg, ok := d.sites[site]
	if !ok {
		return nil, fmt.Errorf("unknown site %q", site)
	}

	var cards []harvest.ReportCard
	seen := make(map[string]struct{})

	for pageNum := 0; pageNum < cfg.MaxPages; pageNum++ {
		if ctx.Err() != nil {
			return cards, fmt.Errorf("discovery canceled: %w", ctx.Err())
		}

		pageURL, err := buildPageURL(cfg.ListingURL, pageNum)
		if err != nil {
			return cards, fmt.Errorf("build listing url: %w", err)
		}

		page, err := d.renderWithRetry(ctx, pageURL)
		if err != nil {
			d.logger.Warn("listing page render exhausted retries, keeping partial results",
				zap.String("site", string(site)),
				zap.String("url", pageURL),
				zap.Error(err),
			)
			return cards, err
		}

		pageCards, err := d.parseCards(cfg, page)
		if err != nil {
			d.logger.Warn("listing page parse failed, keeping partial results",
				zap.String("site", string(site)),
				zap.String("url", pageURL),
				zap.Error(err),
			)
			return cards, err
		}

		fresh := 0
		for _, c := range pageCards {
			if _, dup := seen[c.URL]; dup {
				continue
			}
			seen[c.URL] = struct{}{}
			cards = append(cards, c)
			fresh++
		}

		d.logger.Debug("listing page parsed",
			zap.String("site", string(site)),
			zap.Int("page", pageNum),
			zap.Int("new_cards", fresh),
		)

		if fresh == 0 {
			break
		}
	}

	return cards, nil
}

func (d *Discoverer) renderWithRetry(ctx context.Context, pageURL string) (harvest.Page, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		page, err := d.renderer.Render(ctx, pageURL)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !d.retry.ShouldRetry(err, attempt) {
			break
		}
		select {
		case <-time.After(d.retry.Backoff(attempt)):
		case <-ctx.Done():
			return harvest.Page{}, fmt.Errorf("render retry canceled: %w", ctx.Err())
		}
	}
	return harvest.Page{}, lastErr
}

func (d *Discoverer) parseCards(cfg SiteConfig, page harvest.Page) ([]harvest.ReportCard, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}

	now := d.clock.Now()
	var cards []harvest.ReportCard
	doc.Find(cfg.CardSelector).Each(func(_ int, card *goquery.Selection) {
		label := strings.TrimSpace(card.Find(cfg.LabelSelector).First().Text())
		if !strings.EqualFold(label, "report") {
			return
		}
		href, ok := card.Find(cfg.LinkSelector).First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		cards = append(cards, harvest.ReportCard{
			URL:          base.ResolveReference(ref).String(),
			Site:         cfg.Site,
			CountryText:  extractCountry(card, cfg.CountrySelector),
			DiscoveredAt: now,
		})
	})
	return cards, nil
}

// extractCountry pulls the country heading off a card. Falls back to any
// short h5 text, then "Unknown", matching the portal's uneven markup.
func extractCountry(card *goquery.Selection, selector string) string {
	if country := strings.TrimSpace(card.Find(selector).First().Text()); country != "" {
		return country
	}
	found := ""
	card.Find("h5").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		text := strings.TrimSpace(h.Text())
		if text != "" && len(text) < 50 {
			found = text
			return false
		}
		return true
	})
	if found != "" {
		return found
	}
	return "Unknown"
}

func buildPageURL(listing string, pageNum int) (string, error) {
	if pageNum == 0 {
		return listing, nil
	}
	parsed, err := url.Parse(listing)
	if err != nil {
		return "", fmt.Errorf("invalid listing url %s: %w", listing, err)
	}
	query := parsed.Query()
	query.Set("page", strconv.Itoa(pageNum))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
