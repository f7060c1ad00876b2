package extract

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// htmlContent is the intermediate result of parsing a rendered report page.
type htmlContent struct {
	Title      string
	BodyText   string
	PostedDate *time.Time
	PDFLink    string
}

var postedDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"January 2, 2006",
	"2 January 2006",
}

// parseReportPage pulls title, body paragraphs, posted date, and the first
// embedded PDF link out of a rendered article page.
func parseReportPage(pageURL, html string) (htmlContent, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return htmlContent{}, fmt.Errorf("parse article html: %w", err)
	}

	var out htmlContent
	out.Title = strings.TrimSpace(doc.Find("h1").First().Text())

	var paragraphs []string
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		if text := strings.TrimSpace(p.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	out.BodyText = strings.Join(paragraphs, "\n")
	out.PostedDate = findPostedDate(doc)
	out.PDFLink = findPDFLink(pageURL, doc)

	return out, nil
}

func findPostedDate(doc *goquery.Document) *time.Time {
	candidates := []string{
		doc.Find("meta[property='article:published_time']").AttrOr("content", ""),
		doc.Find("time[datetime]").AttrOr("datetime", ""),
		strings.TrimSpace(doc.Find("time").First().Text()),
	}
	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		for _, layout := range postedDateLayouts {
			if parsed, err := time.Parse(layout, raw); err == nil {
				parsed = parsed.UTC()
				return &parsed
			}
		}
	}
	return nil
}

func findPDFLink(pageURL string, doc *goquery.Document) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	link := ""
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if !strings.HasSuffix(strings.ToLower(strings.TrimSpace(href)), ".pdf") {
			return true
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		link = base.ResolveReference(ref).String()
		return false
	})
	return link
}

// isPDFURL reports whether the URL points directly at a PDF document.
func isPDFURL(rawURL string) bool {
	lowered := strings.ToLower(rawURL)
	if strings.HasSuffix(lowered, ".pdf") {
		return true
	}
	if parsed, err := url.Parse(lowered); err == nil {
		return strings.HasSuffix(parsed.Path, ".pdf")
	}
	return false
}
