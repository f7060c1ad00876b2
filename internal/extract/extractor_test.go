package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sdgcommons/reports-harvester/internal/harvest"
)

const reportBody = "The assessment covers digital readiness across ministries and agencies. " +
	"Findings indicate steady progress on connectivity and a growing developer community."

const articleHTML = `<html><head>
<meta property="article:published_time" content="2024-03-15T10:00:00Z">
</head><body>
<h1>Digital Readiness Assessment</h1>
<p>` + reportBody + `</p>
<p>Recommendations follow in the annex.</p>
</body></html>`

type stubRenderer struct {
	html string
	err  error
}

func (s stubRenderer) Render(_ context.Context, rawURL string) (harvest.Page, error) {
	if s.err != nil {
		return harvest.Page{}, s.err
	}
	return harvest.Page{URL: rawURL, StatusCode: 200, HTML: s.html}, nil
}

func (s stubRenderer) Close(context.Context) error { return nil }

type stubFetcher struct {
	body        []byte
	contentType string
	err         error
}

func (s stubFetcher) Fetch(_ context.Context, rawURL string) (harvest.FetchResult, error) {
	if s.err != nil {
		return harvest.FetchResult{}, s.err
	}
	return harvest.FetchResult{
		URL:         rawURL,
		StatusCode:  200,
		ContentType: s.contentType,
		Body:        s.body,
	}, nil
}

type stubEngine struct {
	name string
	text string
	err  error
}

func (s stubEngine) Name() string { return s.name }

func (s stubEngine) Text([]byte) (string, error) { return s.text, s.err }

type recordingArchiver struct {
	paths []string
	err   error
}

func (a *recordingArchiver) Archive(_ context.Context, path, _ string, _ []byte) (string, error) {
	a.paths = append(a.paths, path)
	if a.err != nil {
		return "", a.err
	}
	return "gs://bucket/" + path, nil
}

func newExtractor(r harvest.Renderer, f harvest.Fetcher, primary, fallback TextEngine, archiver harvest.Archiver) *Extractor {
	return New(r, f, archiver, primary, fallback, Config{
		MinTextLength:       40,
		MaxUnprintableRatio: 0.2,
	}, zap.NewNop())
}

func htmlCard() harvest.ReportCard {
	return harvest.ReportCard{
		URL:         "https://portal.example.org/reports/kenya-dra",
		Site:        harvest.SiteDRA,
		CountryText: "Kenya",
	}
}

func TestExtractHTMLRecord(t *testing.T) {
	t.Parallel()

	e := newExtractor(stubRenderer{html: articleHTML}, stubFetcher{contentType: "text/html"}, stubEngine{}, stubEngine{}, nil)

	rec, err := e.Extract(context.Background(), htmlCard())
	require.NoError(t, err)
	require.Equal(t, harvest.KindHTML, rec.Kind)
	require.Equal(t, "https://portal.example.org/reports/kenya-dra", rec.URL)
	require.Equal(t, harvest.SiteDRA, rec.Site)
	require.Equal(t, "DRA", rec.ArticleType)
	require.Equal(t, "Digital Readiness Assessment - Kenya", rec.Title)
	require.Contains(t, rec.BodyText, "digital readiness")
	require.Contains(t, rec.RawHTML, "<h1>")
	require.Equal(t, "Kenya", rec.CountryText)
	require.NotNil(t, rec.PostedDate)
	require.Equal(t, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), rec.PostedDate.UTC())
}

func TestExtractHTMLTitleAlreadyMentionsCountry(t *testing.T) {
	t.Parallel()

	html := strings.Replace(articleHTML, "Digital Readiness Assessment", "Kenya Digital Readiness Assessment", 1)
	e := newExtractor(stubRenderer{html: html}, stubFetcher{contentType: "text/html"}, stubEngine{}, stubEngine{}, nil)

	rec, err := e.Extract(context.Background(), htmlCard())
	require.NoError(t, err)
	require.Equal(t, "Kenya Digital Readiness Assessment", rec.Title)
}

func TestExtractHTMLMissingBodyFails(t *testing.T) {
	t.Parallel()

	e := newExtractor(stubRenderer{html: "<html><body><h1>Title Only</h1></body></html>"},
		stubFetcher{contentType: "text/html"}, stubEngine{}, stubEngine{}, nil)

	_, err := e.Extract(context.Background(), htmlCard())
	var failure harvest.CardFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, harvest.FailureHTMLIncomplete, failure.Kind)
}

func TestExtractHTMLRenderFailurePropagates(t *testing.T) {
	t.Parallel()

	renderErr := harvest.CardFailure{Kind: harvest.FailureTransientFetch, Err: errors.New("timeout")}
	e := newExtractor(stubRenderer{err: renderErr}, stubFetcher{contentType: "text/html"}, stubEngine{}, stubEngine{}, nil)

	_, err := e.Extract(context.Background(), htmlCard())
	var failure harvest.CardFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, harvest.FailureTransientFetch, failure.Kind)
}

func TestExtractDirectPDF(t *testing.T) {
	t.Parallel()

	archiver := &recordingArchiver{}
	e := newExtractor(stubRenderer{}, stubFetcher{body: []byte("%PDF-1.4 fake")},
		stubEngine{name: "fitz", text: reportBody}, stubEngine{name: "plain"}, archiver)

	card := harvest.ReportCard{
		URL:         "https://portal.example.org/files/kenya.pdf",
		Site:        harvest.SiteAILA,
		CountryText: "Kenya",
	}
	rec, err := e.Extract(context.Background(), card)
	require.NoError(t, err)
	require.Equal(t, harvest.KindPDF, rec.Kind)
	require.Equal(t, "AILA Report - Kenya", rec.Title)
	require.Equal(t, reportBody, rec.BodyText)
	require.Empty(t, rec.RawHTML)
	require.Len(t, archiver.paths, 1)
	require.True(t, strings.HasSuffix(archiver.paths[0], ".pdf"))
}

func TestExtractPDFByContentType(t *testing.T) {
	t.Parallel()

	e := newExtractor(stubRenderer{}, stubFetcher{body: []byte("%PDF-1.4 fake"), contentType: "application/pdf"},
		stubEngine{name: "fitz", text: reportBody}, stubEngine{name: "plain"}, nil)

	card := harvest.ReportCard{
		URL:  "https://portal.example.org/download/999",
		Site: harvest.SiteAILA,
	}
	rec, err := e.Extract(context.Background(), card)
	require.NoError(t, err)
	require.Equal(t, harvest.KindPDF, rec.Kind)
	require.Equal(t, "AILA Report - Unknown", rec.Title)
}

func TestExtractPDFFallbackEngine(t *testing.T) {
	t.Parallel()

	e := newExtractor(stubRenderer{}, stubFetcher{body: []byte("%PDF-1.4 fake")},
		stubEngine{name: "fitz", text: "\x00\x01\x02"},
		stubEngine{name: "plain", text: reportBody}, nil)

	card := harvest.ReportCard{URL: "https://portal.example.org/files/x.pdf", Site: harvest.SiteAILA, CountryText: "Ghana"}
	rec, err := e.Extract(context.Background(), card)
	require.NoError(t, err)
	require.Equal(t, reportBody, rec.BodyText)
}

func TestExtractPDFBothEnginesFail(t *testing.T) {
	t.Parallel()

	e := newExtractor(stubRenderer{}, stubFetcher{body: []byte("junk")},
		stubEngine{name: "fitz", err: errors.New("bad xref")},
		stubEngine{name: "plain", err: errors.New("not a pdf")}, nil)

	card := harvest.ReportCard{URL: "https://portal.example.org/files/x.pdf", Site: harvest.SiteAILA}
	_, err := e.Extract(context.Background(), card)
	var failure harvest.CardFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, harvest.FailurePDFUnreadable, failure.Kind)
}

func TestExtractFollowsEmbeddedPDFFromStubPage(t *testing.T) {
	t.Parallel()

	stubHTML := `<html><body>
<h1>Kenya Assessment</h1>
<p>Download below.</p>
<a href="/files/kenya-full.pdf">Full report</a>
</body></html>`
	e := newExtractor(stubRenderer{html: stubHTML}, stubFetcher{body: []byte("%PDF-1.4 fake")},
		stubEngine{name: "fitz", text: reportBody}, stubEngine{name: "plain"}, nil)

	rec, err := e.Extract(context.Background(), htmlCard())
	require.NoError(t, err)
	require.Equal(t, harvest.KindPDF, rec.Kind)
	// the article URL and wrapper HTML stay with the record, not the PDF URL
	require.Equal(t, "https://portal.example.org/reports/kenya-dra", rec.URL)
	require.Contains(t, rec.RawHTML, "Download below")
	require.Equal(t, "Kenya Assessment", rec.Title)
	require.Equal(t, reportBody, rec.BodyText)
}

func TestExtractArchiveFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	archiver := &recordingArchiver{err: errors.New("bucket gone")}
	e := newExtractor(stubRenderer{}, stubFetcher{body: []byte("%PDF-1.4 fake")},
		stubEngine{name: "fitz", text: reportBody}, stubEngine{name: "plain"}, archiver)

	card := harvest.ReportCard{URL: "https://portal.example.org/files/x.pdf", Site: harvest.SiteAILA}
	_, err := e.Extract(context.Background(), card)
	require.NoError(t, err)
}

func TestQualityGate(t *testing.T) {
	t.Parallel()

	gate := QualityGate{MinTextLength: 10, MaxUnprintableRatio: 0.2}

	require.True(t, gate.Accept("a perfectly ordinary paragraph of text"))
	require.False(t, gate.Accept("short"))
	require.False(t, gate.Accept("   \n\t  "))
	require.False(t, gate.Accept("\x00\x01\x02\x03\x00\x01\x02\x03\x00\x01\x02\x03"))
}

func TestIsPDFURL(t *testing.T) {
	t.Parallel()

	require.True(t, isPDFURL("https://x.org/a/report.pdf"))
	require.True(t, isPDFURL("https://x.org/a/REPORT.PDF"))
	require.True(t, isPDFURL("https://x.org/a/report.pdf?download=1"))
	require.False(t, isPDFURL("https://x.org/a/report"))
	require.False(t, isPDFURL("https://x.org/a/report.pdf.html"))
}
