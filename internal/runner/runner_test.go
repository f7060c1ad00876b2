package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sdgcommons/reports-harvester/internal/harvest"
	"github.com/sdgcommons/reports-harvester/internal/metrics"
	"github.com/sdgcommons/reports-harvester/internal/publish/memory"
)

func init() {
	metrics.Init()
}

type fakeDiscoverer struct {
	cards map[harvest.Site][]harvest.ReportCard
	err   error
	gate  chan struct{} // when set, Discover blocks until closed
}

func (f *fakeDiscoverer) Discover(ctx context.Context, site harvest.Site) ([]harvest.ReportCard, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.cards[site], f.err
}

type fakeExtractor struct {
	failURLs map[string]harvest.FailureKind
}

func (f *fakeExtractor) Extract(_ context.Context, card harvest.ReportCard) (harvest.RawRecord, error) {
	if kind, ok := f.failURLs[card.URL]; ok {
		return harvest.RawRecord{}, harvest.CardFailure{URL: card.URL, Site: card.Site, Kind: kind, Err: errors.New("boom")}
	}
	return harvest.RawRecord{
		URL:         card.URL,
		Site:        card.Site,
		ArticleType: string(card.Site),
		Title:       "Report",
		BodyText:    "body",
		CountryText: card.CountryText,
		Kind:        harvest.KindHTML,
	}, nil
}

type passthroughNormalizer struct{}

func (passthroughNormalizer) Normalize(_ context.Context, raw harvest.RawRecord) harvest.NormalizedRecord {
	return harvest.NormalizedRecord{RawRecord: raw, Language: "en", Relevance: 2}
}

type fakeStore struct {
	mu       sync.Mutex
	stored   []string
	failURLs map[string]bool
	nextID   int64
}

func (f *fakeStore) Upsert(_ context.Context, rec harvest.NormalizedRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failURLs[rec.URL] {
		return 0, harvest.CardFailure{URL: rec.URL, Kind: harvest.FailureStorageUnavailable, Err: errors.New("db down")}
	}
	f.stored = append(f.stored, rec.URL)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeStore) Exists(context.Context, string) (bool, error) { return false, nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

type countingEmbedder struct {
	calls atomic.Int64
}

func (c *countingEmbedder) Notify(context.Context, int64) error {
	c.calls.Add(1)
	return nil
}

type seqClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *seqClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("run-%d", s.n.Add(1)), nil
}

func cardsFor(site harvest.Site, n int) []harvest.ReportCard {
	out := make([]harvest.ReportCard, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, harvest.ReportCard{
			URL:  fmt.Sprintf("https://portal.example.org/%s/reports/%d", site, i),
			Site: site,
		})
	}
	return out
}

func newCoordinator(d harvest.Discoverer, e harvest.Extractor, s harvest.Store, emb EmbedNotifier, pub harvest.Publisher) *Coordinator {
	return New(
		Config{ExtractWorkers: 3, StoreWorkers: 2},
		d, e, passthroughNormalizer{}, s, pub, emb,
		&seqClock{now: time.Unix(1700000000, 0).UTC()},
		&seqIDs{},
		zap.NewNop(),
	)
}

func waitForRun(t *testing.T, c *Coordinator) harvest.Run {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		st := c.Status()
		if st.State == "idle" && st.LastRun != nil {
			return *st.LastRun
		}
		select {
		case <-deadline:
			t.Fatal("run did not finish in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// gatingExtractor passes one card straight through and holds every other
// card open until released.
type gatingExtractor struct {
	passURL string
	entered chan struct{}
	release chan struct{}
}

func (g *gatingExtractor) Extract(_ context.Context, card harvest.ReportCard) (harvest.RawRecord, error) {
	if card.URL != g.passURL {
		g.entered <- struct{}{}
		<-g.release
	}
	return harvest.RawRecord{
		URL:      card.URL,
		Site:     card.Site,
		Title:    "Report",
		BodyText: "body",
		Kind:     harvest.KindHTML,
	}, nil
}

type firstStoreSignal struct {
	fakeStore
	first chan struct{}
	once  sync.Once
}

func (s *firstStoreSignal) Upsert(ctx context.Context, rec harvest.NormalizedRecord) (int64, error) {
	id, err := s.fakeStore.Upsert(ctx, rec)
	s.once.Do(func() { close(s.first) })
	return id, err
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	pub := memory.New()
	embedder := &countingEmbedder{}
	c := newCoordinator(
		&fakeDiscoverer{cards: map[harvest.Site][]harvest.ReportCard{
			harvest.SiteAILA: cardsFor(harvest.SiteAILA, 4),
			harvest.SiteDRA:  cardsFor(harvest.SiteDRA, 3),
		}},
		&fakeExtractor{}, store, embedder, pub,
	)

	id, err := c.Start(nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run := waitForRun(t, c)
	require.Equal(t, harvest.RunStatusSuccess, run.Status)
	require.Equal(t, 7, run.DiscoveredCount)
	require.Equal(t, 7, run.ProcessedCount)
	require.Zero(t, run.FailedCount)
	require.Equal(t, "7 of 7 processed", run.ErrorSummary)
	require.NotNil(t, run.Finished)
	require.Equal(t, 7, store.count())
	require.Len(t, pub.Messages(), 7)
	require.EqualValues(t, 7, embedder.calls.Load())
}

func TestRunPartialFailure(t *testing.T) {
	t.Parallel()

	cards := cardsFor(harvest.SiteAILA, 12)
	store := &fakeStore{failURLs: map[string]bool{cards[11].URL: true}}
	c := newCoordinator(
		&fakeDiscoverer{cards: map[harvest.Site][]harvest.ReportCard{harvest.SiteAILA: cards}},
		&fakeExtractor{failURLs: map[string]harvest.FailureKind{
			cards[3].URL: harvest.FailureContentMalformed,
		}},
		store, nil, nil,
	)

	_, err := c.Start([]harvest.Site{harvest.SiteAILA})
	require.NoError(t, err)

	run := waitForRun(t, c)
	require.Equal(t, harvest.RunStatusPartialFailure, run.Status)
	require.Equal(t, 12, run.DiscoveredCount)
	require.Equal(t, 10, run.ProcessedCount)
	require.Equal(t, 2, run.FailedCount)
	require.Contains(t, run.ErrorSummary, "10 of 12 processed, 2 failed")
	require.Contains(t, run.ErrorSummary, "content-malformed: 1")
	require.Contains(t, run.ErrorSummary, "storage-unavailable: 1")
}

func TestRunAllCardsFailIsFailed(t *testing.T) {
	t.Parallel()

	cards := cardsFor(harvest.SiteAILA, 2)
	fails := map[string]harvest.FailureKind{}
	for _, card := range cards {
		fails[card.URL] = harvest.FailurePDFUnreadable
	}
	c := newCoordinator(
		&fakeDiscoverer{cards: map[harvest.Site][]harvest.ReportCard{harvest.SiteAILA: cards}},
		&fakeExtractor{failURLs: fails}, &fakeStore{}, nil, nil,
	)

	_, err := c.Start([]harvest.Site{harvest.SiteAILA})
	require.NoError(t, err)

	run := waitForRun(t, c)
	require.Equal(t, harvest.RunStatusFailed, run.Status)
	require.Equal(t, 0, run.ProcessedCount)
}

func TestRunZeroCardsIsFailed(t *testing.T) {
	t.Parallel()

	c := newCoordinator(&fakeDiscoverer{}, &fakeExtractor{}, &fakeStore{}, nil, nil)

	_, err := c.Start(nil)
	require.NoError(t, err)

	run := waitForRun(t, c)
	require.Equal(t, harvest.RunStatusFailed, run.Status)
	require.Zero(t, run.DiscoveredCount)
	require.Contains(t, run.ErrorSummary, "discovery-exhausted")
}

func TestStartSingleFlight(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	c := newCoordinator(
		&fakeDiscoverer{gate: gate, cards: map[harvest.Site][]harvest.ReportCard{
			harvest.SiteAILA: cardsFor(harvest.SiteAILA, 1),
		}},
		&fakeExtractor{}, &fakeStore{}, nil, nil,
	)

	first, err := c.Start(nil)
	require.NoError(t, err)

	_, err = c.Start(nil)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	st := c.Status()
	require.Equal(t, "running", st.State)
	require.Equal(t, first, st.Current.ID)

	close(gate)
	waitForRun(t, c)

	// a new run is accepted once the previous one finished
	_, err = c.Start(nil)
	require.NoError(t, err)
	waitForRun(t, c)
}

func TestStartSingleFlightUnderContention(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	c := newCoordinator(
		&fakeDiscoverer{gate: gate, cards: map[harvest.Site][]harvest.ReportCard{
			harvest.SiteAILA: cardsFor(harvest.SiteAILA, 1),
		}},
		&fakeExtractor{}, &fakeStore{}, nil, nil,
	)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Start(nil); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, accepted.Load())

	close(gate)
	waitForRun(t, c)
}

func TestRunDiscoveryPartialResults(t *testing.T) {
	t.Parallel()

	cards := cardsFor(harvest.SiteAILA, 3)
	store := &fakeStore{}
	c := newCoordinator(
		&fakeDiscoverer{
			cards: map[harvest.Site][]harvest.ReportCard{harvest.SiteAILA: cards},
			err:   errors.New("page 2 render exhausted retries"),
		},
		&fakeExtractor{}, store, nil, nil,
	)

	_, err := c.Start([]harvest.Site{harvest.SiteAILA})
	require.NoError(t, err)

	run := waitForRun(t, c)
	// partial discovery still processes what was found, but the run cannot
	// claim full success
	require.Equal(t, harvest.RunStatusPartialFailure, run.Status)
	require.Equal(t, 3, run.ProcessedCount)
	require.Equal(t, 3, store.count())
}

func TestRunCancelledMidRunIsPartialFailure(t *testing.T) {
	t.Parallel()

	cards := cardsFor(harvest.SiteAILA, 5)
	extractor := &gatingExtractor{
		passURL: cards[0].URL,
		entered: make(chan struct{}, len(cards)),
		release: make(chan struct{}),
	}
	store := &firstStoreSignal{first: make(chan struct{})}
	c := New(
		Config{ExtractWorkers: 1, StoreWorkers: 1},
		&fakeDiscoverer{cards: map[harvest.Site][]harvest.ReportCard{harvest.SiteAILA: cards}},
		extractor, passthroughNormalizer{}, store, nil, nil,
		&seqClock{now: time.Unix(1700000000, 0).UTC()},
		&seqIDs{},
		zap.NewNop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.SetBaseContext(ctx)

	_, err := c.Start([]harvest.Site{harvest.SiteAILA})
	require.NoError(t, err)

	// Let the first card land, hold the second in extraction, then cancel so
	// the remaining cards are never fed to a worker. The gate stays shut
	// until the feed has drained them.
	<-store.first
	<-extractor.entered
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(extractor.release)

	run := waitForRun(t, c)
	// cards dropped by cancellation produce no failure entries, but the run
	// still must not report a clean pass
	require.Equal(t, harvest.RunStatusPartialFailure, run.Status)
	require.Zero(t, run.FailedCount)
	require.GreaterOrEqual(t, run.ProcessedCount, 1)
	require.Less(t, run.ProcessedCount+run.FailedCount, run.DiscoveredCount)
}

func TestStatusSnapshotConsistentDuringRun(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	c := newCoordinator(
		&fakeDiscoverer{cards: map[harvest.Site][]harvest.ReportCard{
			harvest.SiteAILA: cardsFor(harvest.SiteAILA, 150),
			harvest.SiteDRA:  cardsFor(harvest.SiteDRA, 150),
		}},
		&fakeExtractor{}, store, &countingEmbedder{}, memory.New(),
	)

	_, err := c.Start(nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Wait()
	}()

	// Hammer Status while the run executes: an in-flight run must never show
	// finished fields, and a finished run must never show running ones.
	for {
		st := c.Status()
		if st.Current != nil {
			require.Equal(t, harvest.RunStatusRunning, st.Current.Status)
			require.Nil(t, st.Current.Finished)
		}
		if st.LastRun != nil {
			require.NotEqual(t, harvest.RunStatusRunning, st.LastRun.Status)
			require.NotNil(t, st.LastRun.Finished)
		}
		select {
		case <-done:
			require.Equal(t, harvest.RunStatusSuccess, c.Status().LastRun.Status)
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestSchedulerTriggersAndSkips(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	c := newCoordinator(
		&fakeDiscoverer{gate: gate, cards: map[harvest.Site][]harvest.ReportCard{
			harvest.SiteAILA: cardsFor(harvest.SiteAILA, 1),
		}},
		&fakeExtractor{}, &fakeStore{}, nil, nil,
	)
	s := NewScheduler(c, 10*time.Millisecond, true, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return c.Status().State == "running"
	}, time.Second, 5*time.Millisecond)

	// later ticks while the run is blocked must be skipped, not queued
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, "running", c.Status().State)

	close(gate)
	require.Eventually(t, func() bool {
		st := c.Status()
		return st.LastRun != nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	c.Wait()
}
