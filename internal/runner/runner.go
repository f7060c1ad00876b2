// Package runner coordinates harvest runs: single-flight triggering, the
// extract/store worker pipeline, and run status accounting.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sdgcommons/reports-harvester/internal/harvest"
	"github.com/sdgcommons/reports-harvester/internal/metrics"
	"github.com/sdgcommons/reports-harvester/internal/publish"
)

// ErrAlreadyRunning is returned by Start while a run is in flight.
var ErrAlreadyRunning = errors.New("a harvest run is already in progress")

// Normalizer enriches a raw record; it never fails.
type Normalizer interface {
	Normalize(ctx context.Context, raw harvest.RawRecord) harvest.NormalizedRecord
}

// EmbedNotifier tells the embedding service about a stored article.
type EmbedNotifier interface {
	Notify(ctx context.Context, articleID int64) error
}

// Config sizes the pipeline.
type Config struct {
	ExtractWorkers int
	StoreWorkers   int
}

// Coordinator owns run lifecycle. At most one run executes at a time;
// scheduled and manually triggered runs funnel through the same gate.
type Coordinator struct {
	cfg        Config
	discoverer harvest.Discoverer
	extractor  harvest.Extractor
	normalizer Normalizer
	store      harvest.Store
	publisher  harvest.Publisher
	embedder   EmbedNotifier
	clock      harvest.Clock
	ids        harvest.IDGenerator
	logger     *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	current *harvest.Run
	last    *harvest.Run
	wg      sync.WaitGroup
}

// New wires a Coordinator. Worker counts default to 4 extract / 2 store.
func New(
	cfg Config,
	discoverer harvest.Discoverer,
	extractor harvest.Extractor,
	normalizer Normalizer,
	store harvest.Store,
	publisher harvest.Publisher,
	embedder EmbedNotifier,
	clock harvest.Clock,
	ids harvest.IDGenerator,
	logger *zap.Logger,
) *Coordinator {
	if cfg.ExtractWorkers <= 0 {
		cfg.ExtractWorkers = 4
	}
	if cfg.StoreWorkers <= 0 {
		cfg.StoreWorkers = 2
	}
	return &Coordinator{
		cfg:        cfg,
		discoverer: discoverer,
		extractor:  extractor,
		normalizer: normalizer,
		store:      store,
		publisher:  publisher,
		embedder:   embedder,
		clock:      clock,
		ids:        ids,
		logger:     logger,
		baseCtx:    context.Background(),
	}
}

// SetBaseContext sets the context runs execute under. Runs outlive the HTTP
// request that triggered them, so they must hang off the process context,
// not the request's.
func (c *Coordinator) SetBaseContext(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseCtx = ctx
}

// Start triggers a run over the given sites (all sites when empty). It
// returns the run ID immediately; the run proceeds in the background. A
// second Start while a run is in flight returns ErrAlreadyRunning.
func (c *Coordinator) Start(sites []harvest.Site) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return "", ErrAlreadyRunning
	}
	id, err := c.ids.NewID()
	if err != nil {
		return "", err
	}
	if len(sites) == 0 {
		sites = []harvest.Site{harvest.SiteAILA, harvest.SiteDRA}
	}
	run := &harvest.Run{
		ID:      id,
		Started: c.clock.Now(),
		Status:  harvest.RunStatusRunning,
		Sites:   sites,
	}
	c.current = run
	ctx := c.baseCtx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(ctx, run)
	}()
	return id, nil
}

// Status reports the in-flight run (if any) and the last finished run.
type Status struct {
	State   string       `json:"state"`
	Current *harvest.Run `json:"current_run,omitempty"`
	LastRun *harvest.Run `json:"last_run,omitempty"`
}

// Status returns a snapshot of coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: "idle", LastRun: c.last}
	if c.current != nil {
		st.State = "running"
		cur := *c.current
		st.Current = &cur
	}
	return st
}

// Wait blocks until any in-flight run finishes.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) execute(ctx context.Context, run *harvest.Run) {
	logger := c.logger.With(zap.String("run_id", run.ID))
	logger.Info("run started", zap.Any("sites", run.Sites))

	var (
		cards    []harvest.ReportCard
		failures []harvest.CardFailure
	)
	discoveryFailed := false
	for _, site := range run.Sites {
		found, err := c.discoverer.Discover(ctx, site)
		cards = append(cards, found...)
		metrics.ObserveDiscovered(string(site), len(found))
		if err != nil {
			discoveryFailed = true
			logger.Error("discovery failed",
				zap.String("site", string(site)),
				zap.Int("partial_cards", len(found)),
				zap.Error(err))
		}
	}
	c.mu.Lock()
	run.DiscoveredCount = len(cards)
	c.mu.Unlock()

	if len(cards) == 0 {
		failures = append(failures, harvest.CardFailure{
			Kind: harvest.FailureDiscoveryExhausted,
		})
		c.finish(run, 0, failures, discoveryFailed)
		return
	}

	processed := c.runPipeline(ctx, run, cards, &failures)
	c.finish(run, processed, failures, discoveryFailed)
}

// runPipeline fans cards out to extract workers and their results to store
// workers, returning the processed count.
func (c *Coordinator) runPipeline(ctx context.Context, run *harvest.Run, cards []harvest.ReportCard, failures *[]harvest.CardFailure) int {
	cardCh := make(chan harvest.ReportCard)
	recordCh := make(chan harvest.NormalizedRecord)

	var (
		failMu    sync.Mutex
		processed int
	)
	addFailure := func(f harvest.CardFailure) {
		failMu.Lock()
		*failures = append(*failures, f)
		failMu.Unlock()
		metrics.ObserveFailure(string(f.Site), string(f.Kind))
	}

	var extractWG sync.WaitGroup
	for i := 0; i < c.cfg.ExtractWorkers; i++ {
		extractWG.Add(1)
		go func() {
			defer extractWG.Done()
			for card := range cardCh {
				metrics.IncActiveWorkers()
				raw, err := c.extractor.Extract(ctx, card)
				if err != nil {
					addFailure(asCardFailure(err, card))
					metrics.DecActiveWorkers()
					continue
				}
				rec := c.normalizer.Normalize(ctx, raw)
				metrics.DecActiveWorkers()
				select {
				case recordCh <- rec:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	var storeWG sync.WaitGroup
	for i := 0; i < c.cfg.StoreWorkers; i++ {
		storeWG.Add(1)
		go func() {
			defer storeWG.Done()
			for rec := range recordCh {
				id, err := c.store.Upsert(ctx, rec)
				if err != nil {
					addFailure(asCardFailure(err, harvest.ReportCard{URL: rec.URL, Site: rec.Site}))
					continue
				}
				failMu.Lock()
				processed++
				failMu.Unlock()
				metrics.ObserveStored(string(rec.Site), string(rec.Kind))
				c.afterStore(ctx, run.ID, id, rec)
			}
		}()
	}

	for _, card := range cards {
		select {
		case cardCh <- card:
		case <-ctx.Done():
		}
	}
	close(cardCh)
	extractWG.Wait()
	close(recordCh)
	storeWG.Wait()

	return processed
}

// afterStore emits the downstream notifications. Neither failure affects the
// run outcome; the record is already durable.
func (c *Coordinator) afterStore(ctx context.Context, runID string, articleID int64, rec harvest.NormalizedRecord) {
	if c.publisher != nil {
		event := publish.StoredEvent{
			ArticleID: articleID,
			URL:       rec.URL,
			Site:      string(rec.Site),
			Country:   rec.Geography.Country,
			Language:  rec.Language,
			RunID:     runID,
		}
		if _, err := c.publisher.Publish(ctx, event); err != nil {
			c.logger.Warn("publish stored event", zap.String("url", rec.URL), zap.Error(err))
		}
	}
	if c.embedder != nil {
		if err := c.embedder.Notify(ctx, articleID); err != nil {
			c.logger.Warn("notify embed service", zap.Int64("article_id", articleID), zap.Error(err))
		}
	}
}

// finish closes out the run. All Run mutation happens under c.mu so Status
// never snapshots a half-written struct.
func (c *Coordinator) finish(run *harvest.Run, processed int, failures []harvest.CardFailure, discoveryFailed bool) {
	now := c.clock.Now()
	summary := harvest.SummarizeFailures(processed, run.DiscoveredCount, failures)

	// Cards the pipeline never delivered (a cancelled run stops feeding
	// workers) leave processed+failed short of discovered; that is not a
	// clean run.
	dropped := processed+len(failures) < run.DiscoveredCount
	var status harvest.RunStatus
	switch {
	case processed == 0:
		status = harvest.RunStatusFailed
	case len(failures) > 0 || discoveryFailed || dropped:
		status = harvest.RunStatusPartialFailure
	default:
		status = harvest.RunStatusSuccess
	}

	c.mu.Lock()
	run.Finished = &now
	run.ProcessedCount = processed
	run.FailedCount = len(failures)
	run.ErrorSummary = summary
	run.Status = status
	c.last = run
	c.current = nil
	c.mu.Unlock()

	metrics.ObserveRun(string(status), now.Sub(run.Started))
	c.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("discovered", run.DiscoveredCount),
		zap.Int("processed", processed),
		zap.Int("failed", len(failures)),
		zap.String("summary", summary))
}

// asCardFailure coerces pipeline errors into the failure taxonomy. Errors
// that are not already classified count as malformed content.
func asCardFailure(err error, card harvest.ReportCard) harvest.CardFailure {
	var failure harvest.CardFailure
	if errors.As(err, &failure) {
		if failure.URL == "" {
			failure.URL = card.URL
		}
		if failure.Site == "" {
			failure.Site = card.Site
		}
		return failure
	}
	kind := harvest.FailureContentMalformed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = harvest.FailureTransientFetch
	}
	return harvest.CardFailure{URL: card.URL, Site: card.Site, Kind: kind, Err: err}
}

// Scheduler triggers runs on a fixed interval.
type Scheduler struct {
	coordinator *Coordinator
	interval    time.Duration
	runOnStart  bool
	logger      *zap.Logger
}

// NewScheduler builds a Scheduler; the interval defaults to weekly.
func NewScheduler(coordinator *Coordinator, interval time.Duration, runOnStart bool, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}
	return &Scheduler{
		coordinator: coordinator,
		interval:    interval,
		runOnStart:  runOnStart,
		logger:      logger,
	}
}

// Run blocks until the context is done, triggering a full-site run each
// tick. A tick that lands while a run is in flight is skipped.
func (s *Scheduler) Run(ctx context.Context) {
	if s.runOnStart {
		s.trigger()
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger()
		}
	}
}

func (s *Scheduler) trigger() {
	id, err := s.coordinator.Start(nil)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			s.logger.Info("scheduled run skipped, previous run still in flight")
			return
		}
		s.logger.Error("scheduled run failed to start", zap.Error(err))
		return
	}
	s.logger.Info("scheduled run started", zap.String("run_id", id))
}
