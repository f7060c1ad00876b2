// Package geo resolves free-text country names to canonical geography.
//
// Resolution is two-step: a static country table (with an alias layer for
// names the table does not know) and an external geocoding fallback. Results
// are cached for the process lifetime, hits and misses alike, so the same
// country text resolves identically for every record in a run.
package geo

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/pariz/gountries"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"github.com/sdgcommons/reports-harvester/internal/harvest"
)

// UnknownISO3 is persisted when resolution misses; a miss is a tagged
// outcome, never a dropped record.
const UnknownISO3 = "UNK"

// Geocoder is the external coordinate lookup. A nil *Location means the
// service found nothing for the query.
type Geocoder interface {
	Geocode(ctx context.Context, place string) (lat, lng float64, found bool, err error)
}

// Config bounds external geocoding calls.
type Config struct {
	Timeout time.Duration
	QPS     float64
}

// Resolver implements harvest.GeoResolver.
type Resolver struct {
	countries *gountries.Query
	geocoder  Geocoder
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *zap.Logger

	flight singleflight.Group
	mu     sync.Mutex
	cache  map[string]harvest.Geography
}

// Aliases the static table does not resolve on its own. Keys are normalized
// (lower-cased, diacritics stripped).
var aliases = map[string]string{
	"ivory coast":   "CIV",
	"cote d'ivoire": "CIV",
	"cape verde":    "CPV",
	"swaziland":     "SWZ",
	"east timor":    "TLS",
	"burma":         "MMR",
	"macedonia":     "MKD",
	"drc":           "COD",
	"dr congo":      "COD",
	"laos":          "LAO",
}

// New builds a Resolver with a fresh cache. The cache has an explicit
// lifecycle: one per process, owned here, never global.
func New(geocoder Geocoder, cfg Config, logger *zap.Logger) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	qps := cfg.QPS
	if qps <= 0 {
		qps = 1
	}
	return &Resolver{
		countries: gountries.New(),
		geocoder:  geocoder,
		limiter:   rate.NewLimiter(rate.Limit(qps), 1),
		timeout:   timeout,
		logger:    logger,
		cache:     make(map[string]harvest.Geography),
	}
}

// Resolve maps country text to canonical geography. Empty or unresolvable
// input yields Geography{Resolved: false, ISO3: UnknownISO3}.
func (r *Resolver) Resolve(ctx context.Context, countryText string) harvest.Geography {
	key := Normalize(countryText)
	if key == "" || key == "unknown" {
		return unresolved(countryText)
	}

	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	// Concurrent callers for the same key share one lookup, so the geocoder
	// is queried at most once per name and every caller sees the same answer.
	v, _, _ := r.flight.Do(key, func() (any, error) {
		geo := r.lookup(ctx, countryText, key)
		r.mu.Lock()
		r.cache[key] = geo
		r.mu.Unlock()
		return geo, nil
	})
	return v.(harvest.Geography)
}

func (r *Resolver) lookup(ctx context.Context, countryText, key string) harvest.Geography {
	if alpha3, ok := aliases[key]; ok {
		if country, err := r.countries.FindCountryByAlpha(alpha3); err == nil {
			return fromCountry(country)
		}
	}

	if country, err := r.countries.FindCountryByName(key); err == nil {
		return fromCountry(country)
	}

	return r.geocode(ctx, countryText)
}

// geocode queries the external service once per unique normalized name.
// Calls are paced and timeout-bounded so a slow service never blocks the
// pipeline indefinitely.
func (r *Resolver) geocode(ctx context.Context, countryText string) harvest.Geography {
	if r.geocoder == nil {
		return unresolved(countryText)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.limiter.Wait(callCtx); err != nil {
		r.logger.Warn("geocode rate wait aborted", zap.String("country", countryText), zap.Error(err))
		return unresolved(countryText)
	}

	lat, lng, found, err := r.geocoder.Geocode(callCtx, countryText)
	if err != nil {
		r.logger.Warn("geocode failed", zap.String("country", countryText), zap.Error(err))
		return unresolved(countryText)
	}
	if !found {
		r.logger.Debug("geocode found nothing", zap.String("country", countryText))
		return unresolved(countryText)
	}

	return harvest.Geography{
		Country:  strings.TrimSpace(countryText),
		ISO3:     UnknownISO3,
		Lat:      lat,
		Lng:      lng,
		Resolved: true,
	}
}

func fromCountry(c gountries.Country) harvest.Geography {
	return harvest.Geography{
		Country:  c.Name.Common,
		ISO3:     c.Alpha3,
		Lat:      c.Latitude,
		Lng:      c.Longitude,
		Resolved: true,
	}
}

func unresolved(countryText string) harvest.Geography {
	return harvest.Geography{
		Country:  strings.TrimSpace(countryText),
		ISO3:     UnknownISO3,
		Resolved: false,
	}
}

// Normalize trims, case-folds, and strips diacritics so "Côte d'Ivoire"
// and "cote d'ivoire" hit the same cache entry.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return stripped
}
