package geo

import (
	"context"
	"fmt"

	geogolang "github.com/codingsince1985/geo-golang"
	"github.com/codingsince1985/geo-golang/openstreetmap"
)

// OSMGeocoder adapts the geo-golang OpenStreetMap (Nominatim) client to the
// Geocoder port. The upstream client has no context support, so calls run
// in a goroutine and are abandoned when the context expires; Nominatim
// rate-limit responses surface as errors and are treated as misses, not
// fatal failures.
type OSMGeocoder struct {
	geocoder geogolang.Geocoder
}

// NewOSMGeocoder builds the Nominatim-backed geocoder.
func NewOSMGeocoder() *OSMGeocoder {
	return &OSMGeocoder{geocoder: openstreetmap.Geocoder()}
}

type geocodeAnswer struct {
	location *geogolang.Location
	err      error
}

// Geocode looks up coordinates for a place name.
func (g *OSMGeocoder) Geocode(ctx context.Context, place string) (float64, float64, bool, error) {
	answers := make(chan geocodeAnswer, 1)
	go func() {
		loc, err := g.geocoder.Geocode(place)
		answers <- geocodeAnswer{location: loc, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, 0, false, fmt.Errorf("geocode %q: %w", place, ctx.Err())
	case ans := <-answers:
		if ans.err != nil {
			return 0, 0, false, fmt.Errorf("geocode %q: %w", place, ans.err)
		}
		if ans.location == nil {
			return 0, 0, false, nil
		}
		return ans.location.Lat, ans.location.Lng, true, nil
	}
}
