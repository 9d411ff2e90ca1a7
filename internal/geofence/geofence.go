// Package geofence decides whether a submitted coordinate falls inside the
// allowed radius around the configured site.
package geofence

import (
	"math"

	"github.com/umahmood/haversine"
)

// Site is the configured allowed-location circle.
type Site struct {
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

// Result carries the validation outcome. DistanceMeters is rounded to two
// decimals for storage and display; the validity comparison uses the
// unrounded distance.
type Result struct {
	IsValid        bool
	DistanceMeters float64
}

// Validator computes great-circle distance to a fixed site.
type Validator struct {
	site Site
}

// NewValidator creates a validator for the given site.
func NewValidator(site Site) *Validator {
	return &Validator{site: site}
}

// Validate checks the submitted coordinate against the site radius. A point
// at exactly the radius is valid.
func (v *Validator) Validate(lat, lon float64) Result {
	_, km := haversine.Distance(
		haversine.Coord{Lat: lat, Lon: lon},
		haversine.Coord{Lat: v.site.Latitude, Lon: v.site.Longitude},
	)
	meters := km * 1000
	return Result{
		IsValid:        meters <= v.site.RadiusMeters,
		DistanceMeters: math.Round(meters*100) / 100,
	}
}
