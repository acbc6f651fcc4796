// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package geo implements the geo-fence predicate used to gate or boost
// drop registrations by physical location.
package geo

import (
	"fmt"
	"math"
)

// Fence modes. Exclusive fences reject registrations from outside the
// fence; bonus fences apply a ticket multiplier to registrations from
// inside it.
const (
	ModeExclusive = "exclusive"
	ModeBonus     = "bonus"
)

const earthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fence is a circular geo-fence around a center point.
type Fence struct {
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	RadiusMeters    float64 `json:"radiusMeters"`
	Mode            string  `json:"mode"`
	BonusMultiplier float64 `json:"bonusMultiplier,omitempty"`
}

// Validate checks the fence against the configured radius bounds and
// known modes.
func (f *Fence) Validate(minRadius, maxRadius float64) error {
	if f.RadiusMeters < minRadius || f.RadiusMeters > maxRadius {
		return fmt.Errorf("geo-fence radius %.0fm outside allowed range [%.0f, %.0f]",
			f.RadiusMeters, minRadius, maxRadius)
	}
	switch f.Mode {
	case ModeExclusive, ModeBonus:
	default:
		return fmt.Errorf("unknown geo-fence mode %q", f.Mode)
	}
	if f.Lat < -90 || f.Lat > 90 || f.Lng < -180 || f.Lng > 180 {
		return fmt.Errorf("geo-fence center (%f, %f) out of range", f.Lat, f.Lng)
	}
	return nil
}

// Contains reports whether p lies inside the fence.
func (f *Fence) Contains(p Point) bool {
	return Distance(Point{Lat: f.Lat, Lng: f.Lng}, p) <= f.RadiusMeters
}

// Distance returns the haversine great-circle distance between a and b
// in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
