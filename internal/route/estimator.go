// Package route estimates driving distances for the advisory payment cap.
// The routing service is optional; every lookup falls back to the
// straight-line distance so no caller ever blocks on it.
package route

import (
	"context"
	"log/slog"
	"math"

	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
)

// Router is the interface the estimator uses to get road distances.
type Router interface {
	DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error)
}

const (
	SourceRouter       = "router"
	SourceCache        = "cache"
	SourceStraightLine = "straight_line"
)

type Estimator struct {
	router Router
	cache  *Cache
	logger *slog.Logger
}

// NewEstimator wires an estimator. router and cache may be nil.
func NewEstimator(router Router, cache *Cache, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{router: router, cache: cache, logger: logger}
}

// Distance returns meters between two points and where the figure came from.
func (e *Estimator) Distance(ctx context.Context, from, to models.Coord) (float64, string) {
	if e.cache != nil {
		if v, ok := e.cache.Get(from, to); ok {
			observability.RouteLookupsTotal.WithLabelValues(SourceCache).Inc()
			return v, SourceCache
		}
	}
	if e.router != nil {
		v, err := e.router.DistanceMeters(ctx, from, to)
		if err == nil {
			if e.cache != nil {
				e.cache.Set(from, to, v)
			}
			observability.RouteLookupsTotal.WithLabelValues(SourceRouter).Inc()
			return v, SourceRouter
		}
		e.logger.Warn("router lookup failed, using straight line", "error", err)
	}
	observability.RouteLookupsTotal.WithLabelValues(SourceStraightLine).Inc()
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon), SourceStraightLine
}

// PathDistance sums the legs between consecutive points. The source is the
// weakest one used by any leg.
func (e *Estimator) PathDistance(ctx context.Context, points []models.Coord) (float64, string) {
	total := 0.0
	source := SourceCache
	for i := 1; i < len(points); i++ {
		d, s := e.Distance(ctx, points[i-1], points[i])
		total += d
		if rank(s) > rank(source) {
			source = s
		}
	}
	return total, source
}

func rank(source string) int {
	switch source {
	case SourceCache:
		return 0
	case SourceRouter:
		return 1
	}
	return 2
}

// Advice is the advisory maximum payment for an offer's route.
type Advice struct {
	DistanceMeters float64 `json:"distance_meters"`
	MaxAmountCents int64   `json:"max_amount_cents"`
	Source         string  `json:"source"`
}

// Advisor turns route distance into an advisory payment cap.
type Advisor struct {
	estimator  *Estimator
	centsPerKm int64
}

func NewAdvisor(estimator *Estimator, centsPerKm int64) *Advisor {
	return &Advisor{estimator: estimator, centsPerKm: centsPerKm}
}

// Advise computes the cap over the offer's going stops, or its return stops
// when it has no going stops with coordinates. It reports false when fewer
// than two stops carry coordinates.
func (a *Advisor) Advise(ctx context.Context, o models.Offer) (Advice, bool) {
	if a == nil || a.estimator == nil || a.centsPerKm <= 0 {
		return Advice{}, false
	}
	for _, dir := range []models.Direction{models.DirectionGoing, models.DirectionReturn} {
		points := make([]models.Coord, 0, len(o.Locations))
		for _, l := range o.Locations {
			if l.Direction != dir {
				continue
			}
			if c, ok := l.Coord(); ok {
				points = append(points, c)
			}
		}
		if len(points) < 2 {
			continue
		}
		meters, source := a.estimator.PathDistance(ctx, points)
		return Advice{
			DistanceMeters: meters,
			MaxAmountCents: int64(math.Ceil(meters / 1000 * float64(a.centsPerKm))),
			Source:         source,
		}, true
	}
	return Advice{}, false
}
