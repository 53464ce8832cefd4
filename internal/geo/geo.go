package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/rideshare/internal/models"
)

// PickupIndex locates offers of an event by their first pickup point.
type PickupIndex interface {
	Upsert(ctx context.Context, eventID, offerID string, at models.Coord) error
	Remove(ctx context.Context, eventID, offerID string) error
	Nearby(ctx context.Context, eventID string, at models.Coord, limit int) ([]Hit, error)
}

// Hit is an indexed offer and its straight-line distance from the query
// point in meters.
type Hit struct {
	OfferID string  `json:"offer_id"`
	Meters  float64 `json:"distance_meters"`
}

// Index is the in-process PickupIndex.
type Index struct {
	mu     sync.RWMutex
	events map[string]map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{events: make(map[string]map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, eventID, offerID string, at models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	offers, ok := g.events[eventID]
	if !ok {
		offers = make(map[string]models.Coord)
		g.events[eventID] = offers
	}
	offers[offerID] = at
	return nil
}

func (g *Index) Remove(_ context.Context, eventID, offerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if offers, ok := g.events[eventID]; ok {
		delete(offers, offerID)
		if len(offers) == 0 {
			delete(g.events, eventID)
		}
	}
	return nil
}

// naive scan; events hold tens of offers, not thousands
func (g *Index) Nearby(_ context.Context, eventID string, at models.Coord, limit int) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	offers := g.events[eventID]
	arr := make([]Hit, 0, len(offers))
	for id, c := range offers {
		arr = append(arr, Hit{OfferID: id, Meters: Haversine(at.Lat, at.Lon, c.Lat, c.Lon)})
	}
	// partial selection sort for top-N, ties broken by id
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if closer(arr[j], arr[minIdx]) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

func closer(a, b Hit) bool {
	if a.Meters != b.Meters {
		return a.Meters < b.Meters
	}
	return a.OfferID < b.OfferID
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
