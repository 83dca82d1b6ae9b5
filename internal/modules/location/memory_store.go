// README: In-process location store with an R-tree index for radius queries.
package location

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dhconnelly/rtreego"

	"dispatch/internal/types"
)

const pointTolerance = 1e-9

// indexed is the R-tree entry for one agent. Entries are replaced, never
// mutated, so Delete can find them by pointer identity.
type indexed struct {
	loc AgentLocation
}

func (e *indexed) Bounds() rtreego.Rect {
	return rtreego.Point{e.loc.Position.Lat, e.loc.Position.Lng}.ToRect(pointTolerance)
}

// MemoryStore is a Store for single-instance deployments and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[types.ID]*indexed
	rtree *rtreego.Rtree
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[types.ID]*indexed),
		rtree: rtreego.NewTree(2, 25, 50),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, loc AgentLocation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[loc.AgentID]
	if ok && !loc.CapturedAt.After(cur.loc.CapturedAt) {
		return false, nil
	}
	if ok {
		s.rtree.Delete(cur)
	}
	next := &indexed{loc: loc}
	s.byID[loc.AgentID] = next
	s.rtree.Insert(next)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, agentID types.ID) (AgentLocation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[agentID]
	if !ok {
		return AgentLocation{}, false, nil
	}
	return e.loc, true, nil
}

func (s *MemoryStore) CapturedSince(_ context.Context, since time.Time) ([]AgentLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentLocation, 0, len(s.byID))
	for _, e := range s.byID {
		if !e.loc.CapturedAt.Before(since) {
			out = append(out, e.loc)
		}
	}
	return out, nil
}

func (s *MemoryStore) Within(ctx context.Context, center types.Point, radiusKm float64, since time.Time) ([]AgentLocation, error) {
	rect, ok := searchRect(center, radiusKm)
	if !ok {
		locs, err := s.CapturedSince(ctx, since)
		if err != nil {
			return nil, err
		}
		return withinRadius(locs, center, radiusKm), nil
	}

	s.mu.RLock()
	hits := s.rtree.SearchIntersect(rect)
	out := make([]AgentLocation, 0, len(hits))
	for _, h := range hits {
		loc := h.(*indexed).loc
		if !loc.CapturedAt.Before(since) {
			out = append(out, loc)
		}
	}
	s.mu.RUnlock()
	return withinRadius(out, center, radiusKm), nil
}

// searchRect returns a lat/lng box enclosing the circle. It reports false near
// the poles or the antimeridian, where a single box cannot cover the circle.
func searchRect(center types.Point, radiusKm float64) (rtreego.Rect, bool) {
	dLat := math.Max(radiusKm/kmPerDegree, pointTolerance)
	if center.Lat-dLat < types.MinLatitude+1 || center.Lat+dLat > types.MaxLatitude-1 {
		return rtreego.Rect{}, false
	}
	// Widest longitude span is at the latitude edge closest to a pole.
	edge := math.Max(math.Abs(center.Lat-dLat), math.Abs(center.Lat+dLat))
	dLng := dLat / math.Cos(edge*math.Pi/180)
	if center.Lng-dLng < types.MinLongitude || center.Lng+dLng > types.MaxLongitude {
		return rtreego.Rect{}, false
	}
	rect, err := rtreego.NewRect(
		rtreego.Point{center.Lat - dLat, center.Lng - dLng},
		[]float64{2 * dLat, 2 * dLng},
	)
	if err != nil {
		return rtreego.Rect{}, false
	}
	return rect, true
}
