// README: Location stores: Redis (HASH + GEO + ZSET) for live samples, Postgres for snapshot history.
package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"dispatch/internal/types"
)

// Store keeps one sample per agent. Upsert must be atomic with respect to
// CapturedAt: a sample is stored only when strictly newer than the current one.
type Store interface {
	Upsert(ctx context.Context, loc AgentLocation) (bool, error)
	Get(ctx context.Context, agentID types.ID) (AgentLocation, bool, error)
	CapturedSince(ctx context.Context, since time.Time) ([]AgentLocation, error)
	Within(ctx context.Context, center types.Point, radiusKm float64, since time.Time) ([]AgentLocation, error)
}

const (
	agentKeyPrefix  = "location:agent:"
	geoKey          = "location:agents"
	capturedIdxKey  = "location:captured"
	maxGeoLatitude  = 85.05112878
	redisScanWindow = 500

	// kmPerDegree is one degree of latitude on the haversine sphere.
	kmPerDegree = 111.19492664455873
)

// upsertScript writes the sample only when captured_us is strictly greater than
// the stored one. GEO cannot index latitudes beyond the Web Mercator limit, so
// such samples are kept out of the GEO set and found through the ZSET scan.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'captured_us')
if cur and tonumber(cur) >= tonumber(ARGV[5]) then
  return 0
end
redis.call('HSET', KEYS[1], 'lat', ARGV[3], 'lng', ARGV[2], 'accuracy', ARGV[4], 'captured_us', ARGV[5], 'received_us', ARGV[6])
if math.abs(tonumber(ARGV[3])) <= tonumber(ARGV[7]) then
  redis.call('GEOADD', KEYS[2], ARGV[2], ARGV[3], ARGV[1])
else
  redis.call('ZREM', KEYS[2], ARGV[1])
end
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
return 1
`)

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func agentKey(id types.ID) string {
	return agentKeyPrefix + string(id)
}

func (s *RedisStore) Upsert(ctx context.Context, loc AgentLocation) (bool, error) {
	applied, err := upsertScript.Run(ctx, s.rdb,
		[]string{agentKey(loc.AgentID), geoKey, capturedIdxKey},
		string(loc.AgentID),
		strconv.FormatFloat(loc.Position.Lng, 'f', -1, 64),
		strconv.FormatFloat(loc.Position.Lat, 'f', -1, 64),
		strconv.FormatFloat(loc.AccuracyMeters, 'f', -1, 64),
		loc.CapturedAt.UnixMicro(),
		loc.ReceivedAt.UnixMicro(),
		maxGeoLatitude,
	).Int()
	if err != nil {
		return false, fmt.Errorf("upsert agent %s location: %w", loc.AgentID, err)
	}
	return applied == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, agentID types.ID) (AgentLocation, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, agentKey(agentID)).Result()
	if err != nil {
		return AgentLocation{}, false, fmt.Errorf("get agent %s location: %w", agentID, err)
	}
	if len(fields) == 0 {
		return AgentLocation{}, false, nil
	}
	loc, err := decodeLocation(agentID, fields)
	if err != nil {
		return AgentLocation{}, false, err
	}
	return loc, true, nil
}

func (s *RedisStore) CapturedSince(ctx context.Context, since time.Time) ([]AgentLocation, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, capturedIdxKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list captured since %s: %w", since.Format(time.RFC3339), err)
	}
	return s.load(ctx, ids, since)
}

func (s *RedisStore) Within(ctx context.Context, center types.Point, radiusKm float64, since time.Time) ([]AgentLocation, error) {
	if abs(center.Lat)+radiusKm/kmPerDegree > maxGeoLatitude {
		locs, err := s.CapturedSince(ctx, since)
		if err != nil {
			return nil, err
		}
		return withinRadius(locs, center, radiusKm), nil
	}
	ids, err := s.rdb.GeoSearch(ctx, geoKey, &redis.GeoSearchQuery{
		Longitude:  center.Lng,
		Latitude:   center.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	locs, err := s.load(ctx, ids, since)
	if err != nil {
		return nil, err
	}
	// GEO hashes are approximate; the haversine check is authoritative.
	return withinRadius(locs, center, radiusKm), nil
}

func (s *RedisStore) load(ctx context.Context, ids []string, since time.Time) ([]AgentLocation, error) {
	out := make([]AgentLocation, 0, len(ids))
	for start := 0; start < len(ids); start += redisScanWindow {
		end := min(start+redisScanWindow, len(ids))
		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, 0, end-start)
		for _, id := range ids[start:end] {
			cmds = append(cmds, pipe.HGetAll(ctx, agentKey(types.ID(id))))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("load agent locations: %w", err)
		}
		for i, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				continue
			}
			loc, err := decodeLocation(types.ID(ids[start+i]), fields)
			if err != nil {
				return nil, err
			}
			if loc.CapturedAt.Before(since) {
				continue
			}
			out = append(out, loc)
		}
	}
	return out, nil
}

func decodeLocation(id types.ID, f map[string]string) (AgentLocation, error) {
	lat, err1 := strconv.ParseFloat(f["lat"], 64)
	lng, err2 := strconv.ParseFloat(f["lng"], 64)
	acc, err3 := strconv.ParseFloat(f["accuracy"], 64)
	captured, err4 := strconv.ParseInt(f["captured_us"], 10, 64)
	received, err5 := strconv.ParseInt(f["received_us"], 10, 64)
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		return AgentLocation{}, fmt.Errorf("decode agent %s location: %w", id, err)
	}
	return AgentLocation{
		AgentID:        id,
		Position:       types.Point{Lat: lat, Lng: lng},
		AccuracyMeters: acc,
		CapturedAt:     time.UnixMicro(captured).UTC(),
		ReceivedAt:     time.UnixMicro(received).UTC(),
	}, nil
}

func withinRadius(locs []AgentLocation, center types.Point, radiusKm float64) []AgentLocation {
	out := locs[:0]
	for _, l := range locs {
		if types.DistanceKm(center, l.Position) <= radiusKm {
			out = append(out, l)
		}
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// SnapshotStore appends accepted samples to location_snapshots.
type SnapshotStore struct {
	db *pgxpool.Pool
}

func NewSnapshotStore(db *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_snapshots (agent_id, lat, lng, accuracy_meters, captured_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(snap.AgentID), snap.Position.Lat, snap.Position.Lng, snap.AccuracyMeters, snap.CapturedAt)
	return err
}

// History returns the newest snapshots of an agent first.
func (s *SnapshotStore) History(ctx context.Context, agentID types.ID, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, lat, lng, accuracy_meters, captured_at
		FROM location_snapshots
		WHERE agent_id = $1
		ORDER BY captured_at DESC
		LIMIT $2`, string(agentID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var id string
		if err := rows.Scan(&snap.ID, &id, &snap.Position.Lat, &snap.Position.Lng, &snap.AccuracyMeters, &snap.CapturedAt); err != nil {
			return nil, err
		}
		snap.AgentID = types.ID(id)
		out = append(out, snap)
	}
	return out, rows.Err()
}
