// README: Shop directory backed by PostgreSQL, plus an in-memory variant.
package shop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

type Repository interface {
	Get(ctx context.Context, id types.ID) (*Shop, error)
	Upsert(ctx context.Context, s *Shop) error
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Shop, error) {
	var sh Shop
	var sid string
	err := s.db.QueryRow(ctx, `
		SELECT id, name, pickup_lat, pickup_lng, active, updated_at
		FROM shops WHERE id = $1`, string(id)).
		Scan(&sid, &sh.Name, &sh.Pickup.Lat, &sh.Pickup.Lng, &sh.Active, &sh.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewObjectNotFoundError("shop", id)
	}
	if err != nil {
		return nil, err
	}
	sh.ID = types.ID(sid)
	return &sh, nil
}

func (s *Store) Upsert(ctx context.Context, sh *Shop) error {
	if sh.UpdatedAt.IsZero() {
		sh.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO shops (id, name, pickup_lat, pickup_lng, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			pickup_lat = EXCLUDED.pickup_lat,
			pickup_lng = EXCLUDED.pickup_lng,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		string(sh.ID), sh.Name, sh.Pickup.Lat, sh.Pickup.Lng, sh.Active, sh.UpdatedAt)
	return err
}

type MemoryStore struct {
	mu    sync.RWMutex
	shops map[types.ID]Shop
}

func NewMemoryStore(seed ...Shop) *MemoryStore {
	m := &MemoryStore{shops: make(map[types.ID]Shop, len(seed))}
	for _, sh := range seed {
		m.shops[sh.ID] = sh
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Shop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sh, ok := m.shops[id]
	if !ok {
		return nil, errs.NewObjectNotFoundError("shop", id)
	}
	return &sh, nil
}

func (m *MemoryStore) Upsert(_ context.Context, sh *Shop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sh.UpdatedAt.IsZero() {
		sh.UpdatedAt = time.Now().UTC()
	}
	m.shops[sh.ID] = *sh
	return nil
}
