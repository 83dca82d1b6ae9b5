// README: Agent directory backed by PostgreSQL, plus an in-memory variant.
package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

type Repository interface {
	Get(ctx context.Context, id types.ID) (*Agent, error)
	Upsert(ctx context.Context, a *Agent) error
	SetOnline(ctx context.Context, id types.ID, online bool) error
	ListOnline(ctx context.Context, role Role) ([]*Agent, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Agent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, role, online, capacity, device_token, updated_at
		FROM agents WHERE id = $1`, string(id))
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewObjectNotFoundError("agent", id)
	}
	return a, err
}

func (s *Store) Upsert(ctx context.Context, a *Agent) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, role, online, capacity, device_token, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET role = EXCLUDED.role,
			online = EXCLUDED.online,
			capacity = EXCLUDED.capacity,
			device_token = EXCLUDED.device_token,
			updated_at = EXCLUDED.updated_at`,
		string(a.ID), string(a.Role), a.Online, a.Capacity, a.DeviceToken, a.UpdatedAt)
	return err
}

func (s *Store) SetOnline(ctx context.Context, id types.ID, online bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET online = $2, updated_at = NOW() WHERE id = $1`, string(id), online)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.NewObjectNotFoundError("agent", id)
	}
	return nil
}

func (s *Store) ListOnline(ctx context.Context, role Role) ([]*Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, role, online, capacity, device_token, updated_at
		FROM agents
		WHERE online = true AND role = $1
		ORDER BY id ASC`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var id, role string
	if err := row.Scan(&id, &role, &a.Online, &a.Capacity, &a.DeviceToken, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ID = types.ID(id)
	a.Role = Role(role)
	return &a, nil
}

type MemoryStore struct {
	mu     sync.RWMutex
	agents map[types.ID]Agent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[types.ID]Agent)}
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, errs.NewObjectNotFoundError("agent", id)
	}
	return &a, nil
}

func (s *MemoryStore) Upsert(_ context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	s.agents[a.ID] = *a
	return nil
}

func (s *MemoryStore) SetOnline(_ context.Context, id types.ID, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return errs.NewObjectNotFoundError("agent", id)
	}
	a.Online = online
	a.UpdatedAt = time.Now().UTC()
	s.agents[id] = a
	return nil
}

func (s *MemoryStore) ListOnline(_ context.Context, role Role) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Agent
	for _, a := range s.agents {
		if a.Online && a.Role == role {
			cp := a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
