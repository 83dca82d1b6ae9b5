// README: Agent directory service: registration and availability toggles.
package agent

import (
	"context"
	"log/slog"
	"strings"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

type Service struct {
	store  Repository
	logger *slog.Logger
}

func NewService(store Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "agent")}
}

type RegisterCommand struct {
	ID          types.ID
	Role        Role
	Capacity    int
	DeviceToken string
}

// Register creates or refreshes an agent record. A re-registration keeps the
// current online flag.
func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (*Agent, error) {
	if cmd.ID.IsZero() {
		return nil, errs.NewValueIsRequiredError("id")
	}
	role := cmd.Role
	if role == "" {
		role = RoleDelivery
	}
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	if cmd.Capacity < 0 {
		return nil, errs.NewValueIsInvalidError("capacity")
	}

	a := &Agent{ID: cmd.ID, Role: role, Capacity: cmd.Capacity, DeviceToken: strings.TrimSpace(cmd.DeviceToken)}
	if cur, err := s.store.Get(ctx, cmd.ID); err == nil {
		a.Online = cur.Online
		if a.DeviceToken == "" {
			a.DeviceToken = cur.DeviceToken
		}
	}
	if err := s.store.Upsert(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Agent, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) SetOnline(ctx context.Context, id types.ID, online bool) error {
	if err := s.store.SetOnline(ctx, id, online); err != nil {
		return err
	}
	s.logger.Info("agent availability changed", "agent_id", id, "online", online)
	return nil
}

// ListOnline returns online delivery agents.
func (s *Service) ListOnline(ctx context.Context) ([]*Agent, error) {
	return s.store.ListOnline(ctx, RoleDelivery)
}
