// README: Shop directory service: registration and pickup lookup for orders.
package shop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

var ErrShopInactive = fmt.Errorf("%w: shop is not taking orders", errs.ErrValidation)

type Service struct {
	store  Repository
	logger *slog.Logger
}

func NewService(store Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "shop")}
}

type RegisterCommand struct {
	ID     types.ID
	Name   string
	Pickup types.Point
	// Inactive shops keep their record but refuse new orders.
	Inactive bool
}

func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (*Shop, error) {
	if cmd.ID.IsZero() {
		return nil, errs.NewValueIsRequiredError("id")
	}
	if err := cmd.Pickup.Validate(); err != nil {
		return nil, err
	}
	sh := &Shop{
		ID:     cmd.ID,
		Name:   strings.TrimSpace(cmd.Name),
		Pickup: cmd.Pickup,
		Active: !cmd.Inactive,
	}
	if err := s.store.Upsert(ctx, sh); err != nil {
		return nil, err
	}
	s.logger.Info("shop registered", "shop_id", sh.ID, "active", sh.Active)
	return sh, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Shop, error) {
	return s.store.Get(ctx, id)
}

// PickupOf returns where orders for shopID are collected.
func (s *Service) PickupOf(ctx context.Context, shopID types.ID) (types.Point, error) {
	if shopID.IsZero() {
		return types.Point{}, errs.NewValueIsRequiredError("shop_id")
	}
	sh, err := s.store.Get(ctx, shopID)
	if err != nil {
		return types.Point{}, err
	}
	if !sh.Active {
		return types.Point{}, fmt.Errorf("%w: %s", ErrShopInactive, shopID)
	}
	return sh.Pickup, nil
}
