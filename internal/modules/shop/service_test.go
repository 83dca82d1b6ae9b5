package shop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/errs"
	"dispatch/internal/infra/pgtest"
	"dispatch/internal/types"
)

func TestService_RegisterAndPickup(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)
	pickup := types.Point{Lat: 36.705, Lng: 3.005}

	sh, err := svc.Register(ctx, RegisterCommand{ID: "s1", Name: " Bakery ", Pickup: pickup})
	require.NoError(t, err)
	assert.Equal(t, "Bakery", sh.Name)
	assert.True(t, sh.Active)

	got, err := svc.PickupOf(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, pickup, got)

	_, err = svc.PickupOf(ctx, "ghost")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = svc.PickupOf(ctx, "")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.Register(ctx, RegisterCommand{ID: "s1", Pickup: pickup, Inactive: true})
	require.NoError(t, err)
	_, err = svc.PickupOf(ctx, "s1")
	assert.ErrorIs(t, err, ErrShopInactive)

	_, err = svc.Register(ctx, RegisterCommand{ID: "s2", Pickup: types.Point{Lat: 95}})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestMemoryStore_Seed(t *testing.T) {
	m := NewMemoryStore(Shop{ID: "s1", Pickup: types.Point{Lat: 1, Lng: 2}, Active: true})
	sh, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, sh.Pickup.Lng)
}

func TestStore_Postgres(t *testing.T) {
	ctx := context.Background()
	store := NewStore(pgtest.New(t))

	require.NoError(t, store.Upsert(ctx, &Shop{ID: "s1", Name: "Bakery", Pickup: types.Point{Lat: 36.7, Lng: 3.0}, Active: true}))
	require.NoError(t, store.Upsert(ctx, &Shop{ID: "s1", Name: "Bakery", Pickup: types.Point{Lat: 36.8, Lng: 3.1}, Active: true}))

	sh, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 36.8, sh.Pickup.Lat)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
