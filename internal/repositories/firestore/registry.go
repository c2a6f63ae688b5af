package firestore

import (
	"context"
	"errors"

	"google.golang.org/api/iterator"

	pfirestore "github.com/orchard-market/api/internal/platform/firestore"
	"github.com/orchard-market/api/internal/repositories"
)

// Registry wires the Firestore-backed repositories behind the repositories.Registry contract.
type Registry struct {
	provider      *pfirestore.Provider
	orders        *OrderRepository
	inventory     *InventoryRepository
	notifications *NotificationRepository
	health        repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the full repository set over a shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	inventory, err := NewInventoryRepository(provider)
	if err != nil {
		return nil, err
	}
	notifications, err := NewNotificationRepository(provider)
	if err != nil {
		return nil, err
	}
	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "firestore", Check: pingFirestore(provider)},
	})
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:      provider,
		orders:        orders,
		inventory:     inventory,
		notifications: notifications,
		health:        health,
	}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Orders returns the order ledger repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Inventory returns the stock counter repository.
func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }

// Notifications returns the processed-notification store.
func (r *Registry) Notifications() repositories.NotificationRepository { return r.notifications }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

func pingFirestore(provider *pfirestore.Provider) func(context.Context) error {
	return func(ctx context.Context) error {
		client, err := provider.Client(ctx)
		if err != nil {
			return err
		}
		iter := client.Collection(inventoryCollection).Limit(1).Documents(ctx)
		defer iter.Stop()
		if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
			return err
		}
		return nil
	}
}
