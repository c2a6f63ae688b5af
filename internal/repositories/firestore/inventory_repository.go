package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/orchard-market/api/internal/domain"
	pfirestore "github.com/orchard-market/api/internal/platform/firestore"
	"github.com/orchard-market/api/internal/repositories"
)

const inventoryCollection = "inventory"

// InventoryRepository owns the per-product stock counters. Both operations
// apply their batch inside a single Firestore transaction: every line is read
// first, in ascending product ID order, then every counter is written, so a
// concurrent conflicting reservation forces a retry of the whole batch and
// partial debits can never be observed.
type InventoryRepository struct {
	provider *pfirestore.Provider
	stocks   *pfirestore.BaseRepository[stockDocument]
}

// NewInventoryRepository constructs an InventoryRepository over the inventory collection.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	stocks := pfirestore.NewBaseRepository[stockDocument](provider, inventoryCollection, nil, nil)
	return &InventoryRepository{provider: provider, stocks: stocks}, nil
}

// Reserve debits every counter in the batch or none of them. Insufficient
// stock on any line aborts the whole transaction.
func (r *InventoryRepository) Reserve(ctx context.Context, lines []domain.StockLine) error {
	return r.apply(ctx, "inventory.reserve", lines, func(doc *stockDocument, line domain.StockLine) error {
		if doc.OnHand < line.Quantity {
			return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", line.ProductID), nil)
		}
		doc.OnHand -= line.Quantity
		return nil
	})
}

// Release credits every counter in the batch. It only adds back, so it cannot
// fail on quantity, but it still runs as one atomic batch to bound the window
// in which a concurrent reader sees a partial credit.
func (r *InventoryRepository) Release(ctx context.Context, lines []domain.StockLine) error {
	return r.apply(ctx, "inventory.release", lines, func(doc *stockDocument, line domain.StockLine) error {
		doc.OnHand += line.Quantity
		return nil
	})
}

func (r *InventoryRepository) apply(ctx context.Context, op string, lines []domain.StockLine, mutate func(*stockDocument, domain.StockLine) error) error {
	if r == nil || r.provider == nil {
		return errors.New("inventory repository not initialised")
	}
	if len(lines) == 0 {
		return repositories.NewInventoryError(repositories.InventoryErrorUnknown, op+": at least one line is required", nil)
	}

	// Fixed processing order across all callers.
	batch := make([]domain.StockLine, len(lines))
	copy(batch, lines)
	sort.Slice(batch, func(i, j int) bool { return batch[i].ProductID < batch[j].ProductID })

	now := time.Now().UTC()
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		type pending struct {
			ref *firestore.DocumentRef
			doc stockDocument
		}
		writes := make([]pending, 0, len(batch))

		for _, line := range batch {
			productID := strings.TrimSpace(line.ProductID)
			if productID == "" {
				return repositories.NewInventoryError(repositories.InventoryErrorUnknown, op+": product id is required", nil)
			}
			if line.Quantity <= 0 {
				return repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("%s: quantity for %s must be > 0", op, productID), nil)
			}

			ref, err := r.stocks.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if isNotFound(err) {
					return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", productID), err)
				}
				return err
			}
			var doc stockDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode stock %s: %w", productID, err)
			}

			if err := mutate(&doc, domain.StockLine{ProductID: productID, Quantity: line.Quantity}); err != nil {
				return err
			}
			if doc.OnHand < 0 {
				return repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("%s: counter for %s would go negative", op, productID), nil)
			}
			doc.UpdatedAt = now
			writes = append(writes, pending{ref: ref, doc: doc})
		}

		for _, write := range writes {
			if err := tx.Set(write.ref, write.doc); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapInventoryError(op, err)
}

// Helper structures ---------------------------------------------------------

type stockDocument struct {
	ProductRef string    `firestore:"productRef,omitempty"`
	OnHand     int64     `firestore:"onHand"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
