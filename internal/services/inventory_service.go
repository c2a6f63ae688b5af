package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/orchard-market/api/internal/domain"
	"github.com/orchard-market/api/internal/repositories"
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryInsufficientStock indicates a requested quantity exceeds availability.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryUnavailable indicates a transient storage failure.
	ErrInventoryUnavailable = errors.New("inventory: storage unavailable")
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory repositories.InventoryRepository
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo   repositories.InventoryRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		repo: deps.Inventory,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *inventoryService) Reserve(ctx context.Context, lines []domain.StockLine) error {
	normalised, err := normaliseStockLines(lines)
	if err != nil {
		return err
	}

	if err := s.repo.Reserve(ctx, normalised); err != nil {
		return s.mapRepositoryError(err)
	}

	s.logger(ctx, "inventory.reserved", map[string]any{"lines": len(normalised)})
	return nil
}

func (s *inventoryService) Release(ctx context.Context, lines []domain.StockLine) error {
	normalised, err := normaliseStockLines(lines)
	if err != nil {
		return err
	}

	if err := s.repo.Release(ctx, normalised); err != nil {
		return s.mapRepositoryError(err)
	}

	s.logger(ctx, "inventory.released", map[string]any{"lines": len(normalised)})
	return nil
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInventoryInsufficientStock, invErr.Message)
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidInput, invErr.Message)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %v", ErrInventoryUnavailable, err)
	}

	return err
}

// normaliseStockLines aggregates duplicate products and fixes the processing
// order to ascending product ID so every caller locks rows identically.
func normaliseStockLines(lines []domain.StockLine) ([]domain.StockLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrInventoryInvalidInput)
	}

	aggregated := make(map[string]int64, len(lines))
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: line product id is required", ErrInventoryInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInventoryInvalidInput, productID)
		}
		aggregated[productID] += line.Quantity
	}

	result := make([]domain.StockLine, 0, len(aggregated))
	for productID, quantity := range aggregated {
		result = append(result, domain.StockLine{ProductID: productID, Quantity: quantity})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}
