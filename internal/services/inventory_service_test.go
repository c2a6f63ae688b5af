package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/orchard-market/api/internal/domain"
)

func TestInventoryServiceReserveAndRelease(t *testing.T) {
	stock := newMemInventoryRepository(map[string]int64{"prod_a": 5, "prod_b": 2})
	svc := testInventoryService(stock)

	lines := []domain.StockLine{
		{ProductID: "prod_b", Quantity: 1},
		{ProductID: "prod_a", Quantity: 3},
	}
	if err := svc.Reserve(context.Background(), lines); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := stock.onHand("prod_a"); got != 2 {
		t.Fatalf("prod_a on hand = %d, want 2", got)
	}
	if got := stock.onHand("prod_b"); got != 1 {
		t.Fatalf("prod_b on hand = %d, want 1", got)
	}

	if err := svc.Release(context.Background(), lines); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := stock.onHand("prod_a"); got != 5 {
		t.Fatalf("prod_a on hand = %d, want 5 after release", got)
	}
}

func TestInventoryServiceAggregatesDuplicateLines(t *testing.T) {
	stock := newMemInventoryRepository(map[string]int64{"prod_a": 5})
	svc := testInventoryService(stock)

	err := svc.Reserve(context.Background(), []domain.StockLine{
		{ProductID: "prod_a", Quantity: 2},
		{ProductID: "prod_a", Quantity: 2},
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := stock.onHand("prod_a"); got != 1 {
		t.Fatalf("prod_a on hand = %d, want 1", got)
	}
}

func TestInventoryServiceReserveInsufficientStock(t *testing.T) {
	stock := newMemInventoryRepository(map[string]int64{"prod_a": 1})
	svc := testInventoryService(stock)

	err := svc.Reserve(context.Background(), []domain.StockLine{{ProductID: "prod_a", Quantity: 2}})
	if !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("error = %v, want ErrInventoryInsufficientStock", err)
	}
	if got := stock.onHand("prod_a"); got != 1 {
		t.Fatalf("failed reservation must not mutate the counter, got %d", got)
	}
}

func TestInventoryServiceReserveUnknownProduct(t *testing.T) {
	stock := newMemInventoryRepository(map[string]int64{"prod_a": 5})
	svc := testInventoryService(stock)

	err := svc.Reserve(context.Background(), []domain.StockLine{{ProductID: "prod_missing", Quantity: 1}})
	if !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("error = %v, want ErrInventoryInvalidInput", err)
	}
}

func TestInventoryServiceRejectsInvalidLines(t *testing.T) {
	svc := testInventoryService(newMemInventoryRepository(nil))

	cases := map[string][]domain.StockLine{
		"empty batch":      nil,
		"blank product":    {{ProductID: "  ", Quantity: 1}},
		"zero quantity":    {{ProductID: "prod_a", Quantity: 0}},
		"negative amount":  {{ProductID: "prod_a", Quantity: -1}},
		"mixed valid line": {{ProductID: "prod_a", Quantity: 1}, {ProductID: "prod_b", Quantity: 0}},
	}
	for name, lines := range cases {
		if err := svc.Reserve(context.Background(), lines); !errors.Is(err, ErrInventoryInvalidInput) {
			t.Errorf("%s: Reserve error = %v, want ErrInventoryInvalidInput", name, err)
		}
		if err := svc.Release(context.Background(), lines); !errors.Is(err, ErrInventoryInvalidInput) {
			t.Errorf("%s: Release error = %v, want ErrInventoryInvalidInput", name, err)
		}
	}
}

func TestNormaliseStockLinesSortsAscending(t *testing.T) {
	normalised, err := normaliseStockLines([]domain.StockLine{
		{ProductID: "prod_c", Quantity: 1},
		{ProductID: "prod_a", Quantity: 2},
		{ProductID: "prod_b", Quantity: 3},
	})
	if err != nil {
		t.Fatalf("normaliseStockLines: %v", err)
	}
	want := []string{"prod_a", "prod_b", "prod_c"}
	for i, line := range normalised {
		if line.ProductID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, line.ProductID, want[i])
		}
	}
}
