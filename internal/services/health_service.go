package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/orchard-market/api/internal/domain"
	"github.com/orchard-market/api/internal/repositories"
)

// BuildInfo describes the running binary for health and readiness reporting.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemHealthReport combines dependency probe results with build metadata.
type SystemHealthReport struct {
	Status      domain.HealthStatus
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
	Checks      map[string]domain.SystemHealthCheck
}

// HealthService produces readiness reports for the health endpoints.
type HealthService interface {
	Report(ctx context.Context) (SystemHealthReport, error)
}

// HealthServiceDeps bundles the collaborators required to construct a health service.
type HealthServiceDeps struct {
	Health repositories.HealthRepository
	Build  BuildInfo
	Clock  func() time.Time
}

type healthService struct {
	health repositories.HealthRepository
	build  BuildInfo
	clock  func() time.Time
}

// NewHealthService wires dependencies into a concrete HealthService implementation.
func NewHealthService(deps HealthServiceDeps) (HealthService, error) {
	if deps.Health == nil {
		return nil, errors.New("health service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &healthService{
		health: deps.Health,
		build:  deps.Build,
		clock:  func() time.Time { return clock().UTC() },
	}, nil
}

func (s *healthService) Report(ctx context.Context) (SystemHealthReport, error) {
	collected, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	uptime := time.Duration(0)
	if !s.build.StartedAt.IsZero() {
		uptime = now.Sub(s.build.StartedAt)
	}

	return SystemHealthReport{
		Status:      collected.Status,
		Version:     s.build.Version,
		CommitSHA:   s.build.CommitSHA,
		Environment: s.build.Environment,
		Uptime:      uptime,
		GeneratedAt: now,
		Checks:      collected.Checks,
	}, nil
}
