package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/shoe-studio/api/internal/domain"
	"github.com/shoe-studio/api/internal/repositories"
)

// BuildInfo is the release metadata reported on health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SessionCounter reports how many configurator sessions are held in memory.
type SessionCounter interface {
	ActiveSessions() int
}

// SystemServiceDeps wires NewSystemService.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Sessions is optional; without it reports carry no session count.
	Sessions SessionCounter
	Clock    func() time.Time
	Build    BuildInfo
}

type systemService struct {
	probes   repositories.HealthRepository
	sessions SessionCounter
	now      func() time.Time
	build    BuildInfo
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = now()
	}
	return &systemService{
		probes:   deps.HealthRepository,
		sessions: deps.Sessions,
		now:      func() time.Time { return now().UTC() },
		build:    build,
	}, nil
}

func (s *systemService) Liveness(context.Context) SystemHealthReport {
	report := SystemHealthReport{Status: domain.HealthStatusOK, Checks: map[string]domain.SystemHealthCheck{}}
	s.annotate(&report)
	return report
}

// HealthReport probes dependencies. When the repository leaves Status empty it is the worst
// of the check statuses.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.probes.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}
	s.annotate(&report)
	return report, nil
}

func (s *systemService) annotate(report *SystemHealthReport) {
	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if s.sessions != nil {
		report.ActiveSessions = s.sessions.ActiveSessions()
	}
}

func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	degraded := false
	for _, check := range checks {
		if check.Status == domain.HealthStatusError {
			return domain.HealthStatusError
		}
		degraded = degraded || (check.Status != "" && check.Status != domain.HealthStatusOK)
	}
	if degraded {
		return domain.HealthStatusDegraded
	}
	return domain.HealthStatusOK
}
