package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// RepositoryPort abstracts event persistence.
type RepositoryPort interface {
	Insert(ctx context.Context, event Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// Service records audit events. Recording is best-effort: a persistence
// failure never fails the business operation it annotates, but is pushed to
// the operator error channel and logged.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
	ops    chan error
}

// NewService constructs the audit Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger, ops: make(chan error, 64)}
}

// OperatorErrors exposes failed audit writes for an operator-visible channel.
func (s *Service) OperatorErrors() <-chan error {
	return s.ops
}

// Record appends an event. Invalid input is rejected; persistence failures are
// swallowed after being surfaced on the operator channel.
func (s *Service) Record(ctx context.Context, event Event) error {
	if event.TenantID == uuid.Nil {
		return shared.Validationf("tenant_id", "required")
	}
	if event.Action == "" {
		return shared.Validationf("action", "required")
	}
	if event.SubjectType == "" || event.SubjectID == "" {
		return shared.Validationf("subject", "type and id required")
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if err := s.repo.Insert(ctx, event); err != nil {
		if s.logger != nil {
			s.logger.Error("audit write failed",
				slog.String("action", event.Action),
				slog.String("subject", event.SubjectType+":"+event.SubjectID),
				slog.Any("error", err))
		}
		select {
		case s.ops <- err:
		default:
		}
		return nil
	}
	return nil
}

// Timeline lists events for a subject, newest first.
func (s *Service) Timeline(ctx context.Context, filter Filter) ([]Event, error) {
	if filter.TenantID == uuid.Nil {
		return nil, shared.Validationf("tenant_id", "required")
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return s.repo.List(ctx, filter)
}
