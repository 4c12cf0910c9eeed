package usecases

import (
	"context"
	"log/slog"

	"go.openly.dev/pointy"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
)

type DeadLettersRepository interface {
	InsertDeadLetter(ctx context.Context, letter *entities.DeadLetter) error
	FindOpenDeadLetters(ctx context.Context) ([]entities.DeadLetter, error)
	ResolveDeadLetters(ctx context.Context, orderID string) error
}

// DeadLetterService surfaces work the background processes gave up on.
type DeadLetterService struct {
	logger *slog.Logger
	repo   DeadLettersRepository
}

func NewDeadLetterService(logger *slog.Logger, repo DeadLettersRepository) *DeadLetterService {
	return &DeadLetterService{logger: logger, repo: repo}
}

// Record stores a dead letter. orderID may be empty for events that matched no single order.
// Failures are logged, there is nobody else to report them to.
func (s *DeadLetterService) Record(ctx context.Context, orderID string, kind entities.DeadLetterKind, reason string, attempts int) {
	letter := &entities.DeadLetter{Kind: kind, Reason: reason, Attempts: attempts}
	if orderID != "" {
		letter.OrderID = pointy.String(orderID)
	}

	s.logger.WarnContext(ctx, "Dead letter recorded",
		"order_id", orderID, "kind", kind, "reason", reason, "attempts", attempts)

	if err := s.repo.InsertDeadLetter(ctx, letter); err != nil {
		s.logger.ErrorContext(ctx, "Failed to store dead letter", "order_id", orderID, "kind", kind, "error", err)
	}
}

func (s *DeadLetterService) List(ctx context.Context) ([]entities.DeadLetter, error) {
	return s.repo.FindOpenDeadLetters(ctx)
}

// Resolve closes every open dead letter of the order.
func (s *DeadLetterService) Resolve(ctx context.Context, orderID string) {
	if err := s.repo.ResolveDeadLetters(ctx, orderID); err != nil {
		s.logger.ErrorContext(ctx, "Failed to resolve dead letters", "order_id", orderID, "error", err)
	}
}

// OpenAttempts sums the attempts recorded on open letters of kind for the order.
func (s *DeadLetterService) OpenAttempts(ctx context.Context, orderID string, kind entities.DeadLetterKind) (int, error) {
	letters, err := s.repo.FindOpenDeadLetters(ctx)
	if err != nil {
		return 0, err
	}

	var attempts int
	for _, l := range letters {
		if l.Kind == kind && l.OrderID != nil && *l.OrderID == orderID {
			attempts += l.Attempts
		}
	}
	return attempts, nil
}
