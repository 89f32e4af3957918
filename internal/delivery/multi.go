package delivery

import (
	"context"
	"log/slog"

	"github.com/albapepper/subwatch/internal/domain"
)

// Multi sends through a primary channel and, when the recipient has a phone
// number, a secondary one. Only the primary result decides success: a
// secondary failure after a delivered primary is logged and dropped, since a
// retry would repeat the primary message.
type Multi struct {
	primary   Notifier
	secondary Notifier
	logger    *slog.Logger
}

// NewMulti combines channels. secondary may be nil.
func NewMulti(primary, secondary Notifier, logger *slog.Logger) *Multi {
	return &Multi{primary: primary, secondary: secondary, logger: logger}
}

// Send implements Notifier.
func (m *Multi) Send(ctx context.Context, to domain.User, kind domain.AlertKind, c Content) error {
	if err := m.primary.Send(ctx, to, kind, c); err != nil {
		return err
	}
	if m.secondary == nil || to.Phone == "" {
		return nil
	}
	if err := m.secondary.Send(ctx, to, kind, c); err != nil {
		m.logger.Warn("secondary channel failed",
			"user_id", to.ID, "kind", kind.String(), "permanent", IsPermanent(err), "error", err)
	}
	return nil
}

// Log is a notifier that only logs. Used when no channel is configured and
// for dry runs.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger *slog.Logger) *Log { return &Log{logger: logger} }

// Send implements Notifier.
func (l *Log) Send(_ context.Context, to domain.User, kind domain.AlertKind, c Content) error {
	l.logger.Info("notification (log only)",
		"user_id", to.ID, "email", to.Email, "kind", kind.String(), "subject", c.Subject)
	return nil
}
