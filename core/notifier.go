package core

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ResetNotice is handed to a Notifier when a reset session is opened.
type ResetNotice struct {
	Email     string
	Key       string
	Link      string
	ExpiresAt time.Time
}

type Notifier interface {
	NotifyReset(ctx context.Context, notice ResetNotice) error
}

// LogNotifier stands in for email delivery by logging the notice.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyReset(_ context.Context, notice ResetNotice) error {
	n.logger.Info("simulated password reset email",
		zap.String("email", notice.Email),
		zap.String("reset_key", notice.Key),
		zap.String("reset_url", notice.Link),
		zap.Time("expires_at", notice.ExpiresAt),
	)
	return nil
}
