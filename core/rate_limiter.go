package core

import (
	"context"
	"time"
)

type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, subject string, limit int, window time.Duration) error
}
