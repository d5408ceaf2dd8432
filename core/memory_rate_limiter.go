package core

import (
	"context"
	"sync"
	"time"
)

// sweepThreshold is the number of tracked subjects above which closed windows are evicted.
const sweepThreshold = 4096

// MemoryRateLimiter counts requests per subject in fixed windows, in process.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	subjects map[string]*subjectLimit
}

type subjectLimit struct {
	count     int
	windowEnd time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		now:      time.Now,
		subjects: make(map[string]*subjectLimit),
	}
}

func (r *MemoryRateLimiter) CheckAndIncrement(_ context.Context, subject string, limit int, window time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.subjects) > sweepThreshold {
		r.sweep(now)
	}
	sl, exists := r.subjects[subject]

	if !exists || now.After(sl.windowEnd) {
		r.subjects[subject] = &subjectLimit{
			count:     1,
			windowEnd: now.Add(window),
		}
		return nil
	}

	if sl.count >= limit {
		return ErrRateLimitExceeded
	}

	sl.count++
	return nil
}

func (r *MemoryRateLimiter) sweep(now time.Time) {
	for subject, sl := range r.subjects {
		if now.After(sl.windowEnd) {
			delete(r.subjects, subject)
		}
	}
}
