package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultResetTTL         = 5 * time.Minute
	DefaultResetMaxAttempts = 3
	DefaultResetLinkBase    = "/auth/reset-password"

	resetKeyBytes = 16
)

// KeyMode selects how reset keys are produced.
type KeyMode string

const (
	// KeyModeRandom gives every reset session its own random key.
	KeyModeRandom KeyMode = "random"
	// KeyModeStatic reuses one configured key for every session. Anyone who
	// knows it can reset any account inside the validity window.
	KeyModeStatic KeyMode = "static"
)

const (
	msgNoAccount     = "No account found with this email address."
	msgSendFailed    = "Failed to send reset email. Please try again."
	msgTooMany       = "Too many reset requests. Please try again later."
	msgInvalidKey    = "Invalid or expired reset key. Please request a new password reset."
	msgExpired       = "Reset session has expired. Please request a new password reset."
	msgUserMissing   = "User not found. Please try again."
	msgUpdateFailed  = "Failed to update password. Please try again."
	msgResetComplete = "Password reset successful! Please login with your new password."
	msgBadPassword   = "New password is too long. Please choose a shorter one."
)

// ResetManager is the password-reset ledger: short-lived, attempt-limited
// sessions, at most one per user.
type ResetManager struct {
	store       Store
	key         string
	users       UserDirectory
	tokens      *TokenManager
	signer      *Signer
	notifier    Notifier
	rateLimiter RateLimiter
	rateLimit   int
	rateWindow  time.Duration
	now         func() time.Time
	ttl         time.Duration
	maxAttempts int
	keyMode     KeyMode
	staticKey   string
	linkBase    string
	bcryptCost  int
	logger      *zap.Logger
	metrics     *Metrics
	mu          sync.Mutex
}

type ResetConfig struct {
	Store       Store
	Users       UserDirectory
	Tokens      *TokenManager
	Signer      *Signer
	Notifier    Notifier
	RateLimiter RateLimiter
	RateLimit   int
	RateWindow  time.Duration
	Now         func() time.Time
	TTL         time.Duration
	MaxAttempts int
	KeyMode     KeyMode
	StaticKey   string
	LinkBase    string
	BcryptCost  int
	Logger      *zap.Logger
	Metrics     *Metrics
	Keys        Keys
}

func NewResetManager(cfg ResetConfig) (*ResetManager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Users == nil {
		return nil, fmt.Errorf("user directory is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	mode := cfg.KeyMode
	if mode == "" {
		mode = KeyModeRandom
	}
	if mode != KeyModeRandom && mode != KeyModeStatic {
		return nil, fmt.Errorf("unknown reset key mode %q", mode)
	}
	if mode == KeyModeStatic && cfg.StaticKey == "" {
		return nil, fmt.Errorf("static key mode requires a key")
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultResetTTL
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultResetMaxAttempts
	}
	linkBase := cfg.LinkBase
	if linkBase == "" {
		linkBase = DefaultResetLinkBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("ledger", "resets"))
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	if mode == KeyModeStatic {
		logger.Warn("password reset uses one shared static key for every session")
	}

	return &ResetManager{
		store:       cfg.Store,
		key:         cfg.Keys.withDefaults().Resets,
		users:       cfg.Users,
		tokens:      cfg.Tokens,
		signer:      cfg.Signer,
		notifier:    notifier,
		rateLimiter: cfg.RateLimiter,
		rateLimit:   cfg.RateLimit,
		rateWindow:  cfg.RateWindow,
		now:         nowFn,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		keyMode:     mode,
		staticKey:   cfg.StaticKey,
		linkBase:    linkBase,
		bcryptCost:  cfg.BcryptCost,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

// RequestReset opens a reset session for the account registered under email
// and hands the key to the notifier. Earlier sessions of the same user are dropped.
func (m *ResetManager) RequestReset(ctx context.Context, email string) Result {
	if m.rateLimiter != nil && m.rateLimit > 0 {
		if err := m.rateLimiter.CheckAndIncrement(ctx, strings.ToLower(email), m.rateLimit, m.rateWindow); err != nil {
			if errors.Is(err, ErrRateLimitExceeded) {
				m.metrics.resetRequest("rate_limited")
				return Result{Message: msgTooMany, Reason: ReasonRateLimited}
			}
			m.logger.Warn("reset rate limiter failed", zap.Error(err))
		}
	}

	user, err := m.users.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			m.storageFailure("find user", err)
			m.metrics.resetRequest("error")
			return Result{Message: msgSendFailed, Reason: ReasonSendFailed}
		}
		m.logger.Info("no user for reset request", zap.String("email", email))
		m.metrics.resetRequest("unknown_email")
		return Result{Message: msgNoAccount, Reason: ReasonNoAccount}
	}

	key, err := m.newKey()
	if err != nil {
		m.logger.Error("generate reset key", zap.Error(err))
		m.metrics.resetRequest("error")
		return Result{Message: msgSendFailed, Reason: ReasonSendFailed}
	}

	now := m.now()
	session := ResetSession{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Email:       user.Email,
		KeyDigest:   m.signer.Sign([]byte(key)),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
		MaxAttempts: m.maxAttempts,
	}

	m.mu.Lock()
	err = m.put(ctx, session)
	m.mu.Unlock()
	if err != nil {
		m.storageFailure("store reset session", err)
		m.metrics.resetRequest("error")
		return Result{Message: msgSendFailed, Reason: ReasonSendFailed}
	}

	link, err := resetURL(m.linkBase, user.Email, key)
	if err != nil {
		m.logger.Warn("build reset link", zap.Error(err))
	}
	if err := m.notifier.NotifyReset(ctx, ResetNotice{
		Email:     user.Email,
		Key:       key,
		Link:      link,
		ExpiresAt: session.ExpiresAt,
	}); err != nil {
		m.logger.Error("deliver reset key", zap.String("email", user.Email), zap.Error(err))
		m.metrics.resetRequest("error")
		return Result{Message: msgSendFailed, Reason: ReasonSendFailed}
	}

	m.logger.Info("reset session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.Time("expires_at", session.ExpiresAt),
	)
	m.metrics.resetRequest("sent")
	return Result{
		Success: true,
		Message: fmt.Sprintf("Password reset instructions sent to %s. Check your email for the reset key.", email),
	}
}

// VerifyKey counts one attempt against the live session for email and
// returns it when key matches. Exceeding MaxAttempts locks the session.
func (m *ResetManager) VerifyKey(ctx context.Context, email, key string) *ResetSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verify(ctx, email, key)
}

// ResetPassword verifies the key, overwrites the user's password, consumes
// the session and revokes the user's session tokens.
func (m *ResetManager) ResetPassword(ctx context.Context, email, key, newPassword string) Result {
	if !PasswordFits(newPassword) {
		return Result{Message: msgBadPassword, Reason: ReasonBadPassword}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.verify(ctx, email, key)
	if session == nil {
		return Result{Message: msgInvalidKey, Reason: ReasonInvalidKey}
	}
	if session.Closed(m.now()) {
		return Result{Message: msgExpired, Reason: ReasonExpired}
	}

	hash, err := HashPassword(newPassword, m.bcryptCost)
	if err != nil {
		m.logger.Error("hash new password", zap.Error(err))
		return Result{Message: msgUpdateFailed, Reason: ReasonUpdateFailed}
	}
	if err := m.users.UpdatePassword(ctx, session.UserID, hash); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Result{Message: msgUserMissing, Reason: ReasonUserMissing}
		}
		m.storageFailure("update password", err)
		return Result{Message: msgUpdateFailed, Reason: ReasonUpdateFailed}
	}

	session.IsUsed = true
	if err := m.update(ctx, *session); err != nil {
		m.storageFailure("consume reset session", err)
	}
	if m.tokens != nil {
		m.tokens.RevokeAllForUser(ctx, session.UserID)
	}

	m.logger.Info("password reset completed", zap.String("user_id", session.UserID), zap.String("session_id", session.ID))
	return Result{Success: true, Message: msgResetComplete}
}

// RemainingTime returns how long the matching unused session has left, or zero.
func (m *ResetManager) RemainingTime(ctx context.Context, email, key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, err := m.list(ctx)
	if err != nil {
		m.storageFailure("load reset sessions", err)
		return 0
	}
	for _, s := range sessions {
		if strings.EqualFold(s.Email, email) && !s.IsUsed && m.signer.Verify([]byte(key), s.KeyDigest) {
			if remaining := s.ExpiresAt.Sub(m.now()); remaining > 0 {
				return remaining
			}
			return 0
		}
	}
	return 0
}

// CleanupExpired drops used and expired sessions and returns how many were dropped.
func (m *ResetManager) CleanupExpired(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, err := loadList[ResetSession](ctx, m.store, m.key)
	if err != nil {
		m.storageFailure("load reset sessions", err)
		return 0
	}
	live := m.live(sessions)
	removed := len(sessions) - len(live)
	if removed == 0 {
		return 0
	}
	if err := saveList(ctx, m.store, m.key, live); err != nil {
		m.storageFailure("store reset sessions", err)
		return 0
	}
	m.logger.Info("expired reset sessions cleaned up", zap.Int("count", removed))
	return removed
}

func (m *ResetManager) verify(ctx context.Context, email, key string) *ResetSession {
	sessions, err := m.list(ctx)
	if err != nil {
		m.storageFailure("load reset sessions", err)
		return nil
	}
	now := m.now()
	idx := indexOf(sessions, func(s ResetSession) bool {
		return strings.EqualFold(s.Email, email) && !s.Closed(now)
	})
	if idx < 0 {
		m.logger.Info("no live reset session", zap.String("email", email))
		m.metrics.resetVerification("not_found")
		return nil
	}

	s := &sessions[idx]
	s.Attempts++
	if s.Attempts > s.MaxAttempts {
		s.IsUsed = true
		if err := saveList(ctx, m.store, m.key, sessions); err != nil {
			m.storageFailure("lock reset session", err)
		}
		m.logger.Warn("reset session locked after too many attempts", zap.String("session_id", s.ID))
		m.metrics.resetVerification("locked_out")
		return nil
	}
	if err := saveList(ctx, m.store, m.key, sessions); err != nil {
		m.storageFailure("store reset attempt", err)
		return nil
	}
	if !m.signer.Verify([]byte(key), s.KeyDigest) {
		m.logger.Info("reset key mismatch", zap.String("session_id", s.ID), zap.Int("attempts", s.Attempts))
		m.metrics.resetVerification("mismatch")
		return nil
	}

	m.metrics.resetVerification("ok")
	found := *s
	return &found
}

// put replaces any session of the same user with s.
func (m *ResetManager) put(ctx context.Context, s ResetSession) error {
	sessions, err := m.list(ctx)
	if err != nil {
		return err
	}
	kept := sessions[:0]
	for _, existing := range sessions {
		if existing.UserID != s.UserID {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, s)
	return saveList(ctx, m.store, m.key, kept)
}

func (m *ResetManager) update(ctx context.Context, s ResetSession) error {
	sessions, err := loadList[ResetSession](ctx, m.store, m.key)
	if err != nil {
		return err
	}
	idx := indexOf(sessions, func(existing ResetSession) bool { return existing.ID == s.ID })
	if idx < 0 {
		return nil
	}
	sessions[idx] = s
	return saveList(ctx, m.store, m.key, sessions)
}

// list loads the sessions and prunes closed ones, persisting the pruned list.
func (m *ResetManager) list(ctx context.Context) ([]ResetSession, error) {
	sessions, err := loadList[ResetSession](ctx, m.store, m.key)
	if err != nil {
		return nil, err
	}
	live := m.live(sessions)
	if len(live) != len(sessions) {
		if err := saveList(ctx, m.store, m.key, live); err != nil {
			m.storageFailure("prune reset sessions", err)
		}
	}
	return live, nil
}

func (m *ResetManager) live(sessions []ResetSession) []ResetSession {
	now := m.now()
	live := make([]ResetSession, 0, len(sessions))
	for _, s := range sessions {
		if !s.Closed(now) {
			live = append(live, s)
		}
	}
	return live
}

func (m *ResetManager) newKey() (string, error) {
	if m.keyMode == KeyModeStatic {
		return m.staticKey, nil
	}
	return randomKey(resetKeyBytes)
}

func (m *ResetManager) storageFailure(op string, err error) {
	m.metrics.storageError("resets")
	m.logger.Error("reset storage failure", zap.String("op", op), zap.Error(err))
}
