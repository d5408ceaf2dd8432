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

const DefaultSessionTTL = 24 * time.Hour

// TokenManager is the session ledger: one active token per user, plus a
// "current" token per device that is mirrored into cookies.
type TokenManager struct {
	store      Store
	keys       Keys
	cookies    CookieJar
	deviceID   string
	currentKey string
	now        func() time.Time
	ttl        time.Duration
	logger     *zap.Logger
	metrics    *Metrics
	mu         *sync.Mutex
}

type TokenConfig struct {
	Store   Store
	Cookies CookieJar
	Logger  *zap.Logger
	Metrics *Metrics
	Now     func() time.Time
	TTL     time.Duration
	Keys    Keys
}

func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var jar CookieJar = noopJar{}
	if cfg.Cookies != nil {
		jar = cfg.Cookies
	}
	keys := cfg.Keys.withDefaults()
	return &TokenManager{
		store:      cfg.Store,
		keys:       keys,
		cookies:    jar,
		currentKey: keys.Current,
		now:        nowFn,
		ttl:        ttl,
		logger:     logger.With(zap.String("ledger", "tokens")),
		metrics:    cfg.Metrics,
		mu:         &sync.Mutex{},
	}, nil
}

// ForDevice returns a view of the ledger whose current token and cookies
// belong to one device. Views share storage and locking with m.
func (m *TokenManager) ForDevice(deviceID string, jar CookieJar) *TokenManager {
	v := *m
	v.deviceID = deviceID
	v.currentKey = m.keys.Current + ":" + deviceID
	if jar != nil {
		v.cookies = jar
	} else {
		v.cookies = noopJar{}
	}
	v.logger = m.logger.With(zap.String("device_id", deviceID))
	return &v
}

// TTL is the validity window applied at issuance and refresh.
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// Issue creates a token for the profile, evicting any earlier token of the
// same user, and makes it current.
func (m *TokenManager) Issue(ctx context.Context, profile UserProfile, deviceID string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	if deviceID == "" {
		deviceID = m.localDeviceID(ctx)
	}
	now := m.now()
	token := Token{
		ID:          uuid.NewString(),
		UserID:      profile.ID,
		UserDetails: snapshot(profile, now),
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.ttl),
		DeviceIDs:   []string{deviceID},
		SessionID:   uuid.NewString(),
		IsActive:    true,
		LastUsed:    now,
	}

	evicted := 0
	tokens, err := m.list(ctx)
	if err != nil {
		m.storageFailure("load tokens", err)
	} else {
		kept := tokens[:0]
		for _, t := range tokens {
			if t.UserID == token.UserID {
				evicted++
				continue
			}
			kept = append(kept, t)
		}
		kept = append(kept, token)
		if err := saveList(ctx, m.store, m.keys.Tokens, kept); err != nil {
			m.storageFailure("store token", err)
		}
	}
	m.setCurrent(ctx, token)

	m.metrics.tokenIssued()
	m.metrics.tokensRemoved("superseded", evicted)
	m.logger.Info("token issued",
		zap.String("token_id", token.ID),
		zap.String("user_id", token.UserID),
		zap.String("session_id", token.SessionID),
		zap.Strings("device_ids", token.DeviceIDs),
		zap.Time("expires_at", token.ExpiresAt),
	)
	return token.clone()
}

// SetCurrent makes t the current token of this view and mirrors it into cookies.
func (m *TokenManager) SetCurrent(ctx context.Context, t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCurrent(ctx, t)
}

// Current returns the current token, or nil when there is none, it has
// expired, or it was revoked from the ledger through another device. In the
// last two cases the current pointer is cleared.
func (m *TokenManager) Current(ctx context.Context) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.readCurrent(ctx)
	if t == nil {
		return nil
	}
	if t.Expired(m.now()) {
		m.clearCurrent(ctx)
		return nil
	}
	stored, err := m.find(ctx, t.ID)
	if err != nil {
		return nil
	}
	if stored == nil {
		m.clearCurrent(ctx)
		return nil
	}
	return stored
}

// ClearCurrent drops the current pointer and its cookies.
func (m *TokenManager) ClearCurrent(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearCurrent(ctx)
}

// Validate returns the stored token with tokenID if it exists and has not expired.
// Device and session identifiers are not checked.
func (m *TokenManager) Validate(ctx context.Context, tokenID string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _ := m.find(ctx, tokenID)
	return t
}

// UserFromToken returns the identity behind a valid token.
func (m *TokenManager) UserFromToken(ctx context.Context, tokenID string) *UserSummary {
	t := m.Validate(ctx, tokenID)
	if t == nil {
		return nil
	}
	return &UserSummary{ID: t.UserID, Email: t.UserDetails.Email, Type: t.UserDetails.Type}
}

func (m *TokenManager) IsExpired(t Token) bool {
	return t.Expired(m.now())
}

// ListAll returns every live token. Expired tokens are pruned from storage as a side effect.
func (m *TokenManager) ListAll(ctx context.Context) []Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens, err := m.list(ctx)
	if err != nil {
		m.storageFailure("list tokens", err)
		return nil
	}
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, *t.clone())
	}
	return out
}

// Revoke removes one token. It reports whether a token was removed.
func (m *TokenManager) Revoke(ctx context.Context, tokenID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.removeWhere(ctx, func(t Token) bool { return t.ID == tokenID })
	if cur := m.readCurrent(ctx); cur != nil && cur.ID == tokenID {
		m.clearCurrent(ctx)
	}
	if removed > 0 {
		m.metrics.tokensRemoved("revoked", removed)
		m.logger.Info("token revoked", zap.String("token_id", tokenID))
	}
	return removed > 0
}

// RevokeAllForUser removes every token of userID and returns how many were removed.
func (m *TokenManager) RevokeAllForUser(ctx context.Context, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.removeWhere(ctx, func(t Token) bool { return t.UserID == userID })
	if cur := m.readCurrent(ctx); cur != nil && cur.UserID == userID {
		m.clearCurrent(ctx)
	}
	m.metrics.tokensRemoved("logout_all", removed)
	m.logger.Info("user tokens revoked", zap.String("user_id", userID), zap.Int("count", removed))
	return removed
}

// Refresh extends a valid token's expiry to one TTL from now.
func (m *TokenManager) Refresh(ctx context.Context, tokenID string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens, err := m.list(ctx)
	if err != nil {
		m.storageFailure("load tokens", err)
		return nil
	}
	idx := indexOf(tokens, func(t Token) bool { return t.ID == tokenID })
	if idx < 0 {
		return nil
	}
	tokens[idx].ExpiresAt = m.now().Add(m.ttl)
	if err := saveList(ctx, m.store, m.keys.Tokens, tokens); err != nil {
		m.storageFailure("store token", err)
		return nil
	}
	if cur := m.readCurrent(ctx); cur != nil && cur.ID == tokenID {
		m.setCurrent(ctx, tokens[idx])
	}
	return tokens[idx].clone()
}

// AddDevice records deviceID on the token. It returns false when the token
// does not exist or already lists the device.
func (m *TokenManager) AddDevice(ctx context.Context, tokenID, deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens, err := m.list(ctx)
	if err != nil {
		m.storageFailure("load tokens", err)
		return false
	}
	idx := indexOf(tokens, func(t Token) bool { return t.ID == tokenID })
	if idx < 0 || tokens[idx].hasDevice(deviceID) {
		return false
	}
	tokens[idx].DeviceIDs = append(tokens[idx].DeviceIDs, deviceID)
	tokens[idx].LastUsed = m.now()
	if err := saveList(ctx, m.store, m.keys.Tokens, tokens); err != nil {
		m.storageFailure("store token", err)
		return false
	}
	m.logger.Info("device added", zap.String("token_id", tokenID), zap.String("added_device_id", deviceID))
	return true
}

// VerifyCredentials finds a live, active token whose snapshot matches the
// email (case-insensitive), role and password. On a match the calling device
// is added to the token.
func (m *TokenManager) VerifyCredentials(ctx context.Context, email, password string, role Role) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens, err := m.list(ctx)
	if err != nil {
		m.storageFailure("load tokens", err)
		return nil
	}
	now := m.now()
	idx := indexOf(tokens, func(t Token) bool {
		return t.IsActive &&
			!t.Expired(now) &&
			strings.EqualFold(t.UserDetails.Email, email) &&
			t.UserDetails.Type == role &&
			CheckPassword(t.UserDetails.PasswordHash, password)
	})
	if idx < 0 {
		return nil
	}

	device := m.localDeviceID(ctx)
	tokens[idx].LastUsed = now
	if !tokens[idx].hasDevice(device) {
		tokens[idx].DeviceIDs = append(tokens[idx].DeviceIDs, device)
	}
	if err := saveList(ctx, m.store, m.keys.Tokens, tokens); err != nil {
		m.storageFailure("store token", err)
		return nil
	}
	m.logger.Info("credentials verified against token", zap.String("token_id", tokens[idx].ID))
	return tokens[idx].clone()
}

// UpdateUserDetails merges upd into the user's token snapshot, keeping the token itself.
func (m *TokenManager) UpdateUserDetails(ctx context.Context, userID string, upd UserDetailsUpdate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens, err := m.list(ctx)
	if err != nil {
		m.storageFailure("load tokens", err)
		return false
	}
	idx := indexOf(tokens, func(t Token) bool { return t.UserID == userID })
	if idx < 0 {
		return false
	}
	upd.apply(&tokens[idx].UserDetails)
	tokens[idx].LastUsed = m.now()
	if err := saveList(ctx, m.store, m.keys.Tokens, tokens); err != nil {
		m.storageFailure("store token", err)
		return false
	}
	if cur := m.readCurrent(ctx); cur != nil && cur.UserID == userID {
		m.setCurrent(ctx, tokens[idx])
	}
	m.logger.Info("user details updated", zap.String("user_id", userID))
	return true
}

// list loads the token list and prunes expired records, persisting the pruned list.
func (m *TokenManager) list(ctx context.Context) ([]Token, error) {
	tokens, err := loadList[Token](ctx, m.store, m.keys.Tokens)
	if err != nil {
		return nil, err
	}
	now := m.now()
	live := tokens[:0]
	for _, t := range tokens {
		if !t.Expired(now) {
			live = append(live, t)
		}
	}
	if pruned := len(tokens) - len(live); pruned > 0 {
		if err := saveList(ctx, m.store, m.keys.Tokens, live); err != nil {
			m.storageFailure("prune tokens", err)
		}
		m.metrics.tokensRemoved("expired", pruned)
	}
	return live, nil
}

func (m *TokenManager) find(ctx context.Context, tokenID string) (*Token, error) {
	tokens, err := m.list(ctx)
	if err != nil {
		m.storageFailure("load tokens", err)
		return nil, err
	}
	for _, t := range tokens {
		if t.ID == tokenID {
			return t.clone(), nil
		}
	}
	return nil, nil
}

func (m *TokenManager) removeWhere(ctx context.Context, match func(Token) bool) int {
	tokens, err := m.list(ctx)
	if err != nil {
		m.storageFailure("load tokens", err)
		return 0
	}
	kept := tokens[:0]
	for _, t := range tokens {
		if !match(t) {
			kept = append(kept, t)
		}
	}
	removed := len(tokens) - len(kept)
	if removed == 0 {
		return 0
	}
	if err := saveList(ctx, m.store, m.keys.Tokens, kept); err != nil {
		m.storageFailure("store tokens", err)
		return 0
	}
	return removed
}

func (m *TokenManager) readCurrent(ctx context.Context) *Token {
	t, err := loadValue[Token](ctx, m.store, m.currentKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		m.storageFailure("load current token", err)
		return nil
	}
	return t
}

func (m *TokenManager) setCurrent(ctx context.Context, t Token) {
	if err := saveValue(ctx, m.store, m.currentKey, t); err != nil {
		m.storageFailure("store current token", err)
		return
	}
	m.mirror(t)
}

func (m *TokenManager) mirror(t Token) {
	summary, err := jsonString(summarize(t))
	if err != nil {
		m.logger.Error("encode session cookie", zap.Error(err))
		return
	}
	m.cookies.Set(TokenCookie, t.ID, m.ttl)
	m.cookies.Set(SessionCookie, summary, m.ttl)
}

func (m *TokenManager) clearCurrent(ctx context.Context) {
	if err := m.store.Delete(ctx, m.currentKey); err != nil {
		m.storageFailure("clear current token", err)
	}
	m.cookies.Clear(TokenCookie)
	m.cookies.Clear(SessionCookie)
}

// localDeviceID returns the view's device, or the ledger-wide device id,
// generating and persisting one on first use.
func (m *TokenManager) localDeviceID(ctx context.Context) string {
	if m.deviceID != "" {
		return m.deviceID
	}
	raw, err := m.store.Get(ctx, m.keys.DeviceID)
	if err == nil && len(raw) > 0 {
		return string(raw)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.storageFailure("load device id", err)
		return "server"
	}
	id := uuid.NewString()
	if err := m.store.Put(ctx, m.keys.DeviceID, []byte(id)); err != nil {
		m.storageFailure("store device id", err)
	}
	return id
}

func (m *TokenManager) storageFailure(op string, err error) {
	m.metrics.storageError("tokens")
	m.logger.Error("token storage failure", zap.String("op", op), zap.Error(err))
}

func snapshot(p UserProfile, now time.Time) UserDetails {
	memberSince := p.MemberSince
	if memberSince == "" {
		memberSince = now.Format("2006")
	}
	return UserDetails{
		Name:          p.Name,
		Email:         p.Email,
		Phone:         p.Phone,
		Type:          p.Type,
		Bio:           p.Bio,
		Location:      p.Location,
		Company:       p.Company,
		VehicleType:   p.VehicleType,
		LicenseNumber: p.LicenseNumber,
		PasswordHash:  p.PasswordHash,
		GoogleID:      p.GoogleID,
		IsPremium:     p.IsPremium,
		MemberSince:   memberSince,
		Rating:        p.Rating,
		CompletedJobs: p.CompletedJobs,
		TotalEarnings: p.TotalEarnings,
		IsAvailable:   boolOr(p.IsAvailable, true),
		IsOnline:      boolOr(p.IsOnline, true),
		WalletBalance: p.Wallet.Balance,
		TotalSpent:    p.Wallet.TotalSpent,
		TotalEarned:   p.Wallet.TotalEarned,
	}
}

func (u UserDetailsUpdate) apply(d *UserDetails) {
	setIf(&d.Name, u.Name)
	setIf(&d.Email, u.Email)
	setIf(&d.Phone, u.Phone)
	setIf(&d.Bio, u.Bio)
	setIf(&d.Location, u.Location)
	setIf(&d.Company, u.Company)
	setIf(&d.VehicleType, u.VehicleType)
	setIf(&d.LicenseNumber, u.LicenseNumber)
	setIf(&d.IsPremium, u.IsPremium)
	setIf(&d.Rating, u.Rating)
	setIf(&d.CompletedJobs, u.CompletedJobs)
	setIf(&d.TotalEarnings, u.TotalEarnings)
	setIf(&d.IsAvailable, u.IsAvailable)
	setIf(&d.IsOnline, u.IsOnline)
	setIf(&d.WalletBalance, u.WalletBalance)
	setIf(&d.TotalSpent, u.TotalSpent)
	setIf(&d.TotalEarned, u.TotalEarned)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func indexOf[T any](items []T, match func(T) bool) int {
	for i, it := range items {
		if match(it) {
			return i
		}
	}
	return -1
}
