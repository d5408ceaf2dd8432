package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStore wraps a Store and fails every call once broken is set.
type failingStore struct {
	Store
	broken bool
}

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.broken {
		return nil, errStoreDown
	}
	return s.Store.Get(ctx, key)
}

func (s *failingStore) Put(ctx context.Context, key string, value []byte) error {
	if s.broken {
		return errStoreDown
	}
	return s.Store.Put(ctx, key, value)
}

func (s *failingStore) Delete(ctx context.Context, key string) error {
	if s.broken {
		return errStoreDown
	}
	return s.Store.Delete(ctx, key)
}

func setupTokens(t *testing.T) (*TokenManager, *testClock, *MemoryCookieJar) {
	t.Helper()
	clock := newTestClock()
	jar := NewMemoryCookieJar()
	tm, err := NewTokenManager(TokenConfig{
		Store:   NewMemoryStore(),
		Cookies: jar,
		Now:     clock.Now,
		Metrics: NewMetrics(),
	})
	require.NoError(t, err)
	return tm, clock, jar
}

func sampleProfile(t *testing.T, id, email string, role Role) UserProfile {
	t.Helper()
	hash, err := HashPassword("secret123", bcrypt.MinCost)
	require.NoError(t, err)
	return UserProfile{
		ID:           id,
		Name:         "Ayse Demir",
		Email:        email,
		Phone:        "+90 555 000 0000",
		Type:         role,
		PasswordHash: hash,
		Wallet:       Wallet{Balance: 120.5},
	}
}

func TestNewTokenManager_RequiresStore(t *testing.T) {
	_, err := NewTokenManager(TokenConfig{})
	require.Error(t, err)
}

func TestTokenManager_Issue(t *testing.T) {
	tm, clock, jar := setupTokens(t)
	ctx := context.Background()

	tok := tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleCustomer), "dev-1")
	require.NotNil(t, tok)

	assert.NotEmpty(t, tok.ID)
	assert.NotEmpty(t, tok.SessionID)
	assert.Equal(t, "u1", tok.UserID)
	assert.True(t, tok.IsActive)
	assert.Equal(t, []string{"dev-1"}, tok.DeviceIDs)
	assert.Equal(t, clock.Now(), tok.IssuedAt)
	assert.Equal(t, clock.Now().Add(DefaultSessionTTL), tok.ExpiresAt)
	assert.Equal(t, "2024", tok.UserDetails.MemberSince)
	assert.True(t, tok.UserDetails.IsAvailable)
	assert.True(t, tok.UserDetails.IsOnline)
	assert.Equal(t, 120.5, tok.UserDetails.WalletBalance)

	cur := tm.Current(ctx)
	require.NotNil(t, cur)
	assert.Equal(t, tok.ID, cur.ID)

	c, ok := jar.Get(TokenCookie)
	require.True(t, ok)
	assert.Equal(t, tok.ID, c.Value)
	assert.Equal(t, DefaultSessionTTL, c.MaxAge)

	s, ok := jar.Get(SessionCookie)
	require.True(t, ok)
	summary, err := DecodeSessionCookie(s.Value)
	require.NoError(t, err)
	assert.Equal(t, SessionSummary{
		ID:        "u1",
		Type:      RoleCustomer,
		Email:     "ayse@example.com",
		TokenID:   tok.ID,
		SessionID: tok.SessionID,
	}, summary)
}

func TestTokenManager_Issue_OneTokenPerUser(t *testing.T) {
	tm, _, _ := setupTokens(t)
	ctx := context.Background()

	first := tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleCustomer), "dev-1")
	other := tm.Issue(ctx, sampleProfile(t, "u2", "mehmet@example.com", RoleDriver), "dev-2")
	second := tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleCustomer), "dev-1")

	assert.Nil(t, tm.Validate(ctx, first.ID))
	assert.NotNil(t, tm.Validate(ctx, second.ID))
	assert.NotNil(t, tm.Validate(ctx, other.ID))

	all := tm.ListAll(ctx)
	require.Len(t, all, 2)
	perUser := map[string]int{}
	for _, tok := range all {
		perUser[tok.UserID]++
	}
	assert.Equal(t, map[string]int{"u1": 1, "u2": 1}, perUser)
}

func TestTokenManager_Issue_UsesLocalDeviceID(t *testing.T) {
	tm, _, _ := setupTokens(t)
	ctx := context.Background()

	a := tm.Issue(ctx, sampleProfile(t, "u1", "a@example.com", RoleCustomer), "")
	b := tm.Issue(ctx, sampleProfile(t, "u2", "b@example.com", RoleCustomer), "")

	require.Len(t, a.DeviceIDs, 1)
	assert.NotEmpty(t, a.DeviceIDs[0])
	assert.Equal(t, a.DeviceIDs, b.DeviceIDs)
}

func TestTokenManager_Validate(t *testing.T) {
	tm, clock, _ := setupTokens(t)
	ctx := context.Background()

	tok := tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleCustomer), "dev-1")

	assert.Nil(t, tm.Validate(ctx, "missing"))
	require.NotNil(t, tm.Validate(ctx, tok.ID))

	clock.Advance(DefaultSessionTTL)
	assert.NotNil(t, tm.Validate(ctx, tok.ID), "expiry instant itself is still valid")

	clock.Advance(time.Second)
	assert.Nil(t, tm.Validate(ctx, tok.ID))
	assert.Empty(t, tm.ListAll(ctx))
}

func TestTokenManager_Current_ExpiredClearsPointer(t *testing.T) {
	tm, clock, jar := setupTokens(t)
	ctx := context.Background()

	tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleCustomer), "dev-1")
	clock.Advance(DefaultSessionTTL + time.Minute)

	assert.Nil(t, tm.Current(ctx))
	_, ok := jar.Get(TokenCookie)
	assert.False(t, ok)
	_, ok = jar.Get(SessionCookie)
	assert.False(t, ok)
	assert.Empty(t, tm.ListAll(ctx))
}

func TestTokenManager_UserFromToken(t *testing.T) {
	tm, _, _ := setupTokens(t)
	ctx := context.Background()

	tok := tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleDriver), "dev-1")

	user := tm.UserFromToken(ctx, tok.ID)
	require.NotNil(t, user)
	assert.Equal(t, UserSummary{ID: "u1", Email: "ayse@example.com", Type: RoleDriver}, *user)
	assert.Nil(t, tm.UserFromToken(ctx, "missing"))
}

func TestTokenManager_Revoke(t *testing.T) {
	tm, _, jar := setupTokens(t)
	ctx := context.Background()

	tok := tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleCustomer), "dev-1")

	assert.True(t, tm.Revoke(ctx, tok.ID))
	assert.False(t, tm.Revoke(ctx, tok.ID))
	assert.Nil(t, tm.Validate(ctx, tok.ID))
	assert.Nil(t, tm.Current(ctx))
	_, ok := jar.Get(TokenCookie)
	assert.False(t, ok)
}

func TestTokenManager_RevokeAllForUser(t *testing.T) {
	tm, _, _ := setupTokens(t)
	ctx := context.Background()

	tm.Issue(ctx, sampleProfile(t, "u1", "a@example.com", RoleCustomer), "dev-1")
	other := tm.Issue(ctx, sampleProfile(t, "u2", "b@example.com", RoleCustomer), "dev-2")

	assert.Equal(t, 1, tm.RevokeAllForUser(ctx, "u1"))
	assert.Equal(t, 0, tm.RevokeAllForUser(ctx, "u1"))
	assert.NotNil(t, tm.Validate(ctx, other.ID))
	assert.Len(t, tm.ListAll(ctx), 1)
}

func TestTokenManager_Refresh(t *testing.T) {
	tm, clock, jar := setupTokens(t)
	ctx := context.Background()

	tok := tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleCustomer), "dev-1")
	clock.Advance(time.Hour)

	refreshed := tm.Refresh(ctx, tok.ID)
	require.NotNil(t, refreshed)
	assert.True(t, refreshed.ExpiresAt.After(tok.ExpiresAt))
	assert.Equal(t, clock.Now().Add(DefaultSessionTTL), refreshed.ExpiresAt)
	assert.Equal(t, tok.ID, refreshed.ID)
	assert.Equal(t, tok.UserID, refreshed.UserID)
	assert.Equal(t, tok.UserDetails, refreshed.UserDetails)

	cur := tm.Current(ctx)
	require.NotNil(t, cur)
	assert.Equal(t, refreshed.ExpiresAt, cur.ExpiresAt)
	_, ok := jar.Get(TokenCookie)
	assert.True(t, ok)

	assert.Nil(t, tm.Refresh(ctx, "missing"))

	clock.Advance(DefaultSessionTTL + time.Second)
	assert.Nil(t, tm.Refresh(ctx, tok.ID), "expired tokens cannot be refreshed")
}

func TestTokenManager_AddDevice(t *testing.T) {
	tm, _, _ := setupTokens(t)
	ctx := context.Background()

	tok := tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleCustomer), "dev-1")

	assert.True(t, tm.AddDevice(ctx, tok.ID, "dev-2"))
	assert.False(t, tm.AddDevice(ctx, tok.ID, "dev-2"))
	assert.False(t, tm.AddDevice(ctx, tok.ID, "dev-1"))
	assert.False(t, tm.AddDevice(ctx, "missing", "dev-3"))

	got := tm.Validate(ctx, tok.ID)
	require.NotNil(t, got)
	assert.Equal(t, []string{"dev-1", "dev-2"}, got.DeviceIDs)
}

func TestTokenManager_VerifyCredentials(t *testing.T) {
	tm, clock, _ := setupTokens(t)
	ctx := context.Background()

	tok := tm.Issue(ctx, sampleProfile(t, "u1", "Ayse@Example.com", RoleDriver), "dev-1")
	phone := tm.ForDevice("phone-7", nil)

	got := phone.VerifyCredentials(ctx, "ayse@example.com", "secret123", RoleDriver)
	require.NotNil(t, got)
	assert.Equal(t, tok.ID, got.ID)
	assert.Contains(t, got.DeviceIDs, "phone-7")

	assert.Nil(t, tm.VerifyCredentials(ctx, "ayse@example.com", "wrong", RoleDriver))
	assert.Nil(t, tm.VerifyCredentials(ctx, "ayse@example.com", "secret123", RoleCustomer))
	assert.Nil(t, tm.VerifyCredentials(ctx, "other@example.com", "secret123", RoleDriver))

	clock.Advance(DefaultSessionTTL + time.Second)
	assert.Nil(t, tm.VerifyCredentials(ctx, "ayse@example.com", "secret123", RoleDriver))
}

func TestTokenManager_UpdateUserDetails(t *testing.T) {
	tm, _, jar := setupTokens(t)
	ctx := context.Background()

	tok := tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleCustomer), "dev-1")

	email := "ayse.new@example.com"
	rating := 4.8
	offline := false
	ok := tm.UpdateUserDetails(ctx, "u1", UserDetailsUpdate{Email: &email, Rating: &rating, IsOnline: &offline})
	require.True(t, ok)

	got := tm.Validate(ctx, tok.ID)
	require.NotNil(t, got)
	assert.Equal(t, email, got.UserDetails.Email)
	assert.Equal(t, 4.8, got.UserDetails.Rating)
	assert.False(t, got.UserDetails.IsOnline)
	assert.Equal(t, "Ayse Demir", got.UserDetails.Name)

	c, found := jar.Get(SessionCookie)
	require.True(t, found)
	summary, err := DecodeSessionCookie(c.Value)
	require.NoError(t, err)
	assert.Equal(t, email, summary.Email)

	assert.False(t, tm.UpdateUserDetails(ctx, "missing", UserDetailsUpdate{Email: &email}))
}

func TestTokenManager_ForDevice_ScopesCurrent(t *testing.T) {
	tm, _, _ := setupTokens(t)
	ctx := context.Background()

	laptopJar := NewMemoryCookieJar()
	phoneJar := NewMemoryCookieJar()
	laptop := tm.ForDevice("laptop", laptopJar)
	phone := tm.ForDevice("phone", phoneJar)

	a := laptop.Issue(ctx, sampleProfile(t, "u1", "a@example.com", RoleCustomer), "")
	b := phone.Issue(ctx, sampleProfile(t, "u2", "b@example.com", RoleDriver), "")

	assert.Equal(t, []string{"laptop"}, a.DeviceIDs)
	assert.Equal(t, []string{"phone"}, b.DeviceIDs)

	require.NotNil(t, laptop.Current(ctx))
	require.NotNil(t, phone.Current(ctx))
	assert.Equal(t, a.ID, laptop.Current(ctx).ID)
	assert.Equal(t, b.ID, phone.Current(ctx).ID)

	c, ok := laptopJar.Get(TokenCookie)
	require.True(t, ok)
	assert.Equal(t, a.ID, c.Value)

	// A revocation through another view clears the stale pointer on next read.
	assert.Equal(t, 1, tm.RevokeAllForUser(ctx, "u1"))
	assert.Nil(t, laptop.Current(ctx))
	_, ok = laptopJar.Get(TokenCookie)
	assert.False(t, ok)
	assert.NotNil(t, phone.Current(ctx))
}

func TestTokenManager_ConcurrentIssue_KeepsOnePerUser(t *testing.T) {
	tm, _, _ := setupTokens(t)
	ctx := context.Background()
	profile := sampleProfile(t, "u1", "ayse@example.com", RoleCustomer)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tm.Issue(ctx, profile, "dev-1")
		}()
	}
	wg.Wait()

	assert.Len(t, tm.ListAll(ctx), 1)
}

// Two managers over one store do not share a lock, so interleaved
// read-modify-write cycles are last write wins.
func TestTokenManager_SeparateInstances_LastWriteWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a, err := NewTokenManager(TokenConfig{Store: store})
	require.NoError(t, err)
	b, err := NewTokenManager(TokenConfig{Store: store})
	require.NoError(t, err)

	first := a.Issue(ctx, sampleProfile(t, "u1", "a@example.com", RoleCustomer), "dev-1")
	second := b.Issue(ctx, sampleProfile(t, "u2", "b@example.com", RoleCustomer), "dev-2")

	// Sequential calls still see each other's writes.
	assert.NotNil(t, a.Validate(ctx, first.ID))
	assert.NotNil(t, a.Validate(ctx, second.ID))
	assert.Len(t, b.ListAll(ctx), 2)
}

func TestTokenManager_StorageFailureDegrades(t *testing.T) {
	store := &failingStore{Store: NewMemoryStore()}
	ctx := context.Background()
	metrics := NewMetrics()
	tm, err := NewTokenManager(TokenConfig{Store: store, Metrics: metrics})
	require.NoError(t, err)

	tok := tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleCustomer), "dev-1")
	store.broken = true

	assert.Nil(t, tm.Validate(ctx, tok.ID))
	assert.Nil(t, tm.Current(ctx))
	assert.Nil(t, tm.ListAll(ctx))
	assert.False(t, tm.Revoke(ctx, tok.ID))
	assert.Equal(t, 0, tm.RevokeAllForUser(ctx, "u1"))
	assert.Nil(t, tm.Refresh(ctx, tok.ID))
	assert.False(t, tm.AddDevice(ctx, tok.ID, "dev-2"))

	issued := tm.Issue(ctx, sampleProfile(t, "u2", "b@example.com", RoleCustomer), "dev-2")
	require.NotNil(t, issued, "issue still hands back the token it built")

	store.broken = false
	assert.NotNil(t, tm.Validate(ctx, tok.ID), "failed reads must not wipe the ledger")
	assert.Nil(t, tm.Validate(ctx, issued.ID))
}
