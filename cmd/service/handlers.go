package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/tunaaoguzhann/session-ledger/core"
)

type server struct {
	ledgers  *core.Ledgers
	metrics  *core.Metrics
	logger   *zap.Logger
	validate *validator.Validate
	limiter  core.RateLimiter
	cfg      config
}

func newServer(ledgers *core.Ledgers, metrics *core.Metrics, logger *zap.Logger, cfg config) *server {
	return &server{
		ledgers:  ledgers,
		metrics:  metrics,
		logger:   logger,
		validate: newValidator(),
		limiter:  ledgers.RateLimiter("client-rate:"),
		cfg:      cfg,
	}
}

// newValidator registers "pwbytes", which bounds a password by bcrypt's byte limit.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("pwbytes", func(fl validator.FieldLevel) bool {
		return core.PasswordFits(fl.Field().String())
	})
	return v
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger, s.metrics))

	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(api chi.Router) {
		api.Use(rateLimit(s.limiter, s.cfg.ClientRateLimit, s.cfg.ClientRateWindow))
		api.Use(deviceScope(s.cfg.SecureCookies))

		api.Route("/auth", func(auth chi.Router) {
			auth.Post("/register", s.handleRegister)
			auth.Post("/login", s.handleLogin)
			auth.Post("/logout", s.handleLogout)
			auth.Post("/logout-all", s.handleLogoutAll)
		})

		api.Get("/session", s.handleSession)
		api.Post("/session/refresh", s.handleRefresh)
		api.Post("/session/devices", s.handleAddDevice)
		api.Patch("/session/profile", s.handleUpdateProfile)

		api.Route("/password", func(pw chi.Router) {
			pw.Post("/forgot", s.handleForgot)
			pw.Post("/verify", s.handleVerifyKey)
			pw.Post("/reset", s.handleResetPassword)
			pw.Get("/remaining", s.handleRemaining)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(adminAuth(s.cfg.JWTSecret))
		admin.Get("/tokens", s.handleListTokens)
		admin.Delete("/users/{id}/tokens", s.handleRevokeUser)
		admin.Post("/password/cleanup", s.handleCleanup)
	})

	return r
}

// tokens returns the session ledger scoped to the caller's device, writing cookies onto w.
func (s *server) tokens(w http.ResponseWriter, r *http.Request) *core.TokenManager {
	return s.ledgers.Tokens.ForDevice(deviceIDFrom(r.Context()), core.NewResponseCookieJar(w, s.cfg.SecureCookies))
}

// sessionToken resolves the caller's token: the device's current token, else the user-token cookie.
func (s *server) sessionToken(ctx context.Context, tokens *core.TokenManager, r *http.Request) *core.Token {
	if t := tokens.Current(ctx); t != nil {
		return t
	}
	c, err := r.Cookie(core.TokenCookie)
	if err != nil || c.Value == "" {
		return nil
	}
	id, err := url.QueryUnescape(c.Value)
	if err != nil {
		return nil
	}
	return tokens.Validate(ctx, id)
}

// --- auth ---

type registerRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone" validate:"omitempty,max=32"`
	Password string `json:"password" validate:"required,min=6,pwbytes"`
	Type     string `json:"type" validate:"required,oneof=customer driver"`
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}

	hash, err := core.HashPassword(req.Password, s.cfg.BcryptCost)
	if err != nil {
		s.logger.Error("hash password", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	user := &core.User{
		Name:         req.Name,
		Email:        strings.TrimSpace(req.Email),
		Phone:        req.Phone,
		Role:         core.Role(req.Type),
		PasswordHash: hash,
	}
	if err := s.ledgers.Users.Create(r.Context(), user); err != nil {
		if errors.Is(err, core.ErrUserExists) {
			writeError(w, http.StatusConflict, "an account with this email already exists")
			return
		}
		s.logger.Error("create user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	tok := s.tokens(w, r).Issue(r.Context(), user.Profile(), deviceIDFrom(r.Context()))
	writeJSON(w, http.StatusCreated, newTokenResponse(tok))
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Type     string `json:"type" validate:"required,oneof=customer driver admin"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	tokens := s.tokens(w, r)
	role := core.Role(req.Type)

	if tok := tokens.VerifyCredentials(ctx, req.Email, req.Password, role); tok != nil {
		tokens.SetCurrent(ctx, *tok)
		writeJSON(w, http.StatusOK, newTokenResponse(tok))
		return
	}

	user, err := s.ledgers.Users.FindByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, core.ErrUserNotFound) {
		s.logger.Error("find user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if user == nil || user.Role != role || !core.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid email, password or account type")
		return
	}

	tok := tokens.Issue(ctx, user.Profile(), deviceIDFrom(ctx))
	writeJSON(w, http.StatusOK, newTokenResponse(tok))
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokens := s.tokens(w, r)
	tok := s.sessionToken(ctx, tokens, r)
	if tok == nil {
		tokens.ClearCurrent(ctx)
		writeJSON(w, http.StatusOK, map[string]bool{"revoked": false})
		return
	}
	revoked := tokens.Revoke(ctx, tok.ID)
	tokens.ClearCurrent(ctx)
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

func (s *server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokens := s.tokens(w, r)
	tok := s.sessionToken(ctx, tokens, r)
	if tok == nil {
		writeError(w, http.StatusUnauthorized, "no active session")
		return
	}
	n := tokens.RevokeAllForUser(ctx, tok.UserID)
	tokens.ClearCurrent(ctx)
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

// --- session ---

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	tok := s.sessionToken(r.Context(), s.tokens(w, r), r)
	if tok == nil {
		writeError(w, http.StatusUnauthorized, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(tok))
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokens := s.tokens(w, r)
	tok := s.sessionToken(ctx, tokens, r)
	if tok == nil {
		writeError(w, http.StatusUnauthorized, "no active session")
		return
	}
	refreshed := tokens.Refresh(ctx, tok.ID)
	if refreshed == nil {
		writeError(w, http.StatusUnauthorized, "session could not be refreshed")
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(refreshed))
}

type addDeviceRequest struct {
	DeviceID string `json:"device_id" validate:"required,max=128"`
}

func (s *server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	tokens := s.tokens(w, r)
	tok := s.sessionToken(ctx, tokens, r)
	if tok == nil {
		writeError(w, http.StatusUnauthorized, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": tokens.AddDevice(ctx, tok.ID, req.DeviceID)})
}

type updateProfileRequest struct {
	Name          *string  `json:"name" validate:"omitempty,min=1,max=100"`
	Email         *string  `json:"email" validate:"omitempty,email"`
	Phone         *string  `json:"phone" validate:"omitempty,max=32"`
	Bio           *string  `json:"bio" validate:"omitempty,max=500"`
	Location      *string  `json:"location"`
	Company       *string  `json:"company"`
	VehicleType   *string  `json:"vehicle_type"`
	LicenseNumber *string  `json:"license_number"`
	IsAvailable   *bool    `json:"is_available"`
	IsOnline      *bool    `json:"is_online"`
	Rating        *float64 `json:"rating" validate:"omitempty,min=0,max=5"`
}

func (s *server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	tokens := s.tokens(w, r)
	tok := s.sessionToken(ctx, tokens, r)
	if tok == nil {
		writeError(w, http.StatusUnauthorized, "no active session")
		return
	}
	ok := tokens.UpdateUserDetails(ctx, tok.UserID, core.UserDetailsUpdate{
		Name:          req.Name,
		Email:         req.Email,
		Phone:         req.Phone,
		Bio:           req.Bio,
		Location:      req.Location,
		Company:       req.Company,
		VehicleType:   req.VehicleType,
		LicenseNumber: req.LicenseNumber,
		IsAvailable:   req.IsAvailable,
		IsOnline:      req.IsOnline,
		Rating:        req.Rating,
	})
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(tokens.Validate(ctx, tok.ID)))
}

// --- password reset ---

type forgotRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (s *server) handleForgot(w http.ResponseWriter, r *http.Request) {
	var req forgotRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeResult(w, s.ledgers.Resets.RequestReset(r.Context(), req.Email))
}

// resetCredentials carries either email and key, or the token from a reset link.
type resetCredentials struct {
	Email string `json:"email" validate:"required_without=Token,omitempty,email"`
	Key   string `json:"key" validate:"required_without=Token"`
	Token string `json:"token"`
}

func (c resetCredentials) resolve() (string, string, error) {
	if c.Token == "" {
		return c.Email, c.Key, nil
	}
	link, err := core.DecodeResetLink(c.Token)
	if err != nil {
		return "", "", err
	}
	return link.Email, link.Key, nil
}

type verifyKeyResponse struct {
	Valid            bool      `json:"valid"`
	Email            string    `json:"email"`
	ExpiresAt        time.Time `json:"expires_at"`
	AttemptsLeft     int       `json:"attempts_left"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

func (s *server) handleVerifyKey(w http.ResponseWriter, r *http.Request) {
	var req resetCredentials
	if !s.decode(w, r, &req) {
		return
	}
	email, key, err := req.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reset link")
		return
	}
	session := s.ledgers.Resets.VerifyKey(r.Context(), email, key)
	if session == nil {
		writeError(w, http.StatusGone, "invalid or expired reset key")
		return
	}
	writeJSON(w, http.StatusOK, verifyKeyResponse{
		Valid:            true,
		Email:            session.Email,
		ExpiresAt:        session.ExpiresAt,
		AttemptsLeft:     session.MaxAttempts - session.Attempts,
		RemainingSeconds: int64(s.ledgers.Resets.RemainingTime(r.Context(), email, key) / time.Second),
	})
}

type resetPasswordRequest struct {
	resetCredentials
	NewPassword string `json:"new_password" validate:"required,min=6,pwbytes"`
}

func (s *server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !s.decode(w, r, &req) {
		return
	}
	email, key, err := req.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reset link")
		return
	}
	writeResult(w, s.ledgers.Resets.ResetPassword(r.Context(), email, key, req.NewPassword))
}

func (s *server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	creds := resetCredentials{Email: q.Get("email"), Key: q.Get("key"), Token: q.Get("token")}
	if err := s.validate.Struct(creds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	email, key, err := creds.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reset link")
		return
	}
	remaining := s.ledgers.Resets.RemainingTime(r.Context(), email, key)
	writeJSON(w, http.StatusOK, map[string]int64{"remaining_seconds": int64(remaining / time.Second)})
}

// --- admin ---

func (s *server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	all := s.ledgers.Tokens.ListAll(r.Context())
	out := make([]tokenResponse, 0, len(all))
	for i := range all {
		out = append(out, newTokenResponse(&all[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleRevokeUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	n := s.ledgers.Tokens.RevokeAllForUser(r.Context(), userID)
	s.logger.Info("admin revoked user tokens",
		zap.String("admin_id", adminFrom(r.Context())),
		zap.String("user_id", userID),
		zap.Int("count", n),
	)
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.ledgers.Resets.CleanupExpired(r.Context())})
}

func adminFrom(ctx context.Context) string {
	id, _ := ctx.Value(adminIDKey).(string)
	return id
}

// --- responses & helpers ---

type profileResponse struct {
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	Type          core.Role `json:"type"`
	Bio           string    `json:"bio,omitempty"`
	Location      string    `json:"location,omitempty"`
	Company       string    `json:"company,omitempty"`
	VehicleType   string    `json:"vehicle_type,omitempty"`
	LicenseNumber string    `json:"license_number,omitempty"`
	IsPremium     bool      `json:"is_premium"`
	MemberSince   string    `json:"member_since"`
	Rating        float64   `json:"rating"`
	CompletedJobs int       `json:"completed_jobs"`
	TotalEarnings float64   `json:"total_earnings"`
	IsAvailable   bool      `json:"is_available"`
	IsOnline      bool      `json:"is_online"`
	WalletBalance float64   `json:"wallet_balance"`
	TotalSpent    float64   `json:"total_spent"`
	TotalEarned   float64   `json:"total_earned"`
}

type tokenResponse struct {
	TokenID   string          `json:"token_id"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	IssuedAt  time.Time       `json:"issued_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	LastUsed  time.Time       `json:"last_used"`
	DeviceIDs []string        `json:"device_ids"`
	IsActive  bool            `json:"is_active"`
	User      profileResponse `json:"user"`
}

func newTokenResponse(t *core.Token) tokenResponse {
	if t == nil {
		return tokenResponse{}
	}
	d := t.UserDetails
	return tokenResponse{
		TokenID:   t.ID,
		UserID:    t.UserID,
		SessionID: t.SessionID,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
		LastUsed:  t.LastUsed,
		DeviceIDs: t.DeviceIDs,
		IsActive:  t.IsActive,
		User: profileResponse{
			Name:          d.Name,
			Email:         d.Email,
			Phone:         d.Phone,
			Type:          d.Type,
			Bio:           d.Bio,
			Location:      d.Location,
			Company:       d.Company,
			VehicleType:   d.VehicleType,
			LicenseNumber: d.LicenseNumber,
			IsPremium:     d.IsPremium,
			MemberSince:   d.MemberSince,
			Rating:        d.Rating,
			CompletedJobs: d.CompletedJobs,
			TotalEarnings: d.TotalEarnings,
			IsAvailable:   d.IsAvailable,
			IsOnline:      d.IsOnline,
			WalletBalance: d.WalletBalance,
			TotalSpent:    d.TotalSpent,
			TotalEarned:   d.TotalEarned,
		},
	}
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, res core.Result) {
	status := http.StatusOK
	switch res.Reason {
	case "":
	case core.ReasonNoAccount, core.ReasonUserMissing:
		status = http.StatusNotFound
	case core.ReasonRateLimited:
		status = http.StatusTooManyRequests
	case core.ReasonInvalidKey, core.ReasonExpired:
		status = http.StatusGone
	case core.ReasonBadPassword:
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
