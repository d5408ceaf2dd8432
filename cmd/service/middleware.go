package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tunaaoguzhann/session-ledger/core"
)

type contextKey string

const (
	adminIDKey  contextKey = "admin_id"
	deviceIDKey contextKey = "device_id"

	deviceCookie    = "device-id"
	deviceCookieAge = 365 * 24 * time.Hour
)

func requestLogger(logger *zap.Logger, metrics *core.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			latency := time.Since(start)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.ObserveHTTPRequest(r.Method, route, status, latency)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("latency", latency),
				zap.String("ip", clientIP(r)),
			}
			if reqID := middleware.GetReqID(r.Context()); reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
			logger.Info("http_request", fields...)
		})
	}
}

// rateLimit caps requests per client address within window.
func rateLimit(limiter core.RateLimiter, max int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if max <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			err := limiter.CheckAndIncrement(r.Context(), clientIP(r), max, window)
			if errors.Is(err, core.ErrRateLimitExceeded) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// deviceScope binds every request to a browser installation through the
// device-id cookie, issuing one on first contact.
func deviceScope(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var deviceID string
			if c, err := r.Cookie(deviceCookie); err == nil && c.Value != "" {
				deviceID = c.Value
			} else {
				deviceID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     deviceCookie,
					Value:    deviceID,
					Path:     "/",
					MaxAge:   int(deviceCookieAge.Seconds()),
					SameSite: http.SameSiteStrictMode,
					HttpOnly: true,
					Secure:   secure,
				})
			}
			ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func deviceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDKey).(string)
	return id
}

func adminAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			raw := strings.TrimSpace(auth[7:])
			subject, role, err := parseAndValidateJWT(raw, secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if role != string(core.RoleAdmin) {
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}
			ctx := context.WithValue(r.Context(), adminIDKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseAndValidateJWT(tokenStr, secret string) (string, string, error) {
	tok, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return "", "", errors.New("invalid jwt")
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", "", errors.New("missing sub")
	}
	role, _ := claims["role"].(string)
	return sub, role, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
