package core

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	TokenCookie   = "user-token"
	SessionCookie = "user-session"
)

// CookieJar receives the cookies mirroring the current token.
type CookieJar interface {
	Set(name, value string, maxAge time.Duration)
	Clear(name string)
}

// SessionSummary is the JSON carried by the user-session cookie.
type SessionSummary struct {
	ID        string `json:"id"`
	Type      Role   `json:"type"`
	Email     string `json:"email"`
	TokenID   string `json:"tokenId"`
	SessionID string `json:"sessionId"`
}

func summarize(t Token) SessionSummary {
	return SessionSummary{
		ID:        t.UserID,
		Type:      t.UserDetails.Type,
		Email:     t.UserDetails.Email,
		TokenID:   t.ID,
		SessionID: t.SessionID,
	}
}

// DecodeSessionCookie parses a user-session value as written by ResponseCookieJar.
func DecodeSessionCookie(value string) (SessionSummary, error) {
	var s SessionSummary
	raw, err := url.QueryUnescape(value)
	if err != nil {
		return s, ErrBadPayload
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, ErrBadPayload
	}
	return s, nil
}

type noopJar struct{}

func (noopJar) Set(string, string, time.Duration) {}
func (noopJar) Clear(string)                      {}

type MemoryCookie struct {
	Value  string
	MaxAge time.Duration
}

// MemoryCookieJar records cookies in a map.
type MemoryCookieJar struct {
	mu      sync.Mutex
	cookies map[string]MemoryCookie
}

func NewMemoryCookieJar() *MemoryCookieJar {
	return &MemoryCookieJar{cookies: make(map[string]MemoryCookie)}
}

func (j *MemoryCookieJar) Set(name, value string, maxAge time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies[name] = MemoryCookie{Value: value, MaxAge: maxAge}
}

func (j *MemoryCookieJar) Clear(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.cookies, name)
}

func (j *MemoryCookieJar) Get(name string) (MemoryCookie, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.cookies[name]
	return c, ok
}

// ResponseCookieJar writes Set-Cookie headers on an HTTP response.
type ResponseCookieJar struct {
	w      http.ResponseWriter
	secure bool
}

func NewResponseCookieJar(w http.ResponseWriter, secure bool) *ResponseCookieJar {
	return &ResponseCookieJar{w: w, secure: secure}
}

func (j *ResponseCookieJar) Set(name, value string, maxAge time.Duration) {
	http.SetCookie(j.w, &http.Cookie{
		Name:     name,
		Value:    url.QueryEscape(value),
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		SameSite: http.SameSiteStrictMode,
		HttpOnly: true,
		Secure:   j.secure,
	})
}

func (j *ResponseCookieJar) Clear(name string) {
	http.SetCookie(j.w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		SameSite: http.SameSiteStrictMode,
		HttpOnly: true,
		Secure:   j.secure,
	})
}
