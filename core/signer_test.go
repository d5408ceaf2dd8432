package core

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner(t *testing.T) {
	s := NewSigner("secret")
	sig := s.Sign([]byte("reset-key"))

	assert.True(t, s.Verify([]byte("reset-key"), sig))
	assert.False(t, s.Verify([]byte("other-key"), sig))
	assert.False(t, NewSigner("different").Verify([]byte("reset-key"), sig))
}

func TestRandomKey(t *testing.T) {
	a, err := randomKey(resetKeyBytes)
	require.NoError(t, err)
	b, err := randomKey(resetKeyBytes)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, resetKeyBytes)
}

func TestResetLink(t *testing.T) {
	encoded, err := EncodeResetLink("ayse@example.com", "k3y")
	require.NoError(t, err)

	link, err := DecodeResetLink(encoded)
	require.NoError(t, err)
	assert.Equal(t, ResetLink{Email: "ayse@example.com", Key: "k3y"}, link)

	_, err = DecodeResetLink("!!!")
	assert.ErrorIs(t, err, ErrBadPayload)
	_, err = DecodeResetLink(base64.RawURLEncoding.EncodeToString([]byte(`{"email":"a@b.c"}`)))
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestResetURL(t *testing.T) {
	u, err := resetURL("https://app.example.com/reset?lang=tr", "a@b.c", "k")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "https://app.example.com/reset?"))
	assert.Contains(t, u, "lang=tr")
	assert.Contains(t, u, "token=")
}

func TestResponseCookieJar(t *testing.T) {
	rec := httptest.NewRecorder()
	jar := NewResponseCookieJar(rec, true)

	summary, err := jsonString(SessionSummary{ID: "u1", Type: RoleDriver, Email: "a@b.c", TokenID: "t1", SessionID: "s1"})
	require.NoError(t, err)
	jar.Set(SessionCookie, summary, time.Hour)
	jar.Clear(TokenCookie)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)

	set := cookies[0]
	assert.Equal(t, SessionCookie, set.Name)
	assert.Equal(t, "/", set.Path)
	assert.Equal(t, 3600, set.MaxAge)
	assert.True(t, set.HttpOnly)
	assert.True(t, set.Secure)
	assert.Equal(t, http.SameSiteStrictMode, set.SameSite)

	decoded, err := DecodeSessionCookie(set.Value)
	require.NoError(t, err)
	assert.Equal(t, "t1", decoded.TokenID)
	assert.Equal(t, RoleDriver, decoded.Type)

	cleared := cookies[1]
	assert.Equal(t, TokenCookie, cleared.Name)
	assert.Equal(t, -1, cleared.MaxAge)
	assert.Empty(t, cleared.Value)
}

func TestDecodeSessionCookie_Invalid(t *testing.T) {
	_, err := DecodeSessionCookie("%zz")
	assert.ErrorIs(t, err, ErrBadPayload)
	_, err = DecodeSessionCookie("not-json")
	assert.ErrorIs(t, err, ErrBadPayload)
}
