package core

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
)

// ResetLink is what a reset email carries back to the reset page.
type ResetLink struct {
	Email string `json:"email"`
	Key   string `json:"key"`
}

func EncodeResetLink(email, key string) (string, error) {
	raw, err := json.Marshal(ResetLink{Email: email, Key: key})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func DecodeResetLink(encoded string) (ResetLink, error) {
	var data ResetLink
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return data, ErrBadPayload
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, ErrBadPayload
	}
	if data.Email == "" || data.Key == "" {
		return data, ErrBadPayload
	}
	return data, nil
}

// resetURL appends the encoded link as the token query parameter of base.
func resetURL(base, email, key string) (string, error) {
	token, err := EncodeResetLink(email, key)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
