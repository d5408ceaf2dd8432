package core

import (
	"errors"
	"time"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

// UserDetails is the profile snapshot copied into a token at issuance.
type UserDetails struct {
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	Phone         string  `json:"phone"`
	Type          Role    `json:"type"`
	Bio           string  `json:"bio"`
	Location      string  `json:"location"`
	Company       string  `json:"company"`
	VehicleType   string  `json:"vehicleType"`
	LicenseNumber string  `json:"licenseNumber"`
	PasswordHash  string  `json:"passwordHash"`
	GoogleID      string  `json:"googleId,omitempty"`
	IsPremium     bool    `json:"isPremium"`
	MemberSince   string  `json:"memberSince"`
	Rating        float64 `json:"rating"`
	CompletedJobs int     `json:"completedJobs"`
	TotalEarnings float64 `json:"totalEarnings"`
	IsAvailable   bool    `json:"isAvailable"`
	IsOnline      bool    `json:"isOnline"`
	WalletBalance float64 `json:"walletBalance"`
	TotalSpent    float64 `json:"totalSpent"`
	TotalEarned   float64 `json:"totalEarned"`
}

type Token struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	UserDetails UserDetails `json:"userDetails"`
	IssuedAt    time.Time   `json:"issuedAt"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	DeviceIDs   []string    `json:"deviceIds"`
	SessionID   string      `json:"sessionId"`
	IsActive    bool        `json:"isActive"`
	LastUsed    time.Time   `json:"lastUsed"`
}

// Expired reports whether now is past the token's expiry.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

func (t Token) hasDevice(deviceID string) bool {
	for _, d := range t.DeviceIDs {
		if d == deviceID {
			return true
		}
	}
	return false
}

func (t Token) clone() *Token {
	c := t
	c.DeviceIDs = append([]string(nil), t.DeviceIDs...)
	return &c
}

// Wallet carries the balances copied into UserDetails.
type Wallet struct {
	Balance     float64 `json:"balance"`
	TotalSpent  float64 `json:"totalSpent"`
	TotalEarned float64 `json:"totalEarned"`
}

// UserProfile is the input to TokenManager.Issue. Password must already be hashed.
type UserProfile struct {
	ID            string
	Name          string
	Email         string
	Phone         string
	Type          Role
	PasswordHash  string
	Bio           string
	Location      string
	Company       string
	VehicleType   string
	LicenseNumber string
	GoogleID      string
	IsPremium     bool
	MemberSince   string
	Rating        float64
	CompletedJobs int
	TotalEarnings float64
	IsAvailable   *bool
	IsOnline      *bool
	Wallet        Wallet
}

// UserDetailsUpdate is a partial update of UserDetails; nil fields are left untouched.
type UserDetailsUpdate struct {
	Name          *string  `json:"name,omitempty"`
	Email         *string  `json:"email,omitempty"`
	Phone         *string  `json:"phone,omitempty"`
	Bio           *string  `json:"bio,omitempty"`
	Location      *string  `json:"location,omitempty"`
	Company       *string  `json:"company,omitempty"`
	VehicleType   *string  `json:"vehicleType,omitempty"`
	LicenseNumber *string  `json:"licenseNumber,omitempty"`
	IsPremium     *bool    `json:"isPremium,omitempty"`
	Rating        *float64 `json:"rating,omitempty"`
	CompletedJobs *int     `json:"completedJobs,omitempty"`
	TotalEarnings *float64 `json:"totalEarnings,omitempty"`
	IsAvailable   *bool    `json:"isAvailable,omitempty"`
	IsOnline      *bool    `json:"isOnline,omitempty"`
	WalletBalance *float64 `json:"walletBalance,omitempty"`
	TotalSpent    *float64 `json:"totalSpent,omitempty"`
	TotalEarned   *float64 `json:"totalEarned,omitempty"`
}

// UserSummary is the identity part of a token.
type UserSummary struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Type  Role   `json:"type"`
}

type ResetSession struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	KeyDigest   string    `json:"resetKeyDigest"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	IsUsed      bool      `json:"isUsed"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
}

// Closed reports whether the session can no longer be used: consumed, locked out or expired.
func (s ResetSession) Closed(now time.Time) bool {
	return s.IsUsed || now.After(s.ExpiresAt)
}

// Result is the user-facing outcome of a password reset step.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Reason names the failure for callers that branch on it. Empty on success.
	Reason string `json:"reason,omitempty"`
}

const (
	ReasonNoAccount    = "no_account"
	ReasonRateLimited  = "rate_limited"
	ReasonSendFailed   = "send_failed"
	ReasonInvalidKey   = "invalid_key"
	ReasonExpired      = "expired"
	ReasonUserMissing  = "user_missing"
	ReasonUpdateFailed = "update_failed"
	ReasonBadPassword  = "bad_password"
)

var (
	ErrNotFound          = errors.New("key not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrUserExists        = errors.New("user already exists")
	ErrBadPayload        = errors.New("invalid payload")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)
