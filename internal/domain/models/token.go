package models

import "time"

// RefreshToken represents a refresh token stored in the database. Stores key
// records by TokenHash; the raw Token is only set on a freshly issued record
// and is never persisted.
type RefreshToken struct {
	Token     string
	TokenHash string
	UserID    string
	DeviceID  string
	IP        string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    time.Time
	Used      bool
	Revoked   bool
}

// IsValid reports whether the token can still be exchanged for a new pair.
func (t *RefreshToken) IsValid(now time.Time) bool {
	return !t.Used && !t.Revoked && now.Before(t.ExpiresAt)
}

// AccessClaims is the identity snapshot carried by an access token.
type AccessClaims struct {
	UserID    string
	Username  string
	Email     string
	Roles     []string
	TokenID   string
	ExpiresAt time.Time
}

// TokenPair is returned by login and renewal.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}
