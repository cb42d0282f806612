package jwt

import (
	"errors"
	"fmt"
	"time"

	"aniyuu/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenMalformed              = errors.New("token malformed")
	ErrTokenSignatureInvalid       = errors.New("token signature invalid")
	ErrTokenExpired                = errors.New("token expired")
	ErrTokenIssuerAudienceMismatch = errors.New("token issuer or audience mismatch")
	ErrEmptySecret                 = errors.New("empty signing secret")
)

// Claims is the wire layout of an access token.
type Claims struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"role"`
	jwt.RegisteredClaims
}

// Codec issues and validates HS256 access tokens for a fixed issuer and audience.
type Codec struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func New(secret, issuer, audience string) (*Codec, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	return &Codec{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}, nil
}

// WithClock replaces the time source used for expiry on both issue and validate.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Issue creates a signed access token valid for ttl.
func (c *Codec) Issue(claims models.AccessClaims, ttl time.Duration) (string, error) {
	const op = "jwt.Issue"

	roles := claims.Roles
	if roles == nil {
		roles = []string{}
	}

	now := c.now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: claims.Username,
		Email:    claims.Email,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			ID:        uuid.NewString(),
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// Validate verifies signature, issuer, audience and expiry with no leeway.
func (c *Codec) Validate(tokenString string) (*models.AccessClaims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	if claims.Subject == "" {
		return nil, ErrTokenMalformed
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &models.AccessClaims{
		UserID:    claims.Subject,
		Username:  claims.Username,
		Email:     claims.Email,
		Roles:     claims.Roles,
		TokenID:   claims.ID,
		ExpiresAt: expiresAt,
	}, nil
}

// classify maps library validation errors onto the codec's error kinds.
// Signature problems are checked first: claims of a forged token mean nothing.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", ErrTokenSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %w", ErrTokenIssuerAudienceMismatch, err)
	default:
		return fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
}
