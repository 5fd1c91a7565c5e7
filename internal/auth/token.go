package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidSigningAlgo = errors.New("unexpected signing method")
	ErrNotDriverToken     = errors.New("token does not carry the driver role")
)

// Claims is the session-token payload the backend expects from drivers.
type Claims struct {
	DriverID string `json:"driver_id"`
	Role     string `json:"role"`
	jwtlib.RegisteredClaims
}

// Manager mints and validates driver session tokens. In production the
// backend issues the token during login; the manager is used for local and
// staging setups where the agent shares the signing secret.
type Manager struct {
	secret    []byte
	accessTTL time.Duration
}

// NewManager creates a token manager.
func NewManager(secret string, accessTTL time.Duration) (*Manager, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, errors.New("auth: empty secret key")
	}
	if accessTTL <= 0 {
		accessTTL = 12 * time.Hour
	}

	return &Manager{secret: []byte(s), accessTTL: accessTTL}, nil
}

// IssueDriverToken returns a signed session token for the driver.
func (m *Manager) IssueDriverToken(driverID string) (string, error) {
	if strings.TrimSpace(driverID) == "" {
		return "", errors.New("auth: driver id is required")
	}

	now := time.Now().UTC()
	claims := &Claims{
		DriverID: driverID,
		Role:     "driver",
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   driverID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(m.accessTTL)),
		},
	}

	tkn := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return tkn.SignedString(m.secret)
}

// ParseAndValidate verifies signature and standard claims and asserts the
// driver role.
func (m *Manager) ParseAndValidate(tokenString string) (*Claims, error) {
	parser := jwtlib.NewParser(jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}))

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwtlib.Token) (any, error) {
		if t.Method != jwtlib.SigningMethodHS256 {
			return nil, ErrInvalidSigningAlgo
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.Role != "driver" {
		return nil, ErrNotDriverToken
	}

	return claims, nil
}
