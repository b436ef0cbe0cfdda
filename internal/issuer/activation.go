package issuer

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/guided-traffic/plugin-license-manager/pkg/signing"
)

const (
	activationIssuer   = "plugin-license-manager"
	activationAudience = "license-api"
)

// ErrInvalidActivation is returned for activation tokens that do not parse,
// are not signed by this server or name an unknown site.
var ErrInvalidActivation = errors.New("issuer: invalid activation token")

// ActivationClaims identify the site an activation token was issued to.
type ActivationClaims struct {
	jwt.RegisteredClaims
	SiteDomain string `json:"site_domain"`
}

// ActivationSigner issues and parses the bearer tokens installations use to
// authenticate against the license API.
type ActivationSigner struct {
	key []byte
	now func() time.Time
}

// NewActivationSigner creates a signer. key must be at least
// signing.MinSecretSize bytes.
func NewActivationSigner(key []byte) (*ActivationSigner, error) {
	if len(key) < signing.MinSecretSize {
		return nil, fmt.Errorf("activation signing key must be at least %d bytes, got %d", signing.MinSecretSize, len(key))
	}
	return &ActivationSigner{key: key, now: time.Now}, nil
}

// Sign returns an HS256 token for the site.
func (s *ActivationSigner) Sign(siteID, domain string) (string, error) {
	now := s.now()
	claims := &ActivationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    activationIssuer,
			Subject:   siteID,
			Audience:  []string{activationAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		SiteDomain: domain,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign activation token: %w", err)
	}
	return signed, nil
}

// Parse validates tokenString and returns its claims.
func (s *ActivationSigner) Parse(tokenString string) (*ActivationClaims, error) {
	claims := &ActivationClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(activationIssuer),
		jwt.WithAudience(activationAudience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActivation, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidActivation
	}
	return claims, nil
}
