package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/k11v/apkbuild/internal/build"
)

const defaultTokenTTL = 14 * 24 * time.Hour

type Config struct {
	Issuer   string        `env:"ISSUER"`   // default: "apkbuild"
	Audience string        `env:"AUDIENCE"` // default: "apkbuild"
	TokenTTL time.Duration `env:"TOKEN_TTL"`

	PrivateKeyFile string `env:"PRIVATE_KEY_FILE"` // needed only to mint tokens
	PublicKeyFile  string `env:"PUBLIC_KEY_FILE"`  // required
}

func (c *Config) issuer() string {
	if c.Issuer == "" {
		return "apkbuild"
	}
	return c.Issuer
}

func (c *Config) audience() string {
	if c.Audience == "" {
		return "apkbuild"
	}
	return c.Audience
}

func (c *Config) tokenTTL() time.Duration {
	if c.TokenTTL <= 0 {
		return defaultTokenTTL
	}
	return c.TokenTTL
}

// Verifier checks EdDSA signed bearer tokens.
// The subject claim carries the user ID.
type Verifier struct {
	config *Config           // required
	key    ed25519.PublicKey // required
}

var _ build.Verifier = (*Verifier)(nil)

func NewVerifier(config *Config, key ed25519.PublicKey) *Verifier {
	return &Verifier{config: config, key: key}
}

// NewVerifierFromConfig reads the public key named by config.
func NewVerifierFromConfig(config *Config) (*Verifier, error) {
	key, err := ReadPublicKeyFile(config.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("auth.NewVerifierFromConfig: %w", err)
	}
	return NewVerifier(config, key), nil
}

// Verify returns the user ID carried by credential.
// All failures match build.ErrUnauthenticated.
func (v *Verifier) Verify(ctx context.Context, credential string) (string, error) {
	userID, err := v.verify(credential)
	if err != nil {
		return "", fmt.Errorf("%w: %w", build.ErrUnauthenticated, err)
	}
	return userID, nil
}

func (v *Verifier) verify(credential string) (string, error) {
	if credential == "" {
		return "", errors.New("empty token")
	}

	token, err := jwt.ParseWithClaims(
		credential,
		&jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			return v.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.config.issuer()),
		jwt.WithAudience(v.config.audience()),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	claims := token.Claims.(*jwt.RegisteredClaims)

	if claims.Subject == "" {
		return "", errors.New("empty sub token claim")
	}
	return claims.Subject, nil
}

// Signer mints tokens accepted by a Verifier with the same Config.
type Signer struct {
	config *Config            // required
	key    ed25519.PrivateKey // required
	now    func() time.Time
}

func NewSigner(config *Config, key ed25519.PrivateKey) *Signer {
	return &Signer{config: config, key: key, now: time.Now}
}

func NewSignerFromConfig(config *Config) (*Signer, error) {
	key, err := ReadPrivateKeyFile(config.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("auth.NewSignerFromConfig: %w", err)
	}
	return NewSigner(config, key), nil
}

func (s *Signer) Sign(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("empty user id")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Issuer:    s.config.issuer(),
		Audience:  jwt.ClaimStrings{s.config.audience()},
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(now.Add(s.config.tokenTTL())),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	})
	return token.SignedString(s.key)
}
