// Package authseed mints short-lived HS256 bearer tokens for the application
// under test so suites can start past the login wall. The token is injected
// either as an Authorization header on every request the tab issues, as a
// localStorage value after the first navigation, or both; which of those the
// application honors is its business, not ours.
package authseed

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xkilldash9x/caliper-cli/internal/config"
)

// ErrNoSecret rejects minting without a signing secret; an unsigned seed
// token would only produce confusing 401s mid-suite.
var ErrNoSecret = errors.New("authseed: signing secret is empty")

// Seeder mints tokens from one auth configuration. The zero value is not
// usable; construct through New.
type Seeder struct {
	cfg config.AuthConfig
	now func() time.Time
}

// New validates the configuration and returns a Seeder.
func New(cfg config.AuthConfig) (*Seeder, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Seeder{cfg: cfg, now: time.Now}, nil
}

// Mint signs a fresh token. Standard claims come from the configuration;
// custom claims ride along as strings and can shadow nothing: iss, aud, iat
// and exp always win.
func (s *Seeder) Mint() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{}
	for k, v := range s.cfg.Claims {
		claims[k] = v
	}
	if s.cfg.Issuer != "" {
		claims["iss"] = s.cfg.Issuer
	}
	if s.cfg.Audience != "" {
		claims["aud"] = s.cfg.Audience
	}
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(s.cfg.TTL).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing seed token: %w", err)
	}
	return signed, nil
}

// Header returns the Authorization header to attach when send_header is on,
// or ok=false when the configuration routes the token elsewhere.
func (s *Seeder) Header(token string) (key, value string, ok bool) {
	if !s.cfg.SendHeader {
		return "", "", false
	}
	return "Authorization", "Bearer " + token, true
}

// StorageKey returns the localStorage key to seed, or ok=false when header
// injection alone is configured.
func (s *Seeder) StorageKey() (string, bool) {
	return s.cfg.LocalStorageKey, s.cfg.LocalStorageKey != ""
}
