// Package auth guards the write side of the rollout API. Reads stay open;
// submit and cancel require either the configured static token or a JWT
// carrying the rollout write scope.
package auth

import (
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
	ModeJWT      Mode = "jwt"
)

type Config struct {
	Mode Mode

	// StaticToken is the shared secret for token mode.
	StaticToken string

	// HMACSecret verifies HS256 tokens in jwt mode. Takes precedence over
	// PublicKeyFile when both are set.
	HMACSecret string

	// PublicKeyFile points at a PEM bundle of public keys or certificates
	// for RSA/ECDSA-signed tokens.
	PublicKeyFile string

	// RequiredScope must appear in the token's scope claim or roles array.
	// Empty skips the scope check.
	RequiredScope string

	// Issuer, when set, must be contained in the token's iss claim.
	Issuer string
}

type Verifier struct {
	cfg  Config
	keys []interface{}
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeDisabled
	}
	v := &Verifier{cfg: cfg}
	switch cfg.Mode {
	case ModeDisabled:
	case ModeToken:
		if cfg.StaticToken == "" {
			return nil, errors.New("auth: token mode requires a static token")
		}
	case ModeJWT:
		if cfg.HMACSecret == "" && cfg.PublicKeyFile == "" {
			return nil, errors.New("auth: jwt mode requires an hmac secret or public key file")
		}
		if cfg.PublicKeyFile != "" {
			if err := v.loadKeys(cfg.PublicKeyFile); err != nil {
				return nil, fmt.Errorf("auth: load public keys: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", cfg.Mode)
	}
	return v, nil
}

func (v *Verifier) loadKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		v.keys = append(v.keys, key)
	}
	if len(v.keys) == 0 {
		return fmt.Errorf("no public keys found in %s", path)
	}
	return nil
}

// VerifyRequest checks the request's bearer credential against the
// configured mode.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	if v.cfg.Mode == ModeDisabled {
		return nil
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return errors.New("authentication required")
	}
	credential := strings.TrimPrefix(header, "Bearer ")

	switch v.cfg.Mode {
	case ModeToken:
		if subtle.ConstantTimeCompare([]byte(credential), []byte(v.cfg.StaticToken)) != 1 {
			return errors.New("invalid token")
		}
		return nil
	case ModeJWT:
		return v.verifyJWT(credential)
	}
	return fmt.Errorf("unknown auth mode %q", v.cfg.Mode)
}

func (v *Verifier) verifyJWT(tokenStr string) error {
	var (
		token *jwt.Token
		err   error
	)
	if v.cfg.HMACSecret != "" {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(v.cfg.HMACSecret), nil
		})
	} else {
		// No KID indexing for PEM bundles; try each key.
		for _, key := range v.keys {
			token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err == nil && token.Valid {
				break
			}
		}
	}
	if err != nil {
		return fmt.Errorf("token parse error: %w", err)
	}
	if token == nil || !token.Valid {
		return errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims")
	}

	if v.cfg.Issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || !strings.Contains(strings.ToLower(iss), strings.ToLower(v.cfg.Issuer)) {
			return errors.New("untrusted issuer")
		}
	}

	if v.cfg.RequiredScope == "" {
		return nil
	}
	if scope, ok := claims["scope"].(string); ok {
		if strings.Contains(scope, v.cfg.RequiredScope) {
			return nil
		}
		return errors.New("missing required scope")
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == v.cfg.RequiredScope {
				return nil
			}
		}
		return errors.New("missing required scope in roles")
	}
	return errors.New("missing scope/roles")
}

// Middleware rejects unverified requests with a 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.VerifyRequest(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
