package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/YKarmar/JobFunnel/internal/types"
)

const (
	audienceState   = "jobfunnel:oauth-state"
	audienceSession = "jobfunnel:session"
)

var errInvalidToken = errors.New("invalid or expired signed token")

// stateClaims is the anti-forgery state sent through the provider redirect.
// It carries no secrets; the PKCE verifier stays server side.
type stateClaims struct {
	Provider types.Provider `json:"prv"`
	Next     string         `json:"nxt,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and validates the HS256 tokens used for OAuth state and the
// session cookie. Audiences keep one from being replayed as the other.
type Signer struct {
	key []byte
	now func() time.Time
}

func NewSigner(secret string, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{key: []byte(secret), now: now}
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

func (s *Signer) parse(raw, audience string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	return nil
}

// SignState returns a state token for the pending login identified by nonce.
func (s *Signer) SignState(nonce string, provider types.Provider, next string, ttl time.Duration) (string, error) {
	now := s.now()
	return s.sign(stateClaims{
		Provider: provider,
		Next:     next,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			Audience:  jwt.ClaimStrings{audienceState},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

func (s *Signer) ParseState(raw string) (*stateClaims, error) {
	var c stateClaims
	if err := s.parse(raw, audienceState, &c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, errInvalidToken
	}
	return &c, nil
}

// SignSession returns the cookie value for a session id.
func (s *Signer) SignSession(sessionID string, ttl time.Duration) (string, error) {
	now := s.now()
	return s.sign(jwt.RegisteredClaims{
		Subject:   sessionID,
		Audience:  jwt.ClaimStrings{audienceSession},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
}

// ParseSession returns the session id from a cookie value.
func (s *Signer) ParseSession(raw string) (string, error) {
	var c jwt.RegisteredClaims
	if err := s.parse(raw, audienceSession, &c); err != nil {
		return "", err
	}
	if c.Subject == "" {
		return "", errInvalidToken
	}
	return c.Subject, nil
}

// ownerEmailFromIDToken reads the address claim from an OpenID id_token.
// The token came directly from the provider's token endpoint over TLS, so
// the signature is not re-verified here.
func ownerEmailFromIDToken(raw string) string {
	if raw == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	for _, k := range []string{"email", "preferred_username", "upn"} {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
