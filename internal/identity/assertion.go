package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/storegate/internal/config"
)

// Header carries the encoded assertion to backends.
const Header = "X-User-Context"

const issuer = "storegate"

// Assertion is the verified identity of a caller. Produced per request by
// the Client and never cached.
type Assertion struct {
	UserID string         `json:"userId"`
	Role   string         `json:"role,omitempty"`
	Claims map[string]any `json:"claims,omitempty"`
}

// Codec encodes assertions for the X-User-Context header.
type Codec struct {
	encoding string
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

// NewCodec builds a codec for the configured encoding (base64 or jwt).
func NewCodec(cfg config.IdentityConfig) (*Codec, error) {
	c := &Codec{
		encoding: cfg.AssertionEncoding,
		secret:   []byte(cfg.AssertionSecret),
		ttl:      cfg.AssertionTTL,
		now:      time.Now,
	}
	if c.encoding == "" {
		c.encoding = "base64"
	}
	if c.ttl <= 0 {
		c.ttl = time.Minute
	}
	switch c.encoding {
	case "base64":
	case "jwt":
		if len(c.secret) == 0 {
			return nil, errors.New("jwt assertion encoding requires a secret")
		}
	default:
		return nil, fmt.Errorf("unknown assertion encoding: %s", c.encoding)
	}
	return c, nil
}

type assertionClaims struct {
	Role    string         `json:"role,omitempty"`
	Context map[string]any `json:"ctx,omitempty"`
	jwt.RegisteredClaims
}

// Encode serializes a for the X-User-Context header.
func (c *Codec) Encode(a *Assertion) (string, error) {
	if a == nil {
		return "", errors.New("nil assertion")
	}
	if c.encoding == "jwt" {
		now := c.now()
		claims := assertionClaims{
			Role:    a.Role,
			Context: a.Claims,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   a.UserID,
				Issuer:    issuer,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
		if err != nil {
			return "", fmt.Errorf("sign assertion: %w", err)
		}
		return signed, nil
	}

	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal assertion: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a header value produced by Encode.
func (c *Codec) Decode(s string) (*Assertion, error) {
	if c.encoding == "jwt" {
		var claims assertionClaims
		_, err := jwt.ParseWithClaims(s, &claims, func(*jwt.Token) (any, error) {
			return c.secret, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithTimeFunc(c.now),
		)
		if err != nil {
			return nil, fmt.Errorf("parse assertion: %w", err)
		}
		return &Assertion{UserID: claims.Subject, Role: claims.Role, Claims: claims.Context}, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode assertion: %w", err)
	}
	var a Assertion
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal assertion: %w", err)
	}
	if a.UserID == "" {
		return nil, errors.New("assertion has no user id")
	}
	return &a, nil
}
