// Package auth issues and verifies the web session cookies.
//
// A session is an HS256 JWT carrying a coarse role. The identity cookie is separate
// and unsigned: it only carries a normalized phone number used to pick the
// conversation context of the web chat.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/BTreeMap/SakePipe/internal/phone"
)

// Cookie names and defaults.
const (
	SessionCookieName = "sake_session"
	PhoneCookieName   = "sake_phone"
	DefaultTTL        = 30 * 24 * time.Hour
	DefaultIssuer     = "sakepipe"
	defaultLeeway     = 30 * time.Second
)

// Role is the coarse permission level of a session.
type Role string

const (
	RoleGeneral Role = "general"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleGeneral || r == RoleAdmin
}

var (
	ErrInvalidToken   = errors.New("invalid session token")
	ErrInvalidRole    = errors.New("invalid role")
	ErrMissingSecret  = errors.New("session secret is required")
	ErrWrongPasscode  = errors.New("wrong passcode")
	ErrNoSessionToken = errors.New("no session cookie")
)

// Claims is the JWT payload of a session.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies session tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// IssuerOption configures a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithTTL overrides the session lifetime.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *TokenIssuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithIssuer overrides the iss claim.
func WithIssuer(iss string) IssuerOption {
	return func(i *TokenIssuer) {
		if s := strings.TrimSpace(iss); s != "" {
			i.issuer = s
		}
	}
}

// NewTokenIssuer creates a TokenIssuer signing with secret.
func NewTokenIssuer(secret string, opts ...IssuerOption) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	i := &TokenIssuer{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		issuer: DefaultIssuer,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the session lifetime.
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token for role.
func (i *TokenIssuer) Issue(role Role) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	now := i.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   string(role),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        randomHexID(12),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry and returns the role.
func (i *TokenIssuer) Verify(token string) (Role, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("token not valid")
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.Role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}
	return claims.Role, nil
}

// Passcodes maps the login passcodes to roles.
type Passcodes struct {
	General string
	Admin   string
}

// RoleFor returns the role unlocked by code. The admin passcode is checked first.
func (p Passcodes) RoleFor(code string) (Role, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrWrongPasscode
	}
	if p.Admin != "" && subtle.ConstantTimeCompare([]byte(code), []byte(p.Admin)) == 1 {
		return RoleAdmin, nil
	}
	if p.General != "" && subtle.ConstantTimeCompare([]byte(code), []byte(p.General)) == 1 {
		return RoleGeneral, nil
	}
	return "", ErrWrongPasscode
}

// SetSessionCookie writes the session cookie.
func (i *TokenIssuer) SetSessionCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(i.ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// RoleFromRequest verifies the session cookie of r.
func (i *TokenIssuer) RoleFromRequest(r *http.Request) (Role, error) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return "", ErrNoSessionToken
	}
	return i.Verify(c.Value)
}

// SetPhoneCookie normalizes raw and writes the identity cookie.
func SetPhoneCookie(w http.ResponseWriter, raw string, maxAge time.Duration, secure bool) (string, error) {
	normalized, err := phone.Normalize(raw)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     PhoneCookieName,
		Value:    normalized,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return normalized, nil
}

// PhoneFromRequest returns the normalized phone of the identity cookie, or "".
func PhoneFromRequest(r *http.Request) string {
	c, err := r.Cookie(PhoneCookieName)
	if err != nil {
		return ""
	}
	normalized, err := phone.Normalize(c.Value)
	if err != nil {
		return ""
	}
	return normalized
}

// ClearCookies expires both cookies.
func ClearCookies(w http.ResponseWriter) {
	for _, name := range []string{SessionCookieName, PhoneCookieName} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	}
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}
