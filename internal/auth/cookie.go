package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the session cookie shared across all virtual hosts.
const CookieName = "VESTIBULE_AUTH"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrNoSession    = errors.New("no session cookie")
)

// Principal identifies an authenticated user inside a session token.
// It never carries the password hash.
type Principal struct {
	Login string   `json:"login"`
	Roles []string `json:"roles"`
}

// Claims is the JWT payload of the session cookie.
type Claims struct {
	Principal
	jwt.RegisteredClaims
}

// Manager signs and verifies session cookies. The signing secret is
// generated when the manager is built, so sessions do not survive a
// configuration reload.
type Manager struct {
	secret     []byte
	domain     string
	expiration time.Duration
}

// NewManager builds a cookie manager for the parent domain with a
// fresh random signing secret.
func NewManager(domain string, expiration time.Duration) (*Manager, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating session secret: %w", err)
	}
	return &Manager{
		secret:     secret,
		domain:     domain,
		expiration: expiration,
	}, nil
}

// Cookie builds the signed session cookie for a principal. The cookie
// is scoped to the parent domain so that every <service>.<domain>
// virtual host receives it.
func (m *Manager) Cookie(p Principal) (*http.Cookie, error) {
	claims := Claims{
		Principal: p,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "vestibule",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("signing session token: %w", err)
	}
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Domain:   m.domain,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.expiration.Seconds()),
	}, nil
}

// Principal extracts and verifies the session principal from a
// request. ErrNoSession is returned when the cookie is absent.
func (m *Manager) Principal(r *http.Request) (*Principal, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	return m.validate(cookie.Value)
}

func (m *Manager) validate(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &claims.Principal, nil
	}
	return nil, ErrInvalidToken
}
