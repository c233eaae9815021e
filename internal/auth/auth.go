// Package auth resolves session tokens to users. A token is a signed JWT
// carrying an opaque session key; the session itself lives in a
// SessionStore together with a fingerprint of the user's credential.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/types"
)

const (
	SessionCookieName = "session"
	CSRFCookieName    = "csrftoken"
	CSRFHeaderName    = "X-CSRF-Token"

	sessionIdClaim = "sid"
	expClaim       = "exp"

	keyBytes = 32
)

type Session struct {
	Key       string
	UserId    int
	Backend   string
	AuthHash  string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CheckCSRF compares token against the session's CSRF token in constant time.
func (s *Session) CheckCSRF(token string) bool {
	if token == "" || s.CSRFToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.CSRFToken)) == 1
}

// Identity is the result of a successful Validate. RotatedToken is set
// when the session was re-issued and the caller must hand the new token
// to the client.
type Identity struct {
	User         database.User
	Session      *Session
	RotatedToken string
}

type Options struct {
	Secret          []byte
	FallbackSecrets [][]byte
	TTL             time.Duration
	Backends        map[string]Backend
	Store           SessionStore
	Logger          *log.Logger
}

type Authenticator struct {
	secret    []byte
	fallbacks [][]byte
	ttl       time.Duration
	backends  map[string]Backend
	store     SessionStore
	log       *log.Logger
	now       func() time.Time
	rand      io.Reader
}

func NewAuthenticator(opts Options) (*Authenticator, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("session secret cannot be empty")
	}
	if len(opts.Backends) == 0 {
		return nil, errors.New("no auth backends configured")
	}
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("session TTL must be positive")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Authenticator{
		secret:    opts.Secret,
		fallbacks: opts.FallbackSecrets,
		ttl:       opts.TTL,
		backends:  opts.Backends,
		store:     opts.Store,
		log:       logger,
		now:       time.Now,
		rand:      rand.Reader,
	}, nil
}

func (a *Authenticator) Backend(name string) (Backend, bool) {
	b, ok := a.backends[name]
	return b, ok
}

// Login starts a new session for user. Any session referenced by
// prevToken is removed: it is flushed when it belongs to someone else or
// to a stale credential, and cycled otherwise. Either way the new session
// gets a fresh key and a fresh CSRF token.
func (a *Authenticator) Login(ctx context.Context, prevToken string, user database.User, backend string) (*Session, string, error) {
	if _, ok := a.backends[backend]; !ok {
		return nil, "", fmt.Errorf("auth backend %q not enabled", backend)
	}

	hash := fingerprint(a.secret, user.PasswordHash)

	if prevToken != "" {
		if key, _, err := a.parseToken(prevToken); err == nil {
			prev, err := a.store.Get(ctx, key)
			switch {
			case err == nil && (prev.UserId != user.Id || !fingerprintsEqual(prev.AuthHash, hash)):
				a.log.Printf("flushing session of user %d on login of user %d", prev.UserId, user.Id)
			case err == nil:
				a.log.Printf("cycling session key for user %d", user.Id)
			}
			if err := a.store.Delete(ctx, key); err != nil {
				return nil, "", fmt.Errorf("delete previous session: %w", err)
			}
		}
	}

	now := a.now().UTC()
	csrf, err := a.randomToken()
	if err != nil {
		return nil, "", err
	}

	s := &Session{
		UserId:    user.Id,
		Backend:   backend,
		AuthHash:  hash,
		CSRFToken: csrf,
		CreatedAt: now,
		ExpiresAt: now.Add(a.ttl),
	}

	token, err := a.issue(ctx, s)
	if err != nil {
		return nil, "", err
	}

	return s, token, nil
}

// Validate resolves token to an identity. Any failure to authenticate is
// reported as types.ErrUnauthenticated; other errors come from the
// session store or backend.
func (a *Authenticator) Validate(ctx context.Context, token string) (*Identity, error) {
	key, signedWithFallback, err := a.parseToken(token)
	if err != nil {
		return nil, types.ErrUnauthenticated
	}

	s, err := a.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, types.ErrUnauthenticated
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	backend, ok := a.backends[s.Backend]
	if !ok {
		a.log.Printf("session for user %d uses disabled backend %q", s.UserId, s.Backend)
		return nil, a.invalidate(ctx, s.Key)
	}

	user, err := backend.GetUser(ctx, s.UserId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, a.invalidate(ctx, s.Key)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	current := fingerprint(a.secret, user.PasswordHash)
	rotate := signedWithFallback
	if !fingerprintsEqual(s.AuthHash, current) {
		matched := false
		for _, secret := range a.fallbacks {
			if fingerprintsEqual(s.AuthHash, fingerprint(secret, user.PasswordHash)) {
				matched = true
				break
			}
		}
		if !matched {
			a.log.Printf("session fingerprint mismatch for user %d", user.Id)
			return nil, a.invalidate(ctx, s.Key)
		}
		rotate = true
	}

	id := &Identity{User: user, Session: s}
	if !rotate {
		return id, nil
	}

	oldKey := s.Key
	s.AuthHash = current
	newToken, err := a.issue(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := a.store.Delete(ctx, oldKey); err != nil {
		return nil, fmt.Errorf("delete rotated session: %w", err)
	}

	id.RotatedToken = newToken
	return id, nil
}

// Logout removes the session behind token. Tokens that fail to parse are
// ignored.
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	key, _, err := a.parseToken(token)
	if err != nil {
		return nil
	}

	return a.store.Delete(ctx, key)
}

// RunSweeper deletes expired sessions every interval until ctx is done.
func (a *Authenticator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.DeleteExpired(ctx)
			if err != nil {
				a.log.Printf("delete expired sessions: %v", err)
				continue
			}
			if n > 0 {
				a.log.Printf("deleted %d expired sessions", n)
			}
		}
	}
}

func (a *Authenticator) invalidate(ctx context.Context, key string) error {
	if err := a.store.Delete(ctx, key); err != nil {
		a.log.Printf("delete invalid session: %v", err)
	}
	return types.ErrUnauthenticated
}

// issue assigns s a fresh key, stores it and returns the signed token.
func (a *Authenticator) issue(ctx context.Context, s *Session) (string, error) {
	key, err := a.randomToken()
	if err != nil {
		return "", err
	}
	s.Key = key

	if err := a.store.Save(ctx, s); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		sessionIdClaim: s.Key,
		expClaim:       s.ExpiresAt.Unix(),
	})

	return token.SignedString(a.secret)
}

// parseToken verifies the token signature against the current secret and
// then each fallback secret. It returns the session key and whether a
// fallback secret was needed.
func (a *Authenticator) parseToken(tokenString string) (string, bool, error) {
	if tokenString == "" {
		return "", false, errors.New("empty token")
	}

	var lastErr error
	for i, secret := range append([][]byte{a.secret}, a.fallbacks...) {
		key, err := verifyToken(tokenString, secret)
		if err == nil {
			return key, i > 0, nil
		}
		lastErr = err
	}

	return "", false, lastErr
}

func verifyToken(tokenString string, secret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	key, ok := claims[sessionIdClaim].(string)
	if !ok || key == "" {
		return "", fmt.Errorf("invalid session id claim")
	}

	return key, nil
}

func (a *Authenticator) randomToken() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := io.ReadFull(a.rand, b); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// TokenFromRequest returns the session token from the session cookie or,
// failing that, a bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}

	return ""
}
