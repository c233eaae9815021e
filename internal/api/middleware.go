package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/npezzotti/go-dmchat/internal/auth"
	"github.com/npezzotti/go-dmchat/internal/types"
)

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*auth.Identity)
	return id, ok && id != nil
}

func (s *GoChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware only lets requests with a valid session through. A
// session re-issued during validation is handed back as a new cookie.
func (s *GoChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Validate(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			if !errors.Is(err, types.ErrUnauthenticated) {
				s.log.Printf("validate session: %v", err)
			}
			s.writeError(w, err)
			return
		}

		if id.RotatedToken != "" {
			http.SetCookie(w, auth.NewSessionCookie(id.RotatedToken, id.Session.ExpiresAt))
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(WithIdentity(r.Context(), id)))
	}
}

// csrfMiddleware requires the CSRF header on cookie-authenticated
// requests. It must run inside authMiddleware.
func (s *GoChatApp) csrfMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			s.writeError(w, types.ErrUnauthenticated)
			return
		}

		if _, err := r.Cookie(auth.SessionCookieName); err == nil {
			if !id.Session.CheckCSRF(r.Header.Get(auth.CSRFHeaderName)) {
				s.log.Printf("csrf check failed for user %d", id.User.Id)
				errResp := NewForbiddenError()
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}

		next(w, r)
	}
}
