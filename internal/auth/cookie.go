package auth

import (
	"net/http"
	"time"
)

func NewSessionCookie(token string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// NewCSRFCookie is readable by scripts so the client can echo it back in
// the CSRF header.
func NewCSRFCookie(token string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		SameSite: http.SameSiteStrictMode,
	}
}

// ExpiredCookie instructs the browser to delete the named cookie.
func ExpiredCookie(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: name == SessionCookieName,
		SameSite: http.SameSiteStrictMode,
	}
}
