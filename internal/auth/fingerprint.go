package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const fingerprintSalt = "go-dmchat.auth.session_auth_hash"

// fingerprint derives a session hash from the user's stored credential.
// Changing the password changes the fingerprint and so invalidates every
// session created before the change.
func fingerprint(secret []byte, passwordHash string) string {
	key := make([]byte, 0, len(fingerprintSalt)+len(secret))
	key = append(key, fingerprintSalt...)
	key = append(key, secret...)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(passwordHash))
	return hex.EncodeToString(mac.Sum(nil))
}

func fingerprintsEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
