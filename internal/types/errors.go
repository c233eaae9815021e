package types

import "errors"

var (
	// ErrUnauthenticated is returned for a missing, malformed, expired or
	// invalidated session token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrAccessDenied is returned when an authenticated identity is not one of
	// a room's two participants.
	ErrAccessDenied      = errors.New("access denied")
	ErrRoomNotFound      = errors.New("room not found")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrPersistence       = errors.New("persistence failure")
	ErrDecryptionFailure = errors.New("decryption failure")
)
