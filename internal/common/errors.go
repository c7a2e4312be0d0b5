// Package common defines shared constants and sentinel errors used across
// the hermitbox pipeline. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal      = errors.New("internal error")
	ErrorUnauthorized  = errors.New("unauthorized")
	ErrVersionConflict = errors.New("version conflict")

	// ErrQuotaExceeded is returned when an upload or restore would push a
	// user's used bytes past their quota, or a single file past the tier
	// ceiling. Surfaced to the caller verbatim.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrAuthentication signals a failed AEAD open: tampered ciphertext or
	// wrong key material. Always fatal, never retried.
	ErrAuthentication = errors.New("authentication failed")

	// ErrKdf signals a key-derivation parameter or library failure.
	ErrKdf = errors.New("kdf failure")

	// ErrUploadIncomplete is returned when a remote transfer finished
	// without both a completion signal and a content fingerprint.
	ErrUploadIncomplete = errors.New("upload incomplete")

	// ErrUnrecoverable marks a record with neither a local failover copy
	// nor a fingerprint. Needs operator attention, never auto-retried.
	ErrUnrecoverable = errors.New("no local copy and no fingerprint")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// ErrFolderCycle is returned when a folder move would make a folder
	// its own ancestor.
	ErrFolderCycle = errors.New("move would create a folder cycle")
)
