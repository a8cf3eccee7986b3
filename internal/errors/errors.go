package errors

import "errors"

// Session store errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrPayloadTooLarge = errors.New("session payload exceeds store size limit")
	ErrUnauthorized    = errors.New("store rejected credentials")
	ErrStoreRequest    = errors.New("store request failed")
	ErrStoreResponse   = errors.New("unexpected store response")
)

// Reconciliation errors.
var (
	ErrVersionUnsupported = errors.New("session version is newer than this client supports")
	ErrNoWorkspace        = errors.New("no workspace folder is open")
)
