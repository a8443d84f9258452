package domain

import "errors"

var (
	ErrStreamNotFound  = errors.New("stream not found")
	ErrStreamExists    = errors.New("stream already exists")
	ErrAdmissionDenied = errors.New("admission denied: concurrency limit reached")
	ErrSpawnFailed     = errors.New("worker spawn failed")
	ErrManagerStopped  = errors.New("stream manager is shutting down")

	ErrTokenExpired         = errors.New("token expired")
	ErrTokenMalformed       = errors.New("token malformed")
	ErrTokenBadSignature    = errors.New("token signature invalid")
	ErrTokenAddressMismatch = errors.New("token not valid for this address")
	ErrTokenWrongStream     = errors.New("token not valid for this stream")
)
