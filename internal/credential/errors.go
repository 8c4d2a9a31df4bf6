package credential

import "errors"

var (
	ErrNotFound    = errors.New("credential: not found")
	ErrAlreadyUsed = errors.New("credential: already used")
	ErrExpired     = errors.New("credential: expired")
	ErrNotVerified = errors.New("credential: pin not verified")
)
