package domain

import "errors"

var (
	ErrValidation   = errors.New("validation error")
	ErrNetwork      = errors.New("network error")
	ErrPermission   = errors.New("permission denied")
	ErrCacheIO      = errors.New("cache io error")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid message state")
)
