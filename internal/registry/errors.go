package registry

import "errors"

var (
	ErrNilConnection    = errors.New("connection handle cannot be nil")
	ErrInvalidUserID    = errors.New("invalid user ID")
	ErrThreadAlreadySet = errors.New("thread ID is already bound for this connection")
	ErrThreadNotSet     = errors.New("engine readiness requires a bound thread ID")
	ErrRecordClosed     = errors.New("connection record is closed")
)
