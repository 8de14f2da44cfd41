package websocket

import "errors"

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrInvalidJSON      = errors.New("failed to encode message as JSON")
	ErrWriteTimeout     = errors.New("write timed out")
)
