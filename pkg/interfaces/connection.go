package interfaces

// Connection abstracts one live client transport. The registry holds these
// handles so eviction and teardown never depend on the concrete WebSocket
// implementation, and tests can substitute in-memory fakes.
type Connection interface {
	// WriteJSON sends a JSON-serializable value to the peer. Safe for
	// concurrent use; implementations serialize writes internally.
	WriteJSON(v interface{}) error

	// Close tears the transport down. Idempotent.
	Close() error

	// CloseWithCode sends a close frame carrying an application status
	// code before tearing down.
	CloseWithCode(code int, reason string) error
}
