package types

// SessionState is the per-connection lifecycle state. It replaces the
// scattered is_authenticated / is_in_assessment / graph_initialized booleans
// with a single enum; every message-legality check is a lookup against the
// current state.
type SessionState string

const (
	// StateUnauthenticated exists only during the connect handshake, before
	// the credential token has been verified.
	StateUnauthenticated SessionState = "unauthenticated"

	// StateConnected means authenticated with no assessment in progress.
	StateConnected SessionState = "connected"

	// StateAwaitingEngine means an assessment start was requested and
	// recovery or initialization of durable engine state is in flight.
	StateAwaitingEngine SessionState = "awaiting_engine"

	// StateActive permits the question/answer loop.
	StateActive SessionState = "active"

	// StateCompleted is terminal for the assessment: only read-only status
	// queries are answered.
	StateCompleted SessionState = "completed"

	// StateClosed means the connection has been torn down.
	StateClosed SessionState = "closed"
)

// allowedMessages maps each state to the inbound message types it accepts.
// Heartbeats are liveness traffic and accepted in every authenticated state;
// the debug snapshot is diagnostic-only and treated the same way. A retried
// start_assessment is accepted while active because establishing a session
// is idempotent once the connection is bound to a thread.
var allowedMessages = map[SessionState]map[string]bool{
	StateConnected: {
		MessageTypeStartAssessment: true,
		MessageTypeHeartbeat:       true,
		MessageTypeDebugSnapshot:   true,
	},
	StateAwaitingEngine: {
		MessageTypeHeartbeat:     true,
		MessageTypeDebugSnapshot: true,
	},
	StateActive: {
		MessageTypeStartAssessment:    true,
		MessageTypeGetQuestion:        true,
		MessageTypeSubmitAnswer:       true,
		MessageTypeGetProgress:        true,
		MessageTypeChatMessage:        true,
		MessageTypeCompleteAssessment: true,
		MessageTypeHeartbeat:          true,
		MessageTypeDebugSnapshot:      true,
	},
	StateCompleted: {
		MessageTypeGetProgress:   true,
		MessageTypeHeartbeat:     true,
		MessageTypeDebugSnapshot: true,
	},
}

// transitions is the closed set of legal state changes. Closed is reachable
// from every non-terminal state because disconnect, eviction and idle
// timeout can strike at any point.
var transitions = map[SessionState]map[SessionState]bool{
	StateUnauthenticated: {StateConnected: true, StateClosed: true},
	StateConnected:       {StateAwaitingEngine: true, StateClosed: true},
	StateAwaitingEngine:  {StateActive: true, StateConnected: true, StateClosed: true},
	StateActive:          {StateCompleted: true, StateClosed: true},
	StateCompleted:       {StateClosed: true},
}

// Allows reports whether an inbound message of the given type is legal in
// this state. Illegal messages get a protocol-error reply, never a state
// change.
func (s SessionState) Allows(msgType string) bool {
	return allowedMessages[s][msgType]
}

// CanTransition reports whether moving to the target state is legal.
func (s SessionState) CanTransition(to SessionState) bool {
	return transitions[s][to]
}

// Terminal reports whether the state admits no further transitions except
// teardown.
func (s SessionState) Terminal() bool {
	return s == StateClosed
}
