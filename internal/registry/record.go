package registry

import (
	"sync"
	"time"

	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

// ConnectionRecord is the per-connection session identity: one live
// transport bound to a user and, once an assessment begins, to a durable
// thread ID. The registry owns creation and removal; the dispatcher and the
// recovery coordinator mutate activity, state and thread binding through the
// accessors here.
type ConnectionRecord struct {
	ConnectionID string
	UserID       string
	GroupID      string
	ConnectedAt  time.Time

	mu           sync.RWMutex
	conn         interfaces.Connection
	state        types.SessionState
	threadID     string
	engineReady  bool
	lastActivity time.Time
}

func newRecord(connectionID, userID, groupID string, conn interfaces.Connection) *ConnectionRecord {
	now := time.Now()
	return &ConnectionRecord{
		ConnectionID: connectionID,
		UserID:       userID,
		GroupID:      groupID,
		ConnectedAt:  now,
		conn:         conn,
		state:        types.StateConnected,
		lastActivity: now,
	}
}

// State returns the current session state.
func (r *ConnectionRecord) State() types.SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetState applies a state transition, rejecting anything outside the legal
// transition table.
func (r *ConnectionRecord) SetState(to types.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.CanTransition(to) {
		return types.ErrInvalidTransition
	}
	r.state = to
	return nil
}

// ThreadID returns the bound thread ID, or "" before assessment start.
func (r *ConnectionRecord) ThreadID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threadID
}

// BindThread assigns the thread ID exactly once. A second bind attempt is an
// error regardless of the value: the mapping is immutable for the record's
// lifetime.
func (r *ConnectionRecord) BindThread(threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.threadID != "" {
		return ErrThreadAlreadySet
	}
	r.threadID = threadID
	return nil
}

// EngineReady reports whether durable conversation state has been confirmed
// for the bound thread.
func (r *ConnectionRecord) EngineReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engineReady
}

// MarkEngineReady flags the engine as initialized or recovered. It requires
// a bound thread ID: readiness without a thread is meaningless.
func (r *ConnectionRecord) MarkEngineReady() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.threadID == "" {
		return ErrThreadNotSet
	}
	r.engineReady = true
	return nil
}

// Touch updates the activity timestamp. Called on every inbound message and
// on outbound liveness pings; the reaper reads it to find idle connections.
func (r *ConnectionRecord) Touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (r *ConnectionRecord) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// Conn returns the transport handle.
func (r *ConnectionRecord) Conn() interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn
}

// Send writes an envelope to the peer through the transport handle. A send
// after teardown fails with ErrRecordClosed.
func (r *ConnectionRecord) Send(env *types.Envelope) error {
	r.mu.RLock()
	if r.state == types.StateClosed {
		r.mu.RUnlock()
		return ErrRecordClosed
	}
	conn := r.conn
	r.mu.RUnlock()
	return conn.WriteJSON(env)
}

// close marks the record terminal and closes the transport. Called only by
// the registry's teardown path.
func (r *ConnectionRecord) close() {
	r.mu.Lock()
	r.state = types.StateClosed
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Snapshot returns a diagnostic view of the record for the debug message and
// the status API.
func (r *ConnectionRecord) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]interface{}{
		"connection_id":    r.ConnectionID,
		"user_id":          r.UserID,
		"group_id":         r.GroupID,
		"thread_id":        r.threadID,
		"state":            string(r.state),
		"engine_ready":     r.engineReady,
		"connected_at":     r.ConnectedAt.UTC().Format(time.RFC3339),
		"last_activity_at": r.lastActivity.UTC().Format(time.RFC3339),
	}
}
