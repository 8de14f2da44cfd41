package registry

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

// Registry is the in-memory table of live connections. It is the only shared
// mutable structure in the session core and everything goes through its
// mutex, which also serializes Admit/Remove for the same user so concurrent
// connects leave exactly one winner.
//
// Invariant: at most one record per user ID. Admitting a user who already
// has a live connection evicts the old one first; that is policy, not an
// error.
type Registry struct {
	mu      sync.RWMutex
	byConn  map[string]*ConnectionRecord            // connectionID -> record
	byUser  map[string]*ConnectionRecord            // userID -> record
	byGroup map[string]map[string]*ConnectionRecord // groupID -> connectionID -> record
}

// NewRegistry creates an empty registry. All maps are initialized up front
// so concurrent access never sees a nil map.
func NewRegistry() *Registry {
	return &Registry{
		byConn:  make(map[string]*ConnectionRecord),
		byUser:  make(map[string]*ConnectionRecord),
		byGroup: make(map[string]map[string]*ConnectionRecord),
	}
}

// Admit creates a record for an authenticated connection and returns it. If
// the user already has a live connection, that connection receives a
// terminal notice and is closed before the new record is installed. Admit is
// invoked only after credential verification, so it has no failure mode for
// the prior-connection case.
func (reg *Registry) Admit(userID, groupID string, conn interfaces.Connection) (*ConnectionRecord, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if !types.IsValidUserID(userID) {
		return nil, ErrInvalidUserID
	}

	record := newRecord(uuid.New().String(), userID, groupID, conn)

	reg.mu.Lock()
	evicted := reg.byUser[userID]
	if evicted != nil {
		reg.detachLocked(evicted)
	}
	reg.byConn[record.ConnectionID] = record
	reg.byUser[userID] = record
	if groupID != "" {
		if reg.byGroup[groupID] == nil {
			reg.byGroup[groupID] = make(map[string]*ConnectionRecord)
		}
		reg.byGroup[groupID][record.ConnectionID] = record
	}
	reg.mu.Unlock()

	if evicted != nil {
		notice := types.NewEnvelope(types.MessageTypeSystemMessage, map[string]interface{}{
			"event":   "connection_replaced",
			"message": "A newer connection was opened for this account; this one is closing.",
		})
		if err := evicted.Send(notice); err != nil {
			log.Printf("Failed to deliver eviction notice: connection=%s err=%v", evicted.ConnectionID, err)
		}
		evicted.close()
		log.Printf("Evicted prior connection: user=%s old=%s new=%s",
			userID, evicted.ConnectionID, record.ConnectionID)
	}

	return record, nil
}

// Lookup returns the record for a connection ID.
func (reg *Registry) Lookup(connectionID string) (*ConnectionRecord, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	record, ok := reg.byConn[connectionID]
	return record, ok
}

// LookupByUser returns the user's live record, if any.
func (reg *Registry) LookupByUser(userID string) (*ConnectionRecord, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	record, ok := reg.byUser[userID]
	return record, ok
}

// GroupConnections returns all live records attached to a session-group,
// for fan-out to participants of the same assessment context.
func (reg *Registry) GroupConnections(groupID string) []*ConnectionRecord {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	records := make([]*ConnectionRecord, 0, len(reg.byGroup[groupID]))
	for _, record := range reg.byGroup[groupID] {
		records = append(records, record)
	}
	return records
}

// Remove is the single teardown path: explicit disconnect, eviction by a
// newer connection and reaper eviction all end here. It is idempotent;
// removing an absent ID is a no-op so disconnect/reaper races are harmless.
// Durable assessment state is never touched.
func (reg *Registry) Remove(connectionID string) {
	reg.mu.Lock()
	record, ok := reg.byConn[connectionID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	reg.detachLocked(record)
	reg.mu.Unlock()

	record.close()
	log.Printf("Connection removed: connection=%s user=%s", record.ConnectionID, record.UserID)
}

// CloseAll drops every connection. Used at shutdown; like Remove it leaves
// durable assessment state alone, so users resume after a restart.
func (reg *Registry) CloseAll() {
	reg.mu.Lock()
	records := make([]*ConnectionRecord, 0, len(reg.byConn))
	for _, record := range reg.byConn {
		records = append(records, record)
	}
	reg.byConn = make(map[string]*ConnectionRecord)
	reg.byUser = make(map[string]*ConnectionRecord)
	reg.byGroup = make(map[string]map[string]*ConnectionRecord)
	reg.mu.Unlock()

	for _, record := range records {
		record.close()
	}
	if len(records) > 0 {
		log.Printf("Closed %d connections at shutdown", len(records))
	}
}

// Touch updates a connection's activity timestamp; a no-op for unknown IDs.
func (reg *Registry) Touch(connectionID string) {
	reg.mu.RLock()
	record, ok := reg.byConn[connectionID]
	reg.mu.RUnlock()
	if ok {
		record.Touch()
	}
}

// IdleConnections returns records whose last activity is older than the
// threshold. The reaper calls this and then Remove for each.
func (reg *Registry) IdleConnections(maxIdle time.Duration, now time.Time) []*ConnectionRecord {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var idle []*ConnectionRecord
	for _, record := range reg.byConn {
		if now.Sub(record.LastActivity()) > maxIdle {
			idle = append(idle, record)
		}
	}
	return idle
}

// Stats returns registry counters for the status API.
func (reg *Registry) Stats() map[string]int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return map[string]int{
		"total_connections": len(reg.byConn),
		"active_groups":     len(reg.byGroup),
	}
}

// detachLocked removes a record from every map. Caller holds the write lock.
// Empty group maps are deleted so long-lived processes don't accumulate keys.
func (reg *Registry) detachLocked(record *ConnectionRecord) {
	delete(reg.byConn, record.ConnectionID)
	// Only clear the user slot if this record still owns it; a newer
	// connection for the same user may already have replaced it.
	if current, ok := reg.byUser[record.UserID]; ok && current == record {
		delete(reg.byUser, record.UserID)
	}
	if record.GroupID != "" {
		if group, ok := reg.byGroup[record.GroupID]; ok {
			delete(group, record.ConnectionID)
			if len(group) == 0 {
				delete(reg.byGroup, record.GroupID)
			}
		}
	}
}
