package domain

import "sync"

// RoleTable maps track IDs to their announced role. A track ID holds at most
// one role at a time.
type RoleTable struct {
	mu    sync.RWMutex
	roles map[string]TrackRole
}

func NewRoleTable() *RoleTable {
	return &RoleTable{roles: make(map[string]TrackRole)}
}

// Assign records role for trackID. It returns the previous role when the
// entry replaced a different one.
func (t *RoleTable) Assign(trackID string, role TrackRole) (TrackRole, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, had := t.roles[trackID]
	t.roles[trackID] = role
	if had && prev != role {
		return prev, true
	}
	return "", false
}

// Remove deletes the entry and returns the role it held
func (t *RoleTable) Remove(trackID string) (TrackRole, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	role, ok := t.roles[trackID]
	if ok {
		delete(t.roles, trackID)
	}
	return role, ok
}

func (t *RoleTable) Lookup(trackID string) (TrackRole, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	role, ok := t.roles[trackID]
	return role, ok
}

// Snapshot returns a copy of the table
func (t *RoleTable) Snapshot() map[string]TrackRole {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]TrackRole, len(t.roles))
	for id, role := range t.roles {
		out[id] = role
	}
	return out
}

func (t *RoleTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.roles)
}
