package registry

import (
	"sort"
	"sync"
)

// Registry is the single owner of identity -> connection state.
// ARCHITECTURAL DISCOVERY: Pure connection management without routing logic;
// presence, rooms and relays only reach shared state through these methods
type Registry struct {
	mu       sync.RWMutex                   // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	byUser   map[string]*Handle             // userID -> Handle for O(1) lookup
	channels map[string]map[string]*Handle  // channelID -> handleID -> Handle
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		byUser:   make(map[string]*Handle),
		channels: make(map[string]map[string]*Handle),
	}
}

// Register maps the handle's identity to h, replacing any prior handle.
// The replaced handle is returned so the caller can close it; it has already
// been removed from every channel so it receives no further routed events.
func (r *Registry) Register(h *Handle) (*Handle, error) {
	if h == nil {
		return nil, ErrNilHandle
	}
	if h.UserID() == "" {
		return nil, ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.byUser[h.UserID()]
	if exists && prev == h {
		return nil, nil
	}
	if exists {
		r.leaveAllLocked(prev)
	}
	r.byUser[h.UserID()] = h

	if !exists {
		return nil, nil
	}
	return prev, nil
}

// Unregister removes h if it is still the registered handle for its identity.
// RACE CONDITION FIX: an old handle tearing down never removes a newer one.
// Idempotent: the second call returns false and changes nothing.
func (r *Registry) Unregister(h *Handle) bool {
	if h == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.byUser[h.UserID()]
	if !exists || current != h {
		return false
	}
	delete(r.byUser, h.UserID())
	r.leaveAllLocked(h)
	return true
}

// Lookup returns the live handle for a user with O(1) lookup.
// The result may be stale as soon as the lock is released.
func (r *Registry) Lookup(userID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byUser[userID]
	return h, ok
}

// IsCurrent reports whether h is the registered handle for its identity
func (r *Registry) IsCurrent(h *Handle) bool {
	if h == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[h.UserID()] == h
}

// AllIdentities returns the presence set, sorted for stable output
func (r *Registry) AllIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handles returns every registered handle
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Handle, 0, len(r.byUser))
	for _, h := range r.byUser {
		out = append(out, h)
	}
	return out
}

// Count returns the number of online identities
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Join subscribes a registered handle to a channel.
// Returns false when h is not (or no longer) the registered handle.
func (r *Registry) Join(h *Handle, channelID string) bool {
	if h == nil || channelID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byUser[h.UserID()] != h {
		return false
	}
	members := r.channels[channelID]
	if members == nil {
		members = make(map[string]*Handle)
		r.channels[channelID] = members
	}
	members[h.ID] = h
	h.channels[channelID] = struct{}{}
	return true
}

// Leave unsubscribes h from a channel. Idempotent.
func (r *Registry) Leave(h *Handle, channelID string) bool {
	if h == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(h, channelID)
}

// LeaveAll unsubscribes h from every channel and returns the channels it left
func (r *Registry) LeaveAll(h *Handle) []string {
	if h == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveAllLocked(h)
}

// Members returns the handles currently joined to a channel
func (r *Registry) Members(channelID string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.channels[channelID]
	out := make([]*Handle, 0, len(members))
	for _, h := range members {
		out = append(out, h)
	}
	return out
}

// IsJoined reports whether h is subscribed to channelID
func (r *Registry) IsJoined(h *Handle, channelID string) bool {
	if h == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := h.channels[channelID]
	return ok
}

// Channels returns the channels h is joined to, sorted
func (r *Registry) Channels(h *Handle) []string {
	if h == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(h.channels))
	for ch := range h.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.byUser),
		"active_channels":   len(r.channels),
	}
}

func (r *Registry) leaveLocked(h *Handle, channelID string) bool {
	if _, ok := h.channels[channelID]; !ok {
		return false
	}
	delete(h.channels, channelID)
	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	if members, ok := r.channels[channelID]; ok {
		delete(members, h.ID)
		if len(members) == 0 {
			delete(r.channels, channelID)
		}
	}
	return true
}

func (r *Registry) leaveAllLocked(h *Handle) []string {
	left := make([]string, 0, len(h.channels))
	for ch := range h.channels {
		left = append(left, ch)
	}
	for _, ch := range left {
		r.leaveLocked(h, ch)
	}
	sort.Strings(left)
	return left
}
