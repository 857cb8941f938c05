package broker

import "sync"

// user is a logical session entity, independent of any one connection.
type user struct {
	username     string
	connectionID string // empty when not currently linked to a connection
}

// userRegistry tracks users keyed by username. At most one connection-id
// is bound per user (invariant 1 of the spec).
type userRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*user
}

func newUserRegistry() *userRegistry {
	return &userRegistry{byName: make(map[string]*user)}
}

func (r *userRegistry) exists(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[username]
	return ok
}

func (r *userRegistry) isLinked(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byName[username]
	return ok && u.connectionID != ""
}

// boundConnection returns the connection id a user is bound to, or ""
// with ok=false if the user does not exist or is unlinked.
func (r *userRegistry) boundConnection(username string) (id string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, exists := r.byName[username]
	if !exists || u.connectionID == "" {
		return "", false
	}
	return u.connectionID, true
}

func (r *userRegistry) create(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[username] = &user{username: username}
}

func (r *userRegistry) destroy(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, username)
}

func (r *userRegistry) bind(username, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byName[username]; ok {
		u.connectionID = connectionID
	}
}

func (r *userRegistry) unbind(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byName[username]; ok {
		u.connectionID = ""
	}
}

// usernames returns every known username in an unspecified order.
func (r *userRegistry) usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

func (r *userRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
