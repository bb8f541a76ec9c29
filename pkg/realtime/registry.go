package realtime

import (
	"errors"
	"sort"
	"sync"
)

// ErrRegistryClosed is returned by Add after Close
var ErrRegistryClosed = errors.New("registry closed")

// sender is the outbound side of a client as seen by the registry
type sender interface {
	enqueue(data []byte) bool
	close()
}

// member is one registered connection
type member struct {
	userID int64
	login  string
	out    sender
}

// Registry tracks the connected clients and how many each user has open
type Registry struct {
	mu      sync.RWMutex
	clients map[string]member
	perUser map[int64]int
	closed  bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]member),
		perUser: make(map[int64]int),
	}
}

// Add registers a client. first reports whether this is the user's only
// open connection.
func (r *Registry) Add(id string, userID int64, login string, out sender) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, ErrRegistryClosed
	}
	if _, ok := r.clients[id]; ok {
		return false, nil
	}
	r.clients[id] = member{userID: userID, login: login, out: out}
	r.perUser[userID]++
	return r.perUser[userID] == 1, nil
}

// Remove unregisters a client. last reports whether the user has no
// connection left. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.clients[id]
	if !ok {
		return false
	}
	delete(r.clients, id)
	r.perUser[m.userID]--
	if r.perUser[m.userID] <= 0 {
		delete(r.perUser, m.userID)
		return true
	}
	return false
}

// Users returns the logins with at least one open connection, sorted
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int64]bool, len(r.perUser))
	logins := make([]string, 0, len(r.perUser))
	for _, m := range r.clients {
		if seen[m.userID] {
			continue
		}
		seen[m.userID] = true
		logins = append(logins, m.login)
	}
	sort.Strings(logins)
	return logins
}

// Len returns the number of open connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast sends an event to every client. Clients whose queue is full are
// disconnected.
func (r *Registry) Broadcast(ev Event) error {
	return r.BroadcastExcept(ev, "")
}

// BroadcastExcept sends an event to every client but the one with id skip
func (r *Registry) BroadcastExcept(ev Event, skip string) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	r.mu.RLock()
	var slow []sender
	for id, m := range r.clients {
		if id == skip {
			continue
		}
		if !m.out.enqueue(data) {
			debugLog.Printf("Client %s is not keeping up, disconnecting", id)
			slow = append(slow, m.out)
		}
	}
	r.mu.RUnlock()

	for _, s := range slow {
		s.close()
	}
	return nil
}

// Close disconnects every client and rejects later Adds
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	members := make([]member, 0, len(r.clients))
	for _, m := range r.clients {
		members = append(members, m)
	}
	r.mu.Unlock()

	for _, m := range members {
		m.out.close()
	}
}
