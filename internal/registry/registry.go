package registry

import "sync"

// Registry tracks live connections and the single channel each one is
// currently subscribed to. All access goes through one mutex; entries are
// small and the lock is never held across I/O.
type Registry struct {
	mu    sync.Mutex
	conns map[string]struct{}
	subs  map[string]string
}

func New() *Registry {
	return &Registry{
		conns: map[string]struct{}{},
		subs:  map[string]string{},
	}
}

// Add records a connection as live. Sessions call it once at start.
func (r *Registry) Add(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = struct{}{}
}

// Subscribe points connID at channel, replacing any prior subscription.
// An unknown id simply creates the entry.
func (r *Registry) Subscribe(connID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = struct{}{}
	r.subs[connID] = channel
}

// Unsubscribe drops the channel association; the connection stays known.
func (r *Registry) Unsubscribe(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, connID)
}

// Remove erases the connection entirely. Called exactly once per connection,
// at teardown, regardless of how teardown was triggered.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, connID)
	delete(r.conns, connID)
}

// CurrentChannel reports the channel connID is subscribed to. A miss means
// "not subscribed", never an error.
func (r *Registry) CurrentChannel(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.subs[connID]
	return ch, ok
}

// Subscriptions returns a copy of the current id -> channel map, for
// diagnostics and tests.
func (r *Registry) Subscriptions() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.subs))
	for id, ch := range r.subs {
		out[id] = ch
	}
	return out
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
