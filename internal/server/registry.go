package server

import "fmt"

// Registry maps display names to registered connections. It is owned by the
// hub loop and is not safe for concurrent use. Iteration follows
// registration order.
type Registry struct {
	names   []string
	entries map[string]*Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Client)}
}

// Register binds name to c. It fails with ErrNameTaken if name is present.
func (r *Registry) Register(name string, c *Client) error {
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	r.entries[name] = c
	r.names = append(r.names, name)
	return nil
}

// Remove deletes name and reports whether it was present.
func (r *Registry) Remove(name string) bool {
	if _, exists := r.entries[name]; !exists {
		return false
	}
	delete(r.entries, name)
	for i, n := range r.names {
		if n == name {
			r.names = append(r.names[:i], r.names[i+1:]...)
			break
		}
	}
	return true
}

// Lookup returns the connection registered under name.
func (r *Registry) Lookup(name string) (*Client, bool) {
	c, ok := r.entries[name]
	return c, ok
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	return len(r.names)
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Snapshot returns the registered connections in registration order.
func (r *Registry) Snapshot() []*Client {
	clients := make([]*Client, 0, len(r.names))
	for _, name := range r.names {
		clients = append(clients, r.entries[name])
	}
	return clients
}
