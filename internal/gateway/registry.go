package gateway

import (
	"sort"

	"github.com/nerrad567/knx-gateway/internal/knx"
)

// registryEntry is one shared connection and the references keeping it alive.
type registryEntry struct {
	key      string
	endpoint knx.Endpoint
	conn     BusConnection

	// holders are the active configuration IDs attached to this connection.
	holders map[string]struct{}

	// bindings counts table entries whose Key is this entry's key.
	bindings int
}

func (e *registryEntry) referenced() bool {
	return len(e.holders) > 0 || e.bindings > 0
}

func (e *registryEntry) holderIDs() []string {
	ids := make([]string, 0, len(e.holders))
	for id := range e.holders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// registry maps endpoint keys to shared connections. It is owned by the
// engine goroutine; nothing here blocks.
type registry struct {
	factory ConnectionFactory
	entries map[string]*registryEntry
}

func newRegistry(factory ConnectionFactory) *registry {
	return &registry{
		factory: factory,
		entries: make(map[string]*registryEntry),
	}
}

// acquire returns the connection for ep's key, creating it when absent.
// An existing connection is returned unchanged even if ep differs from the
// endpoint it was created from. The caller connects new connections.
func (r *registry) acquire(ep knx.Endpoint) (*registryEntry, bool) {
	key := ep.Key()
	if e, ok := r.entries[key]; ok {
		return e, false
	}
	e := &registryEntry{
		key:      key,
		endpoint: ep,
		conn:     r.factory(ep),
		holders:  make(map[string]struct{}),
	}
	r.entries[key] = e
	return e, true
}

func (r *registry) lookup(key string) (*registryEntry, bool) {
	e, ok := r.entries[key]
	return e, ok
}

// hold attaches a configuration to the entry.
func (r *registry) hold(e *registryEntry, configID string) {
	e.holders[configID] = struct{}{}
}

// release detaches a configuration and its status observer.
func (r *registry) release(e *registryEntry, configID string) {
	delete(e.holders, configID)
	e.conn.RemoveStatusObserver(configID)
}

// retain counts a new binding against the entry.
func (r *registry) retain(e *registryEntry) {
	e.bindings++
}

// drop uncounts a removed binding.
func (r *registry) drop(e *registryEntry) {
	if e.bindings > 0 {
		e.bindings--
	}
}

// isConnectionReferenced reports whether any binding still uses key.
func (r *registry) isConnectionReferenced(key string) bool {
	e, ok := r.entries[key]
	return ok && e.bindings > 0
}

// collect removes an unreferenced entry and returns its connection for the
// caller to disconnect. It returns nil while anything still references it.
func (r *registry) collect(e *registryEntry) BusConnection {
	if e.referenced() {
		return nil
	}
	if cur, ok := r.entries[e.key]; ok && cur == e {
		delete(r.entries, e.key)
	}
	return e.conn
}

// drain removes every entry, detaching all observers, and returns the
// connections for shutdown.
func (r *registry) drain() []BusConnection {
	conns := make([]BusConnection, 0, len(r.entries))
	for key, e := range r.entries {
		for id := range e.holders {
			e.conn.RemoveStatusObserver(id)
		}
		conns = append(conns, e.conn)
		delete(r.entries, key)
	}
	return conns
}

func (r *registry) sortedKeys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
