// Package directory keeps the master's table of verified clusters.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sustenet/sustenet/internal/protocol"
)

var (
	// ErrNameTaken is returned when a cluster name is already registered.
	ErrNameTaken = errors.New("cluster name already registered")
	// ErrNotFound is returned when no cluster is registered for a connection.
	ErrNotFound = errors.New("cluster not found")
)

// Entry is one verified cluster.
type Entry struct {
	ConnectionID int       `json:"connection_id"`
	Name         string    `json:"name"`
	KeyName      string    `json:"key_name"`
	IP           string    `json:"ip"`
	Port         uint16    `json:"port"`
	Load         int       `json:"load"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Info returns the public part of an entry as sent to users.
func (e Entry) Info() protocol.ClusterInfo {
	return protocol.ClusterInfo{Name: e.Name, IP: e.IP, Port: e.Port}
}

// Directory indexes clusters by connection id and by unique name.
// Writes come from the dispatcher; operator surfaces read concurrently.
type Directory struct {
	mu     sync.RWMutex
	byConn map[int]*Entry
	byName map[string]*Entry
}

// New creates an empty Directory.
func New() *Directory {
	return &Directory{
		byConn: make(map[int]*Entry),
		byName: make(map[string]*Entry),
	}
}

// Add registers a cluster. Names are unique; a connection holds at most one entry.
func (d *Directory) Add(e Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.byName[e.Name]; ok && existing.ConnectionID != e.ConnectionID {
		return fmt.Errorf("%q: %w", e.Name, ErrNameTaken)
	}
	if old, ok := d.byConn[e.ConnectionID]; ok {
		delete(d.byName, old.Name)
	}
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now()
	}
	entry := e
	d.byConn[e.ConnectionID] = &entry
	d.byName[e.Name] = &entry
	return nil
}

// Remove deletes the entry held by a connection and returns it.
func (d *Directory) Remove(connID int) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	delete(d.byConn, connID)
	delete(d.byName, e.Name)
	return *e, true
}

// UpdateLoad records the user count reported by a cluster.
func (d *Directory) UpdateLoad(connID, load int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byConn[connID]
	if !ok {
		return fmt.Errorf("connection %d: %w", connID, ErrNotFound)
	}
	e.Load = load
	return nil
}

// Get looks a cluster up by name.
func (d *Directory) Get(name string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byName[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ByConnection looks a cluster up by connection id.
func (d *Directory) ByConnection(connID int) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns all entries sorted by name.
func (d *Directory) List() []Entry {
	d.mu.RLock()
	out := make([]Entry, 0, len(d.byConn))
	for _, e := range d.byConn {
		out = append(out, *e)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered clusters.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byConn)
}
