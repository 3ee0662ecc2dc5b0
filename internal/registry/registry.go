// Package registry holds the per-user table of device bindings created by
// REGISTER. A Table is owned by a single user entity and is not safe for
// concurrent use.
package registry

import (
	"sort"
	"time"

	"sip-registrar/internal/sip"
)

// Binding associates a device contact with an absolute expiry.
type Binding struct {
	// Key is the routing key of the contact, username@host:port.
	Key string `json:"key"`
	// Contact is the registered contact URI used as the Request-URI of
	// outbound INVITEs.
	Contact string `json:"contact"`
	// Source is the network address the REGISTER arrived from.
	Source    string    `json:"source,omitempty"`
	Transport string    `json:"transport,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBinding builds a binding for a parsed Contact registered at now for
// expires seconds.
func NewBinding(contact sip.User, expires int, now time.Time) Binding {
	return Binding{
		Key:       contact.Key(),
		Contact:   contact.URI(),
		Transport: contact.Transport,
		ExpiresAt: now.Add(time.Duration(expires) * time.Second),
		UpdatedAt: now,
	}
}

// Live reports whether the binding is still routable at now.
func (b Binding) Live(now time.Time) bool {
	return now.Before(b.ExpiresAt)
}

// Remaining returns the whole seconds left before expiry, never negative.
func (b Binding) Remaining(now time.Time) int {
	d := b.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// Table is a set of bindings keyed by Binding.Key.
type Table struct {
	items map[string]Binding
}

// NewTable creates a table holding bs. Later duplicates replace earlier ones.
func NewTable(bs ...Binding) *Table {
	t := &Table{items: make(map[string]Binding, len(bs))}
	for _, b := range bs {
		t.items[b.Key] = b
	}
	return t
}

// Put creates or refreshes a binding and reports whether it was new.
func (t *Table) Put(b Binding) bool {
	if t.items == nil {
		t.items = make(map[string]Binding)
	}
	_, existed := t.items[b.Key]
	t.items[b.Key] = b
	return !existed
}

// Get returns the binding stored under key.
func (t *Table) Get(key string) (Binding, bool) {
	b, ok := t.items[key]
	return b, ok
}

// Remove deletes the binding under key. Removing a missing key is a no-op
// and reports false.
func (t *Table) Remove(key string) bool {
	if _, ok := t.items[key]; !ok {
		return false
	}
	delete(t.items, key)
	return true
}

// RemoveAll deletes every binding and returns how many there were.
func (t *Table) RemoveAll() int {
	n := len(t.items)
	t.items = make(map[string]Binding)
	return n
}

// Expire removes the binding under key if it is no longer live at now.
// A binding refreshed after the caller scheduled the check survives.
func (t *Table) Expire(key string, now time.Time) bool {
	b, ok := t.items[key]
	if !ok || b.Live(now) {
		return false
	}
	delete(t.items, key)
	return true
}

// IsLive reports whether key has a binding that is live at now.
func (t *Table) IsLive(key string, now time.Time) bool {
	b, ok := t.items[key]
	return ok && b.Live(now)
}

// AnyLive reports whether at least one binding is live at now.
func (t *Table) AnyLive(now time.Time) bool {
	for _, b := range t.items {
		if b.Live(now) {
			return true
		}
	}
	return false
}

// Live returns the bindings live at now, ordered by key.
func (t *Table) Live(now time.Time) []Binding {
	var out []Binding
	for _, b := range t.items {
		if b.Live(now) {
			out = append(out, b)
		}
	}
	sortByKey(out)
	return out
}

// All returns every binding ordered by key, expired ones included.
func (t *Table) All() []Binding {
	out := make([]Binding, 0, len(t.items))
	for _, b := range t.items {
		out = append(out, b)
	}
	sortByKey(out)
	return out
}

// Len returns the number of stored bindings.
func (t *Table) Len() int {
	return len(t.items)
}

func sortByKey(bs []Binding) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Key < bs[j].Key })
}
