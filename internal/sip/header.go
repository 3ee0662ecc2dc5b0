package sip

import "strings"

// compactForms maps RFC 3261 compact header names to their long form.
var compactForms = map[string]string{
	"i": "call-id",
	"m": "contact",
	"f": "from",
	"t": "to",
	"v": "via",
	"l": "content-length",
	"c": "content-type",
	"e": "content-encoding",
	"k": "supported",
	"s": "subject",
}

// headerKey returns the lookup key for a header name.
func headerKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if long, ok := compactForms[key]; ok {
		return long
	}
	return key
}

// Field is a single header with all of its values.
type Field struct {
	Name   string
	Values []string
}

// Header is an ordered, case-insensitive multimap of SIP header fields.
// Fields keep the order in which their name first appeared and the literal
// name they were first added with. Values of one name keep insertion order.
type Header struct {
	fields []Field
	index  map[string]int
	last   int // index+1 of the field that received the latest value
}

// NewHeader creates a header from name/value pairs.
func NewHeader(pairs ...string) Header {
	var h Header
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

func (h *Header) lookup(name string) (int, bool) {
	if h.index == nil {
		return 0, false
	}
	i, ok := h.index[headerKey(name)]
	return i, ok
}

// Add appends a value to the named header.
func (h *Header) Add(name, value string) {
	if i, ok := h.lookup(name); ok {
		h.fields[i].Values = append(h.fields[i].Values, value)
		h.last = i + 1
		return
	}
	if h.index == nil {
		h.index = make(map[string]int)
	}
	h.index[headerKey(name)] = len(h.fields)
	h.fields = append(h.fields, Field{Name: name, Values: []string{value}})
	h.last = len(h.fields)
}

// Set replaces all values of the named header, keeping its position.
func (h *Header) Set(name string, values ...string) {
	if len(values) == 0 {
		h.Del(name)
		return
	}
	if i, ok := h.lookup(name); ok {
		h.fields[i].Values = append([]string(nil), values...)
		return
	}
	for _, v := range values {
		h.Add(name, v)
	}
}

// Get returns the first value of the named header, or "".
func (h *Header) Get(name string) string {
	if i, ok := h.lookup(name); ok && len(h.fields[i].Values) > 0 {
		return h.fields[i].Values[0]
	}
	return ""
}

// Values returns all values of the named header.
func (h *Header) Values(name string) []string {
	if i, ok := h.lookup(name); ok {
		return h.fields[i].Values
	}
	return nil
}

// Has reports whether the named header is present.
func (h *Header) Has(name string) bool {
	_, ok := h.lookup(name)
	return ok
}

// Del removes the named header.
func (h *Header) Del(name string) {
	i, ok := h.lookup(name)
	if !ok {
		return
	}
	h.fields = append(h.fields[:i], h.fields[i+1:]...)
	h.last = 0
	h.reindex()
}

// AppendLast appends text to the most recently added value.
// It is used for folded header lines and reports false when there is no value yet.
func (h *Header) AppendLast(text string) bool {
	if h.last == 0 {
		return false
	}
	f := &h.fields[h.last-1]
	f.Values[len(f.Values)-1] += " " + text
	return true
}

// Fields returns the header fields in order.
func (h *Header) Fields() []Field {
	return h.fields
}

// Len returns the number of distinct header names.
func (h *Header) Len() int {
	return len(h.fields)
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() Header {
	var c Header
	for _, f := range h.fields {
		for _, v := range f.Values {
			c.Add(f.Name, v)
		}
	}
	return c
}

func (h *Header) reindex() {
	h.index = make(map[string]int, len(h.fields))
	for i, f := range h.fields {
		h.index[headerKey(f.Name)] = i
	}
}
