package sip

import (
	"strconv"
	"strings"
)

// DefaultPort is assumed when a SIP URI carries no port.
const DefaultPort = 5060

// User is the party named by a From, To or Contact header value like
// `"Alice" <sip:alice@example.com:5060;transport=udp>;tag=abc`.
//
// Parsing is best-effort: malformed input yields a User with empty fields
// instead of an error. Callers must check Routable before using it as a key.
type User struct {
	DisplayName string
	Scheme      string
	Username    string
	Host        string
	Port        int

	// URI parameters.
	Transport string
	RInstance string

	// Header parameters.
	Tag     string
	Expires int // -1 when absent
}

// ParseUser parses a name-addr or addr-spec header value.
func ParseUser(value string) User {
	u := User{Expires: -1}
	v := strings.TrimSpace(value)
	if v == "" {
		return u
	}

	var uri, headerParams string
	if lt := strings.Index(v, "<"); lt >= 0 {
		u.DisplayName = strings.Trim(strings.TrimSpace(v[:lt]), `"`)
		rest := v[lt+1:]
		gt := strings.Index(rest, ">")
		if gt < 0 {
			uri = rest
		} else {
			uri = rest[:gt]
			headerParams = rest[gt+1:]
		}
	} else {
		// Without brackets every parameter belongs to the header.
		uri = v
		if semi := strings.Index(v, ";"); semi >= 0 {
			uri, headerParams = v[:semi], v[semi:]
		}
	}

	uri, uriParams, _ := strings.Cut(uri, ";")
	u.parseURI(uri)
	for _, p := range splitParams(uriParams) {
		name, val, _ := strings.Cut(p, "=")
		switch strings.ToLower(name) {
		case "transport":
			u.Transport = val
		case "rinstance":
			u.RInstance = val
		}
	}
	for _, p := range splitParams(headerParams) {
		name, val, _ := strings.Cut(p, "=")
		switch strings.ToLower(name) {
		case "tag":
			u.Tag = val
		case "expires":
			if n, err := strconv.Atoi(val); err == nil && n >= 0 {
				u.Expires = n
			}
		}
	}
	return u
}

func (u *User) parseURI(uri string) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(uri), ":")
	if !ok {
		return
	}
	u.Scheme = strings.ToLower(scheme)
	// Strip any URI headers.
	rest, _, _ = strings.Cut(rest, "?")
	hostport := rest
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userinfo := rest[:at]
		hostport = rest[at+1:]
		// Drop a password if one is present.
		u.Username, _, _ = strings.Cut(userinfo, ":")
	}
	host, port, hasPort := strings.Cut(hostport, ":")
	u.Host = host
	if hasPort {
		if n, err := strconv.Atoi(port); err == nil && n > 0 && n < 65536 {
			u.Port = n
		}
	}
}

func splitParams(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Routable reports whether the user has the fields routing needs.
func (u User) Routable() bool {
	return u.Username != "" && u.Host != ""
}

// EffectivePort returns the port, or DefaultPort when none was given.
func (u User) EffectivePort() int {
	if u.Port == 0 {
		return DefaultPort
	}
	return u.Port
}

// Key returns the routing key `username@host:port`.
func (u User) Key() string {
	return u.Username + "@" + u.Address()
}

// Address returns `host:port` of the URI.
func (u User) Address() string {
	return u.Host + ":" + strconv.Itoa(u.EffectivePort())
}

// URI renders the SIP URI without header parameters.
func (u User) URI() string {
	var b strings.Builder
	scheme := u.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	b.WriteString(scheme)
	b.WriteString(":")
	if u.Username != "" {
		b.WriteString(u.Username)
		b.WriteString("@")
	}
	b.WriteString(u.Host)
	if u.Port != 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(u.Port))
	}
	if u.Transport != "" {
		b.WriteString(";transport=")
		b.WriteString(u.Transport)
	}
	if u.RInstance != "" {
		b.WriteString(";rinstance=")
		b.WriteString(u.RInstance)
	}
	return b.String()
}

// HeaderValue renders the canonical bracketed form used in From, To and Contact.
func (u User) HeaderValue() string {
	var b strings.Builder
	if u.DisplayName != "" {
		b.WriteString(`"`)
		b.WriteString(u.DisplayName)
		b.WriteString(`" `)
	}
	b.WriteString("<")
	b.WriteString(u.URI())
	b.WriteString(">")
	if u.Tag != "" {
		b.WriteString(";tag=")
		b.WriteString(u.Tag)
	}
	if u.Expires >= 0 {
		b.WriteString(";expires=")
		b.WriteString(strconv.Itoa(u.Expires))
	}
	return b.String()
}

// WithTag returns a copy of u carrying the given tag.
func (u User) WithTag(tag string) User {
	u.Tag = tag
	return u
}
