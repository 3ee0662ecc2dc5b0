package sip

import "strings"

// Method is a SIP request method.
type Method string

// Core methods from RFC 3261 and the common extensions.
const (
	ACK       Method = "ACK"
	BYE       Method = "BYE"
	CANCEL    Method = "CANCEL"
	INVITE    Method = "INVITE"
	OPTIONS   Method = "OPTIONS"
	REGISTER  Method = "REGISTER"
	SUBSCRIBE Method = "SUBSCRIBE"
	NOTIFY    Method = "NOTIFY"
	INFO      Method = "INFO"
	UPDATE    Method = "UPDATE"
	PRACK     Method = "PRACK"
	REFER     Method = "REFER"
	MESSAGE   Method = "MESSAGE"
	PUBLISH   Method = "PUBLISH"
)

var knownMethods = map[Method]bool{
	ACK: true, BYE: true, CANCEL: true, INVITE: true, OPTIONS: true, REGISTER: true,
	SUBSCRIBE: true, NOTIFY: true, INFO: true, UPDATE: true, PRACK: true, REFER: true,
	MESSAGE: true, PUBLISH: true,
}

// ParseMethod returns the method for a request-line token.
// Method tokens are case-sensitive on the wire; ok is false for unknown tokens.
func ParseMethod(token string) (Method, bool) {
	m := Method(token)
	return m, knownMethods[m]
}

// Is compares the method with a token case-insensitively.
func (m Method) Is(token string) bool {
	return strings.EqualFold(string(m), token)
}

func (m Method) String() string {
	return string(m)
}
