package sip

import (
	"bytes"
	"io"
	"strconv"
	"strings"
)

// Version is the only protocol version the registrar speaks.
const Version = "SIP/2.0"

// Message is a decoded SIP request or response.
type Message interface {
	Base() *MessageBase
	// Failure returns the synthetic error status the decoder attached to a
	// malformed message, or nil.
	Failure() *Status
	Encode() []byte
}

// MessageBase holds what requests and responses have in common.
type MessageBase struct {
	Version string
	Header  Header
	Content []byte
	// Status is the status line of a response. On a request it is set only
	// when decoding failed and names the answer the peer should get.
	Status *Status
}

// Request is a SIP request.
type Request struct {
	MessageBase
	Method Method
	URI    string
}

// Response is a SIP response.
type Response struct {
	MessageBase
	failure *Status
}

// NewRequest creates an empty request.
func NewRequest(method Method, uri string) *Request {
	return &Request{MessageBase: MessageBase{Version: Version}, Method: method, URI: uri}
}

// NewResponse creates an empty response with the default reason phrase.
func NewResponse(code int) *Response {
	return &Response{MessageBase: MessageBase{Version: Version, Status: NewStatus(code, "")}}
}

func (r *Request) Base() *MessageBase { return &r.MessageBase }

func (r *Request) Failure() *Status { return r.Status }

func (r *Response) Base() *MessageBase { return &r.MessageBase }

func (r *Response) Failure() *Status { return r.failure }

// Code returns the status code of the response.
func (r *Response) Code() int {
	if r.Status == nil {
		return 0
	}
	return r.Status.Code
}

// Encode renders the request in wire format.
func (r *Request) Encode() []byte {
	var buf bytes.Buffer
	r.WriteTo(&buf)
	return buf.Bytes()
}

// WriteTo writes the request in wire format.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	line := string(r.Method) + " " + r.URI + " " + versionOr(r.Version)
	return writeMessage(w, line, &r.MessageBase)
}

// Encode renders the response in wire format.
func (r *Response) Encode() []byte {
	var buf bytes.Buffer
	r.WriteTo(&buf)
	return buf.Bytes()
}

// WriteTo writes the response in wire format.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	code, reason := 0, ""
	if r.Status != nil {
		code, reason = r.Status.Code, r.Status.Reason
	}
	line := versionOr(r.Version) + " " + strconv.Itoa(code) + " " + reason
	return writeMessage(w, line, &r.MessageBase)
}

func (r *Request) String() string  { return string(r.Encode()) }
func (r *Response) String() string { return string(r.Encode()) }

// CallID returns the Call-ID header value.
func (b *MessageBase) CallID() string {
	return strings.TrimSpace(b.Header.Get("Call-ID"))
}

// ContentLength returns the Content-Length header value and whether it is
// present and a valid non-negative integer.
func (b *MessageBase) ContentLength() (int, bool) {
	v := strings.TrimSpace(b.Header.Get("Content-Length"))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	c.Content = append([]byte(nil), r.Content...)
	if r.Status != nil {
		st := *r.Status
		c.Status = &st
	}
	return &c
}

func versionOr(v string) string {
	if v == "" {
		return Version
	}
	return v
}

func writeMessage(w io.Writer, line string, b *MessageBase) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString(line)
	buf.WriteString("\r\n")
	for _, f := range b.Header.Fields() {
		for _, v := range f.Values {
			buf.WriteString(f.Name)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	buf.Write(b.Content)
	return buf.WriteTo(w)
}
