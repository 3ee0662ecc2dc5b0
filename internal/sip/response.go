package sip

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// responseHeaders are copied from the request into every response.
var responseHeaders = []string{"Via", "From", "To", "Call-ID", "CSeq"}

// BuildResponse constructs a response to req.
// It copies Via, From, To, Call-ID and CSeq from the request, adds a To tag
// when the request had none, renders status.Detail as a Warning header and
// appends the extra header fields in order. Content-Length is always set.
func BuildResponse(req *Request, status *Status, extra ...Field) *Response {
	resp := &Response{MessageBase: MessageBase{
		Version: versionOr(req.Version),
		Status:  &Status{Code: status.Code, Reason: status.Reason, Detail: status.Detail},
	}}
	if resp.Status.Reason == "" {
		resp.Status.Reason = ReasonPhrase(status.Code)
	}

	for _, name := range responseHeaders {
		values := req.Header.Values(name)
		if len(values) == 0 {
			continue
		}
		if name == "To" && status.Code > StatusTrying && !strings.Contains(values[0], "tag=") {
			// A UAS answering outside a dialog picks the To tag.
			resp.Header.Add(name, values[0]+";tag="+NewTag())
			continue
		}
		for _, v := range values {
			resp.Header.Add(name, v)
		}
	}

	if status.Detail != "" {
		resp.Header.Add("Warning", fmt.Sprintf("399 registrar %q", status.Detail))
	}
	for _, f := range extra {
		for _, v := range f.Values {
			resp.Header.Add(f.Name, v)
		}
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Content)))
	return resp
}

// Respond is BuildResponse with a status code and detail.
func Respond(req *Request, code int, detail string, extra ...Field) *Response {
	return BuildResponse(req, NewStatus(code, detail), extra...)
}

// BranchMagicCookie starts every Via branch generated by an RFC 3261 element.
const BranchMagicCookie = "z9hG4bK"

// NewBranch generates a new RFC 3261 compliant branch ID.
func NewBranch() string {
	b := make([]byte, 8) // 16 hex characters
	rand.Read(b)
	return BranchMagicCookie + hex.EncodeToString(b)
}

// NewTag returns a random tag for From/To headers.
func NewTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewCallID returns a random Call-ID local to host.
func NewCallID(host string) string {
	return uuid.NewString() + "@" + host
}
