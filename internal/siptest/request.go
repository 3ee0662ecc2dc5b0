package siptest

import (
	"strconv"
	"testing"

	"sip-registrar/internal/sip"
)

// Request builds a request for tests from header name/value pairs and
// sets Content-Length.
func Request(tb testing.TB, method sip.Method, uri string, pairs ...string) *sip.Request {
	tb.Helper()
	if len(pairs)%2 != 0 {
		tb.Fatalf("odd number of header pairs: %v", pairs)
	}
	req := sip.NewRequest(method, uri)
	req.Header = sip.NewHeader(pairs...)
	if !req.Header.Has("Content-Length") {
		req.Header.Add("Content-Length", strconv.Itoa(len(req.Content)))
	}
	return req
}
