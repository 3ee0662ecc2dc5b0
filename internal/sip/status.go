package sip

import "fmt"

// Response status codes emitted or recognised by the registrar.
const (
	StatusTrying                 = 100
	StatusRinging                = 180
	StatusOK                     = 200
	StatusBadRequest             = 400
	StatusUnauthorized           = 401
	StatusNotFound               = 404
	StatusMethodNotAllowed       = 405
	StatusGone                   = 410
	StatusTemporarilyUnavailable = 480
	StatusTooManyHops            = 483
	StatusBusyHere               = 486
	StatusRequestTerminated      = 487
	StatusServerInternalError    = 500
	StatusNotImplemented         = 501
	StatusServiceUnavailable     = 503
	StatusVersionNotSupported    = 505
)

var reasonPhrases = map[int]string{
	StatusTrying:                 "Trying",
	StatusRinging:                "Ringing",
	StatusOK:                     "OK",
	StatusBadRequest:             "Bad Request",
	StatusUnauthorized:           "Unauthorized",
	StatusNotFound:               "Not Found",
	StatusMethodNotAllowed:       "Method Not Allowed",
	StatusGone:                   "Gone",
	StatusTemporarilyUnavailable: "Temporarily Unavailable",
	StatusTooManyHops:            "Too Many Hops",
	StatusBusyHere:               "Busy Here",
	StatusRequestTerminated:      "Request Terminated",
	StatusServerInternalError:    "Server Internal Error",
	StatusNotImplemented:         "Not Implemented",
	StatusServiceUnavailable:     "Service Unavailable",
	StatusVersionNotSupported:    "Version Not Supported",
}

// ReasonPhrase returns the default reason phrase for a status code.
func ReasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	return "Unknown"
}

// Status is a response status: code, reason phrase and an optional free-text detail.
type Status struct {
	Code   int
	Reason string
	Detail string
}

// NewStatus creates a status with the default reason phrase.
func NewStatus(code int, detail string) *Status {
	return &Status{Code: code, Reason: ReasonPhrase(code), Detail: detail}
}

// Provisional reports whether the status is 1xx.
func (s *Status) Provisional() bool {
	return s.Code >= 100 && s.Code < 200
}

func (s *Status) String() string {
	if s.Detail != "" {
		return fmt.Sprintf("%d %s (%s)", s.Code, s.Reason, s.Detail)
	}
	return fmt.Sprintf("%d %s", s.Code, s.Reason)
}
