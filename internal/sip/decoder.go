package sip

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Framing errors. Any of them resets the decoder; the connection that
// produced the bytes should be closed.
var (
	ErrLineTooLong     = errors.New("sip: initial line too long")
	ErrHeadersTooLarge = errors.New("sip: header section too large")
	ErrContentTooLarge = errors.New("sip: content too large")
	ErrIncomplete      = errors.New("sip: incomplete message")
)

// Limits bounds how much the decoder buffers for a single message.
type Limits struct {
	MaxLineLength    int
	MaxHeaderBytes   int
	MaxContentLength int
}

// DefaultLimits are used when a Limits field is zero.
var DefaultLimits = Limits{
	MaxLineLength:    4096,
	MaxHeaderBytes:   64 << 10,
	MaxContentLength: 1 << 20,
}

var requestURIPattern = regexp.MustCompile(`^(?i)(sips?|tel):[^\s<>"]+$`)

type decodeState int

const (
	stateSkipLeadingWhitespace decodeState = iota
	stateReadInitialLine
	stateReadHeaders
	stateReadFixedLengthContent
	stateReadVariableLengthContent
)

func (s decodeState) String() string {
	switch s {
	case stateSkipLeadingWhitespace:
		return "SKIP_LEADING_WHITESPACE"
	case stateReadInitialLine:
		return "READ_INITIAL_LINE"
	case stateReadHeaders:
		return "READ_HEADERS"
	case stateReadFixedLengthContent:
		return "READ_FIXED_LENGTH_CONTENT"
	case stateReadVariableLengthContent:
		return "READ_VARIABLE_LENGTH_CONTENT"
	}
	return "UNKNOWN"
}

// Decoder turns a byte stream into SIP messages. It keeps whatever it could
// not consume yet and resumes exactly where it stopped on the next Decode.
//
// Malformed initial lines and header lines do not produce errors: the
// decoder finishes the message and attaches a synthetic status to it (see
// Message.Failure) so the caller can still answer the peer.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	limits Limits
	state  decodeState
	buf    []byte

	msg           Message
	headerBytes   int
	contentLength int
}

// NewDecoder creates a decoder. Zero fields of limits take DefaultLimits.
func NewDecoder(limits Limits) *Decoder {
	if limits.MaxLineLength <= 0 {
		limits.MaxLineLength = DefaultLimits.MaxLineLength
	}
	if limits.MaxHeaderBytes <= 0 {
		limits.MaxHeaderBytes = DefaultLimits.MaxHeaderBytes
	}
	if limits.MaxContentLength <= 0 {
		limits.MaxContentLength = DefaultLimits.MaxContentLength
	}
	return &Decoder{limits: limits}
}

// Decode feeds p to the decoder and returns every message it completed.
// On a framing error the decoder is reset and the messages completed before
// the error are returned together with it.
func (d *Decoder) Decode(p []byte) ([]Message, error) {
	d.buf = append(d.buf, p...)
	var out []Message
	for {
		msg, err := d.step()
		if err != nil {
			d.Reset()
			return out, err
		}
		if msg == nil {
			return out, nil
		}
		out = append(out, msg)
	}
}

// Buffered returns the number of bytes held for the next message.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops all buffered input and any partially decoded message.
func (d *Decoder) Reset() {
	d.state = stateSkipLeadingWhitespace
	d.buf = nil
	d.msg = nil
	d.headerBytes = 0
	d.contentLength = 0
}

// DecodeMessage decodes one complete message, typically a UDP datagram.
func DecodeMessage(data []byte, limits Limits) (Message, error) {
	msgs, err := NewDecoder(limits).Decode(data)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrIncomplete
	}
	return msgs[0], nil
}

// step advances the state machine until a message completes (returned) or
// more input is needed (nil, nil).
func (d *Decoder) step() (Message, error) {
	for {
		switch d.state {
		case stateSkipLeadingWhitespace:
			i := 0
			for i < len(d.buf) && isWhitespace(d.buf[i]) {
				i++
			}
			d.buf = d.buf[i:]
			if len(d.buf) == 0 {
				return nil, nil
			}
			d.state = stateReadInitialLine

		case stateReadInitialLine:
			line, ok, err := d.readLine(d.limits.MaxLineLength, ErrLineTooLong)
			if err != nil || !ok {
				return nil, err
			}
			d.msg = parseInitialLine(line)
			d.state = stateReadHeaders

		case stateReadHeaders:
			line, ok, err := d.readHeaderLine()
			if err != nil || !ok {
				return nil, err
			}
			if line != "" {
				d.addHeaderLine(line)
				continue
			}
			if err := d.endHeaders(); err != nil {
				return nil, err
			}
			if d.state == stateSkipLeadingWhitespace {
				return d.finish(), nil
			}

		case stateReadFixedLengthContent:
			if len(d.buf) < d.contentLength {
				return nil, nil
			}
			d.msg.Base().Content = append([]byte(nil), d.buf[:d.contentLength]...)
			d.buf = d.buf[d.contentLength:]
			return d.finish(), nil

		case stateReadVariableLengthContent:
			d.msg.Base().Content = append([]byte(nil), d.buf...)
			d.buf = nil
			return d.finish(), nil
		}
	}
}

func (d *Decoder) readLine(limit int, tooLong error) (string, bool, error) {
	idx := bytes.IndexByte(d.buf, '\n')
	if idx < 0 {
		if len(d.buf) > limit {
			return "", false, tooLong
		}
		return "", false, nil
	}
	line := bytes.TrimSuffix(d.buf[:idx], []byte("\r"))
	if len(line) > limit {
		return "", false, tooLong
	}
	d.buf = d.buf[idx+1:]
	return string(line), true, nil
}

func (d *Decoder) readHeaderLine() (string, bool, error) {
	remaining := d.limits.MaxHeaderBytes - d.headerBytes
	before := len(d.buf)
	line, ok, err := d.readLine(remaining, ErrHeadersTooLarge)
	if err != nil || !ok {
		return "", false, err
	}
	d.headerBytes += before - len(d.buf)
	if d.headerBytes > d.limits.MaxHeaderBytes {
		return "", false, ErrHeadersTooLarge
	}
	return line, true, nil
}

func (d *Decoder) addHeaderLine(line string) {
	base := d.msg.Base()
	if line[0] == ' ' || line[0] == '\t' {
		if !base.Header.AppendLast(strings.TrimSpace(line)) {
			d.fail(StatusBadRequest, "continuation line before any header")
		}
		return
	}
	name, value, ok := strings.Cut(line, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		d.fail(StatusBadRequest, fmt.Sprintf("malformed header line %q", line))
		return
	}
	base.Header.Add(name, strings.TrimSpace(value))
}

func (d *Decoder) endHeaders() error {
	if resp, ok := d.msg.(*Response); ok && neverHasContent(resp.Code()) {
		d.state = stateSkipLeadingWhitespace
		return nil
	}
	if n, ok := d.msg.Base().ContentLength(); ok {
		if n > d.limits.MaxContentLength {
			return ErrContentTooLarge
		}
		if n == 0 {
			d.state = stateSkipLeadingWhitespace
			return nil
		}
		d.contentLength = n
		d.state = stateReadFixedLengthContent
		return nil
	}
	if _, ok := d.msg.(*Response); ok {
		d.state = stateReadVariableLengthContent
		return nil
	}
	d.state = stateSkipLeadingWhitespace
	return nil
}

func (d *Decoder) finish() Message {
	msg := d.msg
	d.msg = nil
	d.headerBytes = 0
	d.contentLength = 0
	d.state = stateSkipLeadingWhitespace
	return msg
}

// fail records the first decode failure on the current message.
func (d *Decoder) fail(code int, detail string) {
	switch m := d.msg.(type) {
	case *Request:
		if m.Status == nil {
			m.Status = NewStatus(code, detail)
		}
	case *Response:
		if m.failure == nil {
			m.failure = NewStatus(code, detail)
		}
	}
}

func parseInitialLine(line string) Message {
	if strings.HasPrefix(strings.ToUpper(line), "SIP") {
		return parseStatusLine(line)
	}
	return parseRequestLine(line)
}

func parseRequestLine(line string) *Request {
	parts := strings.Fields(line)
	req := &Request{}
	if len(parts) != 3 {
		if len(parts) > 0 {
			req.Method = Method(parts[0])
		}
		req.Status = NewStatus(StatusBadRequest, fmt.Sprintf("malformed request line %q", line))
		return req
	}
	req.Method, req.URI, req.Version = Method(parts[0]), parts[1], parts[2]
	switch {
	case !strings.EqualFold(req.Version, Version):
		req.Status = NewStatus(StatusVersionNotSupported, fmt.Sprintf("unsupported version %q", req.Version))
	case !knownMethods[req.Method]:
		req.Status = NewStatus(StatusMethodNotAllowed, fmt.Sprintf("unknown method %q", req.Method))
	case !requestURIPattern.MatchString(req.URI):
		req.Status = NewStatus(StatusBadRequest, fmt.Sprintf("malformed request URI %q", req.URI))
	}
	return req
}

func parseStatusLine(line string) *Response {
	parts := splitTokens(line, 3)
	resp := &Response{}
	if len(parts) < 2 {
		resp.Status = &Status{}
		resp.failure = NewStatus(StatusBadRequest, fmt.Sprintf("malformed status line %q", line))
		return resp
	}
	resp.Version = parts[0]
	code, err := strconv.Atoi(parts[1])
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	resp.Status = &Status{Code: code, Reason: reason}
	switch {
	case !strings.EqualFold(resp.Version, Version):
		resp.failure = NewStatus(StatusVersionNotSupported, fmt.Sprintf("unsupported version %q", resp.Version))
	case err != nil || code < 100 || code > 699:
		resp.failure = NewStatus(StatusBadRequest, fmt.Sprintf("malformed status code %q", parts[1]))
	}
	return resp
}

// splitTokens splits s on runs of whitespace into at most n tokens; the last
// token keeps its inner whitespace.
func splitTokens(s string, n int) []string {
	var out []string
	s = strings.TrimSpace(s)
	for len(out) < n-1 && s != "" {
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			break
		}
		out = append(out, s[:i])
		s = strings.TrimLeft(s[i:], " \t")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func neverHasContent(code int) bool {
	return (code >= 100 && code < 200) || code == 204 || code == 205 || code == 304
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
