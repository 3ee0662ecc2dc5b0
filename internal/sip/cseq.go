package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// CSeq is the value of a CSeq header: a sequence number and a method token.
type CSeq struct {
	Seq    uint32
	Method string
}

// ParseCSeq parses a CSeq header value such as "314159 INVITE".
func ParseCSeq(value string) (CSeq, error) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return CSeq{}, fmt.Errorf("malformed CSeq %q", value)
	}
	n, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return CSeq{}, fmt.Errorf("malformed CSeq number %q: %w", parts[0], err)
	}
	return CSeq{Seq: uint32(n), Method: parts[1]}, nil
}

func (c CSeq) String() string {
	return strconv.FormatUint(uint64(c.Seq), 10) + " " + c.Method
}
