// Package auth implements the digest challenge/response cycle used for
// REGISTER: nonce issuance, challenge rendering and credential checks.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/icholy/digest"

	"sip-registrar/internal/sip"
)

// Verification failures. All of them are answered with a fresh challenge.
var (
	ErrNoCredentials    = errors.New("auth: no credentials")
	ErrMalformed        = errors.New("auth: malformed credentials")
	ErrUsernameMismatch = errors.New("auth: username mismatch")
	ErrStaleNonce       = errors.New("auth: nonce does not match")
	ErrBadResponse      = errors.New("auth: response does not match")
)

// HeaderChallenge is the response header carrying the challenge.
const HeaderChallenge = "WWW-Authenticate"

// Secret is what the registrar knows about a user when checking credentials.
type Secret struct {
	Username string
	HA1      string
	Nonce    string
}

// Challenge renders the WWW-Authenticate value for realm and nonce.
func Challenge(realm, nonce string) string {
	return fmt.Sprintf(`Digest algorithm=MD5, realm="%s", nonce="%s"`, realm, nonce)
}

// ChallengeField returns the challenge as a header field for sip.BuildResponse.
func ChallengeField(realm, nonce string) sip.Field {
	return sip.Field{Name: HeaderChallenge, Values: []string{Challenge(realm, nonce)}}
}

// Credentials extracts the digest credentials of req.
func Credentials(req *sip.Request) (*digest.Credentials, error) {
	value := strings.TrimSpace(req.Header.Get("Authorization"))
	if value == "" {
		return nil, ErrNoCredentials
	}
	cred, err := digest.ParseCredentials(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cred.Username == "" || cred.Nonce == "" || cred.Response == "" {
		return nil, ErrMalformed
	}
	return cred, nil
}

// Username returns the username the request claims in its Authorization
// header, or "" when there is none.
func Username(req *sip.Request) string {
	cred, err := Credentials(req)
	if err != nil {
		return ""
	}
	return cred.Username
}

// Verify checks the credentials of req against s.
// The username must match case-insensitively, the nonce must equal the
// latest issued one and the response must match the digest of s.HA1.
func Verify(req *sip.Request, s Secret) error {
	cred, err := Credentials(req)
	if err != nil {
		return err
	}
	if !strings.EqualFold(cred.Username, s.Username) {
		return ErrUsernameMismatch
	}
	if s.Nonce == "" || cred.Nonce != s.Nonce {
		return ErrStaleNonce
	}
	uri := cred.URI
	if uri == "" {
		uri = req.URI
	}
	if CalculateResponse(s.HA1, string(req.Method), uri, s.Nonce) != strings.ToLower(cred.Response) {
		return ErrBadResponse
	}
	return nil
}

// Reason maps a verification error to a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoCredentials):
		return "no_credentials"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUsernameMismatch):
		return "username"
	case errors.Is(err, ErrStaleNonce):
		return "nonce"
	case errors.Is(err, ErrBadResponse):
		return "response"
	}
	return "error"
}
