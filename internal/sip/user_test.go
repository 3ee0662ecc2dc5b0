package sip

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseUser(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  User
	}{
		{
			name:  "name-addr with tag",
			value: `"Alice" <sip:alice@example.com>;tag=9fxced76sl`,
			want:  User{DisplayName: "Alice", Scheme: "sip", Username: "alice", Host: "example.com", Tag: "9fxced76sl", Expires: -1},
		},
		{
			name:  "contact with uri and header params",
			value: `<sip:bob@192.0.2.4:5062;transport=tcp;rinstance=6f8dc969b62d1466>;expires=300`,
			want:  User{Scheme: "sip", Username: "bob", Host: "192.0.2.4", Port: 5062, Transport: "tcp", RInstance: "6f8dc969b62d1466", Expires: 300},
		},
		{
			name:  "addr-spec params belong to the header",
			value: `sip:carol@chicago.com;tag=887s`,
			want:  User{Scheme: "sip", Username: "carol", Host: "chicago.com", Tag: "887s", Expires: -1},
		},
		{
			name:  "password is dropped",
			value: `<sips:dave:secret@example.org:5061>`,
			want:  User{Scheme: "sips", Username: "dave", Host: "example.org", Port: 5061, Expires: -1},
		},
		{
			name:  "unquoted display name",
			value: `Bob <sip:bob@biloxi.com>`,
			want:  User{DisplayName: "Bob", Scheme: "sip", Username: "bob", Host: "biloxi.com", Expires: -1},
		},
		{
			name:  "garbage",
			value: `not a uri`,
			want:  User{Expires: -1},
		},
		{
			name:  "empty",
			value: ``,
			want:  User{Expires: -1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseUser(tt.value)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseUser(%q) mismatch (-want +got):\n%s", tt.value, diff)
			}
		})
	}
}

func TestUserKey(t *testing.T) {
	tests := []struct {
		value string
		key   string
	}{
		{"<sip:alice@192.0.2.10>", "alice@192.0.2.10:5060"},
		{"<sip:alice@192.0.2.10:5062>", "alice@192.0.2.10:5062"},
		{"<sip:alice@192.0.2.10:5062;transport=udp>;expires=60", "alice@192.0.2.10:5062"},
	}
	for _, tt := range tests {
		if got := ParseUser(tt.value).Key(); got != tt.key {
			t.Errorf("Key(%q) = %q, want %q", tt.value, got, tt.key)
		}
	}
}

func TestUserRoutable(t *testing.T) {
	if ParseUser("<sip:example.com>").Routable() {
		t.Error("a URI without a user part must not be routable")
	}
	if !ParseUser("<sip:a@example.com>").Routable() {
		t.Error("a URI with user and host must be routable")
	}
}

func TestUserHeaderValue(t *testing.T) {
	u := ParseUser(`"Alice" <sip:alice@example.com:5070;transport=tcp>;tag=abc;expires=30`)
	want := `"Alice" <sip:alice@example.com:5070;transport=tcp>;tag=abc;expires=30`
	if got := u.HeaderValue(); got != want {
		t.Errorf("HeaderValue() = %q, want %q", got, want)
	}
	if got := ParseUser(u.HeaderValue()); !cmp.Equal(got, u) {
		t.Errorf("reparsed user differs: %s", cmp.Diff(u, got))
	}
	if got := u.WithTag("xyz").Tag; got != "xyz" {
		t.Errorf("WithTag() tag = %q", got)
	}
}

func TestParseCSeq(t *testing.T) {
	c, err := ParseCSeq(" 42   REGISTER ")
	if err != nil {
		t.Fatalf("ParseCSeq() error = %v", err)
	}
	if c.Seq != 42 || c.Method != "REGISTER" {
		t.Errorf("ParseCSeq() = %+v", c)
	}
	if c.String() != "42 REGISTER" {
		t.Errorf("String() = %q", c.String())
	}
	for _, bad := range []string{"", "REGISTER", "1 2 3", "x INVITE", "-1 INVITE", "4294967296 INVITE"} {
		if _, err := ParseCSeq(bad); err == nil {
			t.Errorf("ParseCSeq(%q) expected error", bad)
		}
	}
}
