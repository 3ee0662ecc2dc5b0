// Package protocol defines the entity kinds of the registrar and the
// messages they exchange.
package protocol

import (
	"time"

	"sip-registrar/internal/entity"
	"sip-registrar/internal/registry"
	"sip-registrar/internal/sip"
)

// Entity kinds.
const (
	KindUser   entity.Kind = "user"
	KindDialog entity.Kind = "dialog"
	KindDevice entity.Kind = "device"
)

// UserRef addresses the user entity of a username.
func UserRef(username string) entity.Ref {
	return entity.Ref{Kind: KindUser, Key: username}
}

// DialogRef addresses the dialog entity of a Call-ID.
func DialogRef(callID string) entity.Ref {
	return entity.Ref{Kind: KindDialog, Key: callID}
}

// DeviceRef addresses the device entity of a binding key.
func DeviceRef(key string) entity.Ref {
	return entity.Ref{Kind: KindDevice, Key: key}
}

// Inbound is a request received from the network together with the
// channel its answers go back on.
type Inbound struct {
	Request *sip.Request
	Reply   sip.Transport
	// Authenticated is set by the user entity when it bounces a request it
	// accepted back to the dialog.
	Authenticated bool
	ReceivedAt    time.Time
}

// AuthCheck asks a user entity to authenticate an inbound request. The user
// answers the dialog with the Inbound marked authenticated, or answers the
// peer with 401 and tells the dialog Challenged.
type AuthCheck struct {
	Inbound
}

// Challenged tells a dialog that the request with CSeq was answered with a
// challenge, so the retry with the next sequence number is expected.
type Challenged struct {
	CSeq sip.CSeq
}

// Registration asks a user entity to apply the contacts of an authenticated
// REGISTER and answer it.
type Registration struct {
	Inbound
}

// CallSetup asks the callee's user entity to fan an authenticated INVITE
// out to its live bindings.
type CallSetup struct {
	Inbound
	Caller string
}

// Ring delivers an INVITE to one device.
type Ring struct {
	Request *sip.Request
	Binding registry.Binding
	Callee  string
}
