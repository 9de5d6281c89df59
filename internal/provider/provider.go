// Package provider defines the contract between the session engines and the
// chat-platform adapter that actually speaks the wire protocol. The engines
// are agnostic to which network is being driven; everything they need is
// expressed here.
package provider

import "context"

// Adapter dials connections for stored credentials. credDir is the
// per-session directory holding the durable credential blob; the adapter owns
// its format.
type Adapter interface {
	// Connect starts a connection attempt. When no usable credential exists
	// in credDir the adapter must issue an out-of-band challenge (QR or
	// pairing code) through the event stream. Connect returns as soon as the
	// handle exists; readiness arrives as an event.
	Connect(ctx context.Context, credDir string) (Conn, error)
}

// Conn is one live (or connecting) handle to the platform.
type Conn interface {
	// Events yields connection status signals. The channel is closed when
	// the connection is finished for good (after a Closed event).
	Events() <-chan Event

	// Disconnect tears the handle down locally. Idempotent.
	Disconnect()

	// Logout revokes the remote credential, then disconnects.
	Logout(ctx context.Context) error

	// JoinGroup joins an external group by its invite identifier.
	JoinGroup(ctx context.Context, identifier string) error

	// FetchGroups lists the groups the account currently belongs to.
	FetchGroups(ctx context.Context) ([]Group, error)

	// SendMessage delivers one message to a target chat.
	SendMessage(ctx context.Context, targetID string, msg Message) error
}

type EventKind int

const (
	// EventChallenge carries a fresh challenge payload to present.
	EventChallenge EventKind = iota
	// EventPairing signals the challenge was accepted; sync in progress.
	EventPairing
	// EventReady signals the connection is fully usable.
	EventReady
	// EventClosed signals the connection ended; Reason tells why.
	EventClosed
)

type CloseReason int

const (
	// CloseOther covers transient network-level drops; reconnect applies.
	CloseOther CloseReason = iota
	// CloseLoggedOut means the credential was revoked remotely. Final.
	CloseLoggedOut
	// CloseConflict means the same identity is live elsewhere.
	CloseConflict
)

type Event struct {
	Kind      EventKind
	Challenge string // EventChallenge only: opaque payload for presentation
	Reason    CloseReason
	Err       error
}

type Group struct {
	ID          string
	DisplayName string
	Size        int
}

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

type Media struct {
	Kind     MediaKind
	URL      string
	FileName string
	Caption  string
}

// Message is text-only, or one media item with an optional caption.
type Message struct {
	Text  string
	Media *Media
}
