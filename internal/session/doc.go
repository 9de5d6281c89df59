// Package session owns the authoritative state machine for every managed
// messaging session: connection lifecycle, out-of-band challenge handling
// with wall-clock timeout, disconnect classification with backoff-and-retry,
// and per-session interval policy.
//
// One Registry manages all sessions. Each session has at most one live
// connection handle and at most one pending challenge timer; transitions are
// published on the event bus for whatever presentation layer is attached.
package session
