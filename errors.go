package dhtcrawl

import (
	"errors"
	"fmt"

	"github.com/taipei-labs/dhtcrawl/bootstrap"
	"github.com/taipei-labs/dhtcrawl/krpc"
)

// ErrorKind names the closed set of error conditions the application
// boundary can observe. Wire-level errors (a malformed datagram from a
// stranger, an unknown method) never reach the caller as an error value;
// they are absorbed as drops or protocol-error replies. What's left are the
// handful of things a caller of Start/AnnouncePeer genuinely needs to react
// to.
type ErrorKind int

const (
	// ErrKindStart covers Start failing because the node is already running
	// or the UDP socket could not be bound.
	ErrKindStart ErrorKind = iota + 1
	// ErrKindBootstrapFailed covers no seed responding and the random
	// lookups turning up nothing, leaving the routing table empty.
	ErrKindBootstrapFailed
	// ErrKindAnnounce covers announce_peer failing locally (no token on
	// file for the destination, or the send itself erroring).
	ErrKindAnnounce
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindStart:
		return "start"
	case ErrKindBootstrapFailed:
		return "bootstrap_failed"
	case ErrKindAnnounce:
		return "announce"
	default:
		return "unknown"
	}
}

// Error is the error type New, Start and AnnouncePeer return on failure;
// FindNodes and GetPeers return ErrNotRunning or the context's error
// directly. Kind is always one of the ErrKind constants; Unwrap exposes the
// underlying cause so callers can still errors.Is against
// ErrAlreadyRunning, ErrBootstrapFailed and so on.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("dhtcrawl: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) *Error { return &Error{Kind: kind, Err: err} }

// Sentinel errors, comparable with errors.Is.
var (
	// ErrAlreadyRunning is returned by Start when called on a Session that
	// is already running.
	ErrAlreadyRunning = errors.New("dhtcrawl: session already running")
	// ErrNotRunning is returned by operations that require a running
	// session (FindNodes, GetPeers, AnnouncePeer) when called before Start
	// or after Stop.
	ErrNotRunning = errors.New("dhtcrawl: session not running")
	// ErrBootstrapFailed indicates no seed endpoint ever answered and the
	// routing table is empty after the bootstrap deadline. It is the same
	// sentinel the bootstrap package returns, re-exported so callers never
	// need to import bootstrap just to check for it.
	ErrBootstrapFailed = bootstrap.ErrBootstrapFailed
	// ErrNoToken is returned by AnnouncePeer when this session has never
	// done a get_peers against the target and so has no token to present.
	ErrNoToken = errors.New("dhtcrawl: no get_peers token on file for this endpoint")
)

// krpcError builds the wire-level KRPC error payload for one of the
// standard protocol failures this session can reply with.
func krpcError(code int, message string) krpc.ErrorInfo {
	return krpc.ErrorInfo{Code: code, Message: message}
}

var (
	errBadToken = krpcError(krpc.ErrCodeProtocol, "Bad token")
	errProtocol = krpcError(krpc.ErrCodeProtocol, "Protocol Error")
	errMethod   = krpcError(krpc.ErrCodeMethodUnknown, "Method Unknown")
)
