package syncproto

import "fmt"

// Kind enumerates the sync-session-scoped slice of the error taxonomy from
// spec §7: ContentError and StorageError surface as *store.Error, and
// ParseError as *manifest.ParseError, from the packages that detect them;
// this package only needs the two kinds that are specific to the protocol
// itself, plus the transport boundary.
type Kind int

const (
	KindProtocolError Kind = iota
	KindAuthError
	KindTransportError
)

func (k Kind) String() string {
	switch k {
	case KindProtocolError:
		return "ProtocolError"
	case KindAuthError:
		return "AuthError"
	case KindTransportError:
		return "TransportError"
	default:
		return "Unknown"
	}
}

// Error is the sync engine's error type. Per spec §7, a ProtocolError or
// AuthError ends the session after surfacing an `error` card to the peer
// (client side: after exhausting retries); a TransportError ends the
// session with the transaction rolled back, and per the design's stated
// idempotence (§7) a later session resumes and converges.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("syncproto: %s: %s", e.Kind, e.Msg)
}

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
