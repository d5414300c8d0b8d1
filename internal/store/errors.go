package store

import "fmt"

// Kind enumerates the artifact-store error taxonomy from spec §4.1/§7.
type Kind int

const (
	KindHashMismatch Kind = iota
	KindMissing
	KindCorruptChain
	KindShunnedArtifact
	KindPrivateDependency
	KindIoError
	KindStorageFull
)

func (k Kind) String() string {
	switch k {
	case KindHashMismatch:
		return "HashMismatch"
	case KindMissing:
		return "Missing"
	case KindCorruptChain:
		return "CorruptChain"
	case KindShunnedArtifact:
		return "ShunnedArtifact"
	case KindPrivateDependency:
		return "PrivateDependency"
	case KindIoError:
		return "IoError"
	case KindStorageFull:
		return "StorageFull"
	default:
		return "Unknown"
	}
}

// Error is the artifact store's error type. Per spec §7 ("ContentError"
// and "StorageError" both abort the containing transaction), callers
// should treat every Error as fatal to the in-flight transaction except
// where a component-specific doc comment says otherwise.
type Error struct {
	Kind Kind
	RID  RID
	Msg  string
}

func (e *Error) Error() string {
	if e.RID != 0 {
		return fmt.Sprintf("store: %s (rid %d): %s", e.Kind, e.RID, e.Msg)
	}
	return fmt.Sprintf("store: %s: %s", e.Kind, e.Msg)
}

func errf(kind Kind, rid RID, format string, args ...any) *Error {
	return &Error{Kind: kind, RID: rid, Msg: fmt.Sprintf(format, args...)}
}
