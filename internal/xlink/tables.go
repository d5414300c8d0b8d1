// Package xlink implements the cross-linker described in spec §4.3: it
// consumes newly-stored control artifacts, parses them with
// internal/manifest, and maintains the derived tables that let history,
// file-change, tag, and timeline queries avoid re-parsing artifacts.
package xlink

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/vcscore/vcscore/internal/store"
)

var (
	bucketPLink      = []byte("plink")
	bucketMLink      = []byte("mlink")
	bucketTagXref    = []byte("tagxref")
	bucketEvent      = []byte("event")
	bucketWiki       = []byte("wiki")
	bucketTicket     = []byte("ticket")
	bucketPendingTkt = []byte("pending_tkt")
	bucketAttachment = []byte("attachment")
	bucketOrphan     = []byte("orphan")
	bucketLeaf       = []byte("leaf")
)

var allBuckets = [][]byte{
	bucketPLink, bucketMLink, bucketTagXref, bucketEvent, bucketWiki,
	bucketTicket, bucketPendingTkt, bucketAttachment, bucketOrphan, bucketLeaf,
}

// PLink is one parent/child checkin edge (spec §3 "plink").
type PLink struct {
	Parent    store.RID
	Child     store.RID
	IsPrimary bool
	MTime     int64
}

// MLink is one changed-file row between a checkin and its primary parent
// (spec §3 "mlink"). FID is the new content rid (0 on delete); PID is the
// prior content rid (0 on add).
type MLink struct {
	Child    store.RID
	Parent   store.RID
	FileName string
	FID      store.RID
	PID      store.RID
	Perm     string
}

// TagOp mirrors manifest.TagOp for the subset the cross-linker records.
type TagOp byte

const (
	TagSingleton   TagOp = '+'
	TagPropagating TagOp = '*'
	TagCancel      TagOp = '-'
)

// TagXref is one application of a tag to a target artifact (spec §3
// "tagxref"). Source is the rid of the control artifact that declared
// it, or 0 when the row was produced by propagation (§4.3.1).
type TagXref struct {
	Tag    string
	Target store.RID
	Op     TagOp
	Value  string
	Source store.RID
	MTime  int64
}

// EventKind enumerates the timeline event types (spec §3 "event" /
// GLOSSARY "Timeline event").
type EventKind string

const (
	EventCheckin    EventKind = "checkin"
	EventWiki       EventKind = "wiki"
	EventTicket     EventKind = "ticket"
	EventAttachment EventKind = "attachment"
	EventTagged     EventKind = "tag"
)

// Event is one timeline row (spec §3 "event").
type Event struct {
	Kind     EventKind
	StableID string // the artifact's uuid for most kinds; the E-card id for events from event manifests (Kind EventTagged)
	RID      store.RID
	Comment  string
	User     string
	MTime    int64 // display mtime; subject to the timestamp-fudge pass (§4.3.2)
}

// Ticket is the accumulated state of one ticket, rebuilt by replaying its
// J cards in timestamp order (spec §4.3 "Ticket").
type Ticket struct {
	UUID   string
	Fields map[string]string
}

// Attachment is one attachment row (spec §3/§4.3 "Attachment").
type Attachment struct {
	Target   string
	Filename string
	SrcUUID  string
	RID      store.RID
	MTime    int64
	IsLatest bool
}

// Orphan records a delta-manifest checkin whose baseline has not yet
// arrived; mlink computation is deferred until the baseline materializes
// (spec §4.3 "Checkin").
type Orphan struct {
	RID      store.RID
	Baseline string // baseline manifest's declared uuid
}

func jsonPut(tx *bolt.Tx, bucket, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("xlink: marshal: %w", err)
	}
	return tx.Bucket(bucket).Put(key, b)
}

func jsonGet(tx *bolt.Tx, bucket, key []byte, v any) (bool, error) {
	raw := tx.Bucket(bucket).Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("xlink: unmarshal: %w", err)
	}
	return true, nil
}

func jsonUnmarshalBytes(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

func ridKey(rid store.RID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(rid))
	return b[:]
}

func plinkKey(parent, child store.RID) []byte {
	return append(ridKey(parent), ridKey(child)...)
}

func mlinkKey(child, parent store.RID, filename string) []byte {
	k := append(ridKey(child), ridKey(parent)...)
	return append(k, []byte(filename)...)
}

func tagxrefKey(tag string, target store.RID) []byte {
	return append([]byte(tag+"\x00"), ridKey(target)...)
}

func eventKey(kind EventKind, stableID string) []byte {
	return []byte(string(kind) + "\x00" + stableID)
}
