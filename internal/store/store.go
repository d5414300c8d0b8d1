// Package store implements the content-addressed artifact store described
// in spec §4.1: a flat table of SHA-1-addressed blobs, optionally stored as
// binary deltas against another artifact, with private/shun/unclustered/
// unsent bookkeeping sets layered on top.
//
// The spec assumes a SQL engine with BLOB columns; this package substitutes
// go.etcd.io/bbolt, the embedded key/value store the wider example corpus
// reaches for when it needs a transactional local table set (see
// 2tbmz9y2xt-lang-rubin-protocol/clients/go/node/store). Each spec "table"
// becomes one bbolt bucket; rid is assigned from bbolt's per-bucket
// NextSequence rather than a SQL autoincrement column.
package store

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vcscore/vcscore/internal/deltacodec"
)

var (
	bucketBlob        = []byte("blob")
	bucketUUIDIndex   = []byte("blob_uuid_index")
	bucketPrivate     = []byte("private")
	bucketShun        = []byte("shun")
	bucketUnclustered = []byte("unclustered")
	bucketUnsent      = []byte("unsent")
	bucketPhantom     = []byte("phantom")
)

var allBuckets = [][]byte{
	bucketBlob, bucketUUIDIndex, bucketPrivate, bucketShun,
	bucketUnclustered, bucketUnsent, bucketPhantom,
}

// maxChainDepth bounds delta-chain reconstruction; exceeding it is treated
// as a corrupt chain rather than spent trying to detect a literal cycle.
const maxChainDepth = 10000

// Repository owns the bbolt database backing one DVCS repository clone.
type Repository struct {
	db *bolt.DB

	unclusteredThreshold int
	maxClusterSize       int
}

// Open opens (creating if absent) the bbolt-backed artifact store at path.
func Open(path string) (*Repository, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	r := &Repository{
		db:                   db,
		unclusteredThreshold: defaultUnclusteredThreshold,
		maxClusterSize:       defaultMaxClusterSize,
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// DB exposes the underlying bbolt handle so that components owning
// derived, non-artifact tables (the cross-linker's plink/mlink/tag/event
// buckets) can share the same on-disk database file, matching the
// spec's "single relational database file" layout (§6) without this
// package needing to know anything about those tables' schemas.
func (r *Repository) DB() *bolt.DB {
	return r.db
}

func sha1hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func compress(b []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write(b)
	_ = w.Close()
	return buf.Bytes()
}

func decompress(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("store: zlib: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("store: zlib read: %w", err)
	}
	return out, nil
}

// PutOptions carries the optional arguments to Put, mirroring the
// spec's put(content, uuid?, base_rid?, private?) signature.
type PutOptions struct {
	// UUID, if set, is verified against the reconstructed content's
	// SHA-1; a mismatch aborts with KindHashMismatch.
	UUID string
	// BaseRID, if non-zero, means wireContent passed to Put is a
	// deltacodec patch against that artifact's reconstructed content,
	// not full content.
	BaseRID RID
	Private bool
	// RcvID identifies the sync session that delivered this artifact,
	// 0 for locally authored content.
	RcvID uint64
}

func loadBlob(tx *bolt.Tx, rid RID) (*blobRecord, error) {
	v := tx.Bucket(bucketBlob).Get(ridKey(rid))
	if v == nil {
		return nil, errf(KindMissing, rid, "no such artifact")
	}
	return decodeBlobRecord(v)
}

func lookupUUID(tx *bolt.Tx, uuid string) (RID, bool) {
	v := tx.Bucket(bucketUUIDIndex).Get([]byte(uuid))
	if v == nil {
		return 0, false
	}
	return ridFromKey(v), true
}

func isShunned(tx *bolt.Tx, uuid string) bool {
	return tx.Bucket(bucketShun).Get([]byte(uuid)) != nil
}

// Put stores an artifact's content, materializing a pre-existing phantom
// row if one exists for the same UUID. wireContent is full content when
// opts.BaseRID is zero, or deltacodec patch bytes against opts.BaseRID
// otherwise. Put always validates the SHA-1 of the *reconstructed*
// content, never the wire bytes, per invariant I2 (spec §8).
func (r *Repository) Put(content []byte, opts PutOptions) (RID, error) {
	var rid RID
	err := r.db.Update(func(tx *bolt.Tx) error {
		var reconstructed []byte
		if opts.BaseRID != 0 {
			base, err := getChain(tx, opts.BaseRID, map[RID]bool{})
			if err != nil {
				return err
			}
			if isPrivateTx(tx, opts.BaseRID) && !opts.Private {
				return errf(KindPrivateDependency, opts.BaseRID, "public artifact cannot delta against private base")
			}
			rc, err := deltacodec.Apply(base, content)
			if err != nil {
				return errf(KindCorruptChain, opts.BaseRID, "apply delta: %v", err)
			}
			reconstructed = rc
		} else {
			reconstructed = content
		}

		uuid := sha1hex(reconstructed)
		if opts.UUID != "" && opts.UUID != uuid {
			return errf(KindHashMismatch, 0, "content hashes to %s, expected %s", uuid, opts.UUID)
		}
		if isShunned(tx, uuid) {
			return errf(KindShunnedArtifact, 0, "uuid %s is shunned", uuid)
		}

		existing, found := lookupUUID(tx, uuid)
		materializingPhantom := false
		if found {
			rec, err := loadBlob(tx, existing)
			if err != nil {
				return err
			}
			materializingPhantom = rec.isPhantom()
			if !materializingPhantom {
				rid = existing
				return nil // already fully stored; idempotent no-op
			}
		} else {
			seq, err := tx.Bucket(bucketBlob).NextSequence()
			if err != nil {
				return errf(KindIoError, 0, "allocate rid: %v", err)
			}
			existing = RID(seq)
		}

		rec := &blobRecord{
			UUID:    uuid,
			Size:    int64(len(reconstructed)),
			RcvID:   opts.RcvID,
			Private: opts.Private,
			BaseRID: opts.BaseRID,
			Payload: compress(content),
		}
		if err := tx.Bucket(bucketBlob).Put(ridKey(existing), rec.encode()); err != nil {
			return errf(KindIoError, existing, "%v", err)
		}
		if err := tx.Bucket(bucketUUIDIndex).Put([]byte(uuid), ridKey(existing)); err != nil {
			return errf(KindIoError, existing, "%v", err)
		}
		if materializingPhantom {
			_ = tx.Bucket(bucketPhantom).Delete(ridKey(existing))
		}
		if !opts.Private {
			if err := tx.Bucket(bucketUnsent).Put(ridKey(existing), []byte{1}); err != nil {
				return errf(KindIoError, existing, "%v", err)
			}
			if !found {
				if err := tx.Bucket(bucketUnclustered).Put(ridKey(existing), []byte{1}); err != nil {
					return errf(KindIoError, existing, "%v", err)
				}
			}
		} else {
			if err := tx.Bucket(bucketPrivate).Put(ridKey(existing), []byte{1}); err != nil {
				return errf(KindIoError, existing, "%v", err)
			}
		}
		rid = existing
		return nil
	})
	return rid, err
}

// Get reconstructs an artifact's full content by walking its delta chain.
func (r *Repository) Get(rid RID) ([]byte, error) {
	var out []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		c, err := getChain(tx, rid, map[RID]bool{})
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func getChain(tx *bolt.Tx, rid RID, visited map[RID]bool) ([]byte, error) {
	if len(visited) > maxChainDepth || visited[rid] {
		return nil, errf(KindCorruptChain, rid, "delta chain too deep or cyclic")
	}
	visited[rid] = true

	rec, err := loadBlob(tx, rid)
	if err != nil {
		return nil, err
	}
	if rec.isPhantom() {
		return nil, errf(KindMissing, rid, "artifact is a phantom, content not yet received")
	}
	raw, err := decompress(rec.Payload)
	if err != nil {
		return nil, errf(KindIoError, rid, "%v", err)
	}
	if rec.BaseRID == 0 {
		return raw, nil
	}
	base, err := getChain(tx, rec.BaseRID, visited)
	if err != nil {
		return nil, err
	}
	content, err := deltacodec.Apply(base, raw)
	if err != nil {
		return nil, errf(KindCorruptChain, rid, "apply delta: %v", err)
	}
	return content, nil
}

// NewPhantom registers a UUID that is referenced but whose content has not
// yet arrived (spec §4.1 "Phantom"). It is idempotent: if an artifact
// already exists for uuid (phantom or real), its rid is returned.
func (r *Repository) NewPhantom(uuid string, private bool) (RID, error) {
	var rid RID
	err := r.db.Update(func(tx *bolt.Tx) error {
		if isShunned(tx, uuid) {
			return errf(KindShunnedArtifact, 0, "uuid %s is shunned", uuid)
		}
		if existing, ok := lookupUUID(tx, uuid); ok {
			rid = existing
			return nil
		}
		seq, err := tx.Bucket(bucketBlob).NextSequence()
		if err != nil {
			return errf(KindIoError, 0, "allocate rid: %v", err)
		}
		newRid := RID(seq)
		rec := &blobRecord{UUID: uuid, Size: -1, Private: private}
		if err := tx.Bucket(bucketBlob).Put(ridKey(newRid), rec.encode()); err != nil {
			return errf(KindIoError, newRid, "%v", err)
		}
		if err := tx.Bucket(bucketUUIDIndex).Put([]byte(uuid), ridKey(newRid)); err != nil {
			return errf(KindIoError, newRid, "%v", err)
		}
		if err := tx.Bucket(bucketPhantom).Put(ridKey(newRid), []byte{1}); err != nil {
			return errf(KindIoError, newRid, "%v", err)
		}
		if private {
			if err := tx.Bucket(bucketPrivate).Put(ridKey(newRid), []byte{1}); err != nil {
				return errf(KindIoError, newRid, "%v", err)
			}
		} else if err := tx.Bucket(bucketUnclustered).Put(ridKey(newRid), []byte{1}); err != nil {
			return errf(KindIoError, newRid, "%v", err)
		}
		rid = newRid
		return nil
	})
	return rid, err
}

func isPrivateTx(tx *bolt.Tx, rid RID) bool {
	return tx.Bucket(bucketPrivate).Get(ridKey(rid)) != nil
}

// IsPrivate reports whether rid is marked private.
func (r *Repository) IsPrivate(rid RID) (bool, error) {
	var priv bool
	err := r.db.View(func(tx *bolt.Tx) error {
		if _, err := loadBlob(tx, rid); err != nil {
			return err
		}
		priv = isPrivateTx(tx, rid)
		return nil
	})
	return priv, err
}

// MakePublic clears an artifact's private flag. It fails with
// KindPrivateDependency if rid is itself stored as a delta against a
// private base, since that would otherwise create a public artifact
// whose reconstruction depends on private content (invariant P1,
// spec §8); call Undelta first in that case.
func (r *Repository) MakePublic(rid RID) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		rec, err := loadBlob(tx, rid)
		if err != nil {
			return err
		}
		if !rec.Private {
			return nil
		}
		if rec.BaseRID != 0 && isPrivateTx(tx, rec.BaseRID) {
			return errf(KindPrivateDependency, rid, "base rid %d is private; undelta first", rec.BaseRID)
		}
		rec.Private = false
		if err := tx.Bucket(bucketBlob).Put(ridKey(rid), rec.encode()); err != nil {
			return errf(KindIoError, rid, "%v", err)
		}
		if err := tx.Bucket(bucketPrivate).Delete(ridKey(rid)); err != nil {
			return errf(KindIoError, rid, "%v", err)
		}
		if !rec.isPhantom() {
			if err := tx.Bucket(bucketUnsent).Put(ridKey(rid), []byte{1}); err != nil {
				return errf(KindIoError, rid, "%v", err)
			}
		}
		if err := tx.Bucket(bucketUnclustered).Put(ridKey(rid), []byte{1}); err != nil {
			return errf(KindIoError, rid, "%v", err)
		}
		return nil
	})
}

// Undelta rewrites rid's on-disk representation as raw (non-delta)
// content, severing its dependency on BaseRID. Used before a private
// base artifact is discarded, or before MakePublic on a delta artifact.
func (r *Repository) Undelta(rid RID) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		rec, err := loadBlob(tx, rid)
		if err != nil {
			return err
		}
		if rec.BaseRID == 0 {
			return nil
		}
		content, err := getChain(tx, rid, map[RID]bool{})
		if err != nil {
			return err
		}
		rec.BaseRID = 0
		rec.Payload = compress(content)
		if err := tx.Bucket(bucketBlob).Put(ridKey(rid), rec.encode()); err != nil {
			return errf(KindIoError, rid, "%v", err)
		}
		return nil
	})
}

// Shun marks uuid as shunned and deletes its artifact row, if any, along
// with its bookkeeping set memberships. Existing artifacts that delta
// against the shunned row become unreconstructable; repairing those is
// left to a future compaction pass (spec does not require online repair).
func (r *Repository) Shun(uuid string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketShun).Put([]byte(uuid), []byte{1}); err != nil {
			return errf(KindIoError, 0, "%v", err)
		}
		rid, ok := lookupUUID(tx, uuid)
		if !ok {
			return nil
		}
		for _, bkt := range []([]byte){bucketBlob, bucketPrivate, bucketUnclustered, bucketUnsent, bucketPhantom} {
			if err := tx.Bucket(bkt).Delete(ridKey(rid)); err != nil {
				return errf(KindIoError, rid, "%v", err)
			}
		}
		return tx.Bucket(bucketUUIDIndex).Delete([]byte(uuid))
	})
}

// DeletePrivateContent removes every private artifact from the repository
// in one transaction. Any surviving artifact stored as a delta whose base
// is about to be deleted is first rewritten as full content, so that after
// the pass every remaining delta's base is present and non-private
// (spec §8 property 7; §4.1 "undelta ... used when deleting private
// content that is a base for public deltas").
func (r *Repository) DeletePrivateContent() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		privateRids := collectRIDs(tx, bucketPrivate)
		if len(privateRids) == 0 {
			return nil
		}
		priv := make(map[RID]bool, len(privateRids))
		for _, rid := range privateRids {
			priv[rid] = true
		}

		type survivor struct {
			rid RID
			rec *blobRecord
		}
		var rebase []survivor
		if err := tx.Bucket(bucketBlob).ForEach(func(k, v []byte) error {
			rid := ridFromKey(k)
			if priv[rid] {
				return nil
			}
			rec, err := decodeBlobRecord(v)
			if err != nil {
				return err
			}
			if rec.BaseRID != 0 && priv[rec.BaseRID] {
				rebase = append(rebase, survivor{rid: rid, rec: rec})
			}
			return nil
		}); err != nil {
			return err
		}

		for _, s := range rebase {
			content, err := getChain(tx, s.rid, map[RID]bool{})
			if err != nil {
				return err
			}
			s.rec.BaseRID = 0
			s.rec.Payload = compress(content)
			if err := tx.Bucket(bucketBlob).Put(ridKey(s.rid), s.rec.encode()); err != nil {
				return errf(KindIoError, s.rid, "%v", err)
			}
		}

		for _, rid := range privateRids {
			rec, err := loadBlob(tx, rid)
			if err != nil {
				return err
			}
			for _, bkt := range [][]byte{bucketBlob, bucketPrivate, bucketUnclustered, bucketUnsent, bucketPhantom} {
				if err := tx.Bucket(bkt).Delete(ridKey(rid)); err != nil {
					return errf(KindIoError, rid, "%v", err)
				}
			}
			if err := tx.Bucket(bucketUUIDIndex).Delete([]byte(rec.UUID)); err != nil {
				return errf(KindIoError, rid, "%v", err)
			}
		}
		return nil
	})
}

func collectRIDs(tx *bolt.Tx, bucket []byte) []RID {
	var out []RID
	_ = tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
		out = append(out, ridFromKey(k))
		return nil
	})
	return out
}

// IterUnclustered returns rids (including phantoms) awaiting cluster sealing.
func (r *Repository) IterUnclustered() ([]RID, error) {
	var out []RID
	err := r.db.View(func(tx *bolt.Tx) error {
		out = collectRIDs(tx, bucketUnclustered)
		return nil
	})
	return out, err
}

// IterUnsent returns rids with content a peer may not yet have.
func (r *Repository) IterUnsent() ([]RID, error) {
	var out []RID
	err := r.db.View(func(tx *bolt.Tx) error {
		out = collectRIDs(tx, bucketUnsent)
		return nil
	})
	return out, err
}

// IterPrivate returns rids marked private.
func (r *Repository) IterPrivate() ([]RID, error) {
	var out []RID
	err := r.db.View(func(tx *bolt.Tx) error {
		out = collectRIDs(tx, bucketPrivate)
		return nil
	})
	return out, err
}

// IterPhantoms returns rids awaiting content.
func (r *Repository) IterPhantoms() ([]RID, error) {
	var out []RID
	err := r.db.View(func(tx *bolt.Tx) error {
		out = collectRIDs(tx, bucketPhantom)
		return nil
	})
	return out, err
}

// ClearUnclustered drops rid from the unclustered set; called by the
// cross-linker once rid has been sealed into a cluster manifest.
func (r *Repository) ClearUnclustered(rids []RID) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnclustered)
		for _, rid := range rids {
			if err := b.Delete(ridKey(rid)); err != nil {
				return errf(KindIoError, rid, "%v", err)
			}
		}
		return nil
	})
}

// ClearUnsent drops rid from the unsent set; called once a sync session
// has confirmed a peer received rid's content.
func (r *Repository) ClearUnsent(rid RID) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnsent).Delete(ridKey(rid))
	})
}

// UUIDOf returns the UUID for rid.
func (r *Repository) UUIDOf(rid RID) (string, error) {
	var uuid string
	err := r.db.View(func(tx *bolt.Tx) error {
		rec, err := loadBlob(tx, rid)
		if err != nil {
			return err
		}
		uuid = rec.UUID
		return nil
	})
	return uuid, err
}

// RIDOf looks up the rid for uuid, returning KindMissing if unknown.
func (r *Repository) RIDOf(uuid string) (RID, error) {
	var rid RID
	err := r.db.View(func(tx *bolt.Tx) error {
		existing, ok := lookupUUID(tx, uuid)
		if !ok {
			return errf(KindMissing, 0, "no artifact for uuid %s", uuid)
		}
		rid = existing
		return nil
	})
	return rid, err
}

// IsPhantom reports whether rid has no content yet.
func (r *Repository) IsPhantom(rid RID) (bool, error) {
	var phantom bool
	err := r.db.View(func(tx *bolt.Tx) error {
		rec, err := loadBlob(tx, rid)
		if err != nil {
			return err
		}
		phantom = rec.isPhantom()
		return nil
	})
	return phantom, err
}

// AllRIDs returns every rid known to the repository (including phantoms),
// in ascending order — bbolt's big-endian key encoding makes byte order and
// rid order coincide, so no separate sort is needed. Used by the sync
// protocol's initial-clone inventory and versioned streaming clone (§4.4.3).
func (r *Repository) AllRIDs() ([]RID, error) {
	var out []RID
	err := r.db.View(func(tx *bolt.Tx) error {
		out = collectRIDs(tx, bucketBlob)
		return nil
	})
	return out, err
}

// DeltaOf returns rid's raw deltacodec command bytes against its immediate
// base and the base's rid, if rid is stored as a delta; ok is false if rid
// is stored raw or is a phantom. Used by the sync engine's send policy to
// forward an already-stored delta natively (spec §4.4.4 "native delta").
func (r *Repository) DeltaOf(rid RID) (delta []byte, base RID, ok bool, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		rec, loadErr := loadBlob(tx, rid)
		if loadErr != nil {
			return loadErr
		}
		if rec.isPhantom() || rec.BaseRID == 0 {
			return nil
		}
		raw, decErr := decompress(rec.Payload)
		if decErr != nil {
			return errf(KindIoError, rid, "%v", decErr)
		}
		delta = raw
		base = rec.BaseRID
		ok = true
		return nil
	})
	return
}

// BaseRID returns rid's delta base, or 0 if rid is stored raw.
func (r *Repository) BaseRID(rid RID) (RID, error) {
	var base RID
	err := r.db.View(func(tx *bolt.Tx) error {
		rec, err := loadBlob(tx, rid)
		if err != nil {
			return err
		}
		base = rec.BaseRID
		return nil
	})
	return base, err
}

// RawFull returns the zlib-compressed full (non-delta) content for rid and
// its uncompressed size, materializing it on demand by walking the delta
// chain if rid is itself stored as a delta. Used by the sync protocol's
// `cfile` path (§4.4.1) to hand the peer content the store already keeps
// compressed without an extra decompress/recompress round trip whenever
// rid happens to be stored raw.
func (r *Repository) RawFull(rid RID) (compressed []byte, usize int64, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		rec, loadErr := loadBlob(tx, rid)
		if loadErr != nil {
			return loadErr
		}
		if rec.isPhantom() {
			return errf(KindMissing, rid, "artifact is a phantom, content not yet received")
		}
		if rec.BaseRID == 0 {
			compressed = rec.Payload
			usize = rec.Size
			return nil
		}
		full, chainErr := getChain(tx, rid, map[RID]bool{})
		if chainErr != nil {
			return chainErr
		}
		compressed = compress(full)
		usize = int64(len(full))
		return nil
	})
	return
}
