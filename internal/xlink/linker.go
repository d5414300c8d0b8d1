package xlink

import (
	"fmt"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/vcscore/vcscore/internal/manifest"
	"github.com/vcscore/vcscore/internal/store"
)

// Linker is the cross-linker (spec §4.3). It shares the artifact store's
// bbolt database file but owns its own buckets for derived tables.
type Linker struct {
	repo   *store.Repository
	db     *bolt.DB
	logger *logrus.Logger

	inBatch bool
}

// New creates a Linker over repo, creating its derived-table buckets if
// they don't already exist.
func New(repo *store.Repository, logger *logrus.Logger) (*Linker, error) {
	db := repo.DB()
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("xlink: create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Linker{repo: repo, db: db, logger: logger}, nil
}

// Crosslink parses rid's content as a manifest and applies its per-variant
// effect on the derived tables (spec §4.3). A parse failure is not an
// error here: the artifact is simply left un-cross-linked, as ordinary
// file content would be.
func (l *Linker) Crosslink(rid store.RID) error {
	content, err := l.repo.Get(rid)
	if err != nil {
		return fmt.Errorf("xlink: get rid %d: %w", rid, err)
	}
	m, err := manifest.Parse(content)
	if err != nil {
		l.logger.WithField("rid", rid).Debug("xlink: not a control artifact, skipping")
		return nil
	}
	uuid, err := l.repo.UUIDOf(rid)
	if err != nil {
		return err
	}

	var dispatchErr error
	switch m.Kind {
	case manifest.Checkin:
		dispatchErr = l.crosslinkCheckin(rid, uuid, m)
	case manifest.Cluster:
		dispatchErr = l.crosslinkCluster(m)
	case manifest.TagControl:
		dispatchErr = l.crosslinkTagControl(rid, m)
	case manifest.Wiki:
		dispatchErr = l.crosslinkWiki(rid, uuid, m)
	case manifest.Ticket:
		dispatchErr = l.deferTicket(rid, m)
	case manifest.Attachment:
		dispatchErr = l.crosslinkAttachment(rid, m)
	case manifest.Event:
		dispatchErr = l.crosslinkEvent(rid, m)
	default:
		dispatchErr = fmt.Errorf("xlink: unhandled variant %v", m.Kind)
	}
	if dispatchErr != nil {
		return dispatchErr
	}

	// rid may itself be the baseline that one or more delta-manifests were
	// waiting on (spec §3 "orphan", §4.3 "Checkin"); replay them now that
	// it has arrived.
	return l.resolveOrphans(uuid)
}

// resolveOrphans replays crosslink for every delta-manifest whose orphan
// row names baselineUUID, now that the baseline itself has been
// cross-linked (spec §4.3.2 scenario S2).
func (l *Linker) resolveOrphans(baselineUUID string) error {
	var waiting []store.RID
	if err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOrphan).ForEach(func(k, v []byte) error {
			var o Orphan
			if err := jsonUnmarshalBytes(v, &o); err != nil {
				return err
			}
			if o.Baseline == baselineUUID {
				waiting = append(waiting, o.RID)
			}
			return nil
		})
	}); err != nil {
		return err
	}
	for _, rid := range waiting {
		if err := l.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketOrphan).Delete(ridKey(rid))
		}); err != nil {
			return err
		}
		if err := l.Crosslink(rid); err != nil {
			return err
		}
	}
	return nil
}

// PrimaryParent returns the primary parent of a checkin rid, and whether
// one exists (the root commit has none).
func (l *Linker) PrimaryParent(child store.RID) (store.RID, bool, error) {
	// plink is keyed (parent, child), so a lookup by child requires a full
	// scan rather than a prefix seek; acceptable here since this is an
	// occasional sync-time lookup, not a per-card hot path.
	var parent store.RID
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPLink).ForEach(func(k, v []byte) error {
			var pl PLink
			if err := jsonUnmarshalBytes(v, &pl); err != nil {
				return err
			}
			if pl.Child == child && pl.IsPrimary {
				parent = pl.Parent
				found = true
			}
			return nil
		})
	})
	return parent, found, err
}

// FileParent returns the prior content rid of the file that fid is the
// newer version of, found via mlink, and whether one exists. The sync
// engine's send policy uses this as its last delta-source candidate when
// fid is a file blob rather than a checkin manifest (spec §4.1 "the
// parent file appearance found via mlink").
func (l *Linker) FileParent(fid store.RID) (store.RID, bool, error) {
	var parent store.RID
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMLink).ForEach(func(k, v []byte) error {
			var m MLink
			if err := jsonUnmarshalBytes(v, &m); err != nil {
				return err
			}
			if m.FID == fid && m.PID != 0 {
				parent = m.PID
				found = true
			}
			return nil
		})
	})
	return parent, found, err
}

// ensureRidForUUID resolves a content uuid to a rid, creating a public
// phantom if the artifact hasn't arrived yet (spec §4.3 "ensure a parent
// rid exists, creating a phantom if needed"). It opens its own store
// transaction, so it must never be called from inside a db.Update
// callback on the shared bbolt handle.
func (l *Linker) ensureRidForUUID(uuid string) (store.RID, error) {
	if uuid == "" {
		return 0, nil
	}
	rid, err := l.repo.RIDOf(uuid)
	if err == nil {
		return rid, nil
	}
	if se, ok := err.(*store.Error); ok && se.Kind == store.KindMissing {
		return l.repo.NewPhantom(uuid, false)
	}
	return 0, err
}

func (l *Linker) crosslinkCheckin(rid store.RID, uuid string, m *manifest.Manifest) error {
	var primaryParent store.RID
	parentRids := make([]store.RID, len(m.Parents))
	for i, puuid := range m.Parents {
		prid, err := l.ensureRidForUUID(puuid)
		if err != nil {
			return err
		}
		parentRids[i] = prid
		if i == 0 {
			primaryParent = prid
		}
	}

	mtime, _ := parseMTime(m.Date)
	if err := l.db.Update(func(tx *bolt.Tx) error {
		for i, prid := range parentRids {
			if err := jsonPut(tx, bucketPLink, plinkKey(prid, rid), &PLink{
				Parent: prid, Child: rid, IsPrimary: i == 0, MTime: mtime,
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := l.computeMLink(rid, primaryParent, m); err != nil {
		return err
	}

	if err := l.upsertEvent(&Event{
		Kind: EventCheckin, StableID: uuid, RID: rid,
		Comment: m.Comment, User: m.User, MTime: mtime,
	}); err != nil {
		return err
	}

	// Checkins may carry their own T cards (e.g. "branch", "closed").
	for _, t := range m.Tags {
		if err := l.applyTag(rid, rid, t, m.Date); err != nil {
			return err
		}
	}
	return nil
}

// computeMLink diffs the checkin's effective file list against its
// primary parent's, resolving every referenced uuid to a rid up front so
// that the bucket writes themselves run inside a single transaction with
// no nested store calls (spec §4.3 "Checkin").
func (l *Linker) computeMLink(rid store.RID, primaryParent store.RID, m *manifest.Manifest) error {
	if m.IsDelta() {
		baselineRid, err := l.ensureRidForUUID(m.Baseline)
		if err != nil {
			return err
		}
		phantom, err := l.repo.IsPhantom(baselineRid)
		if err != nil {
			return err
		}
		if phantom {
			return l.db.Update(func(tx *bolt.Tx) error {
				return jsonPut(tx, bucketOrphan, ridKey(rid), &Orphan{RID: rid, Baseline: m.Baseline})
			})
		}
	}

	var parentFiles []manifest.FileCard
	if primaryParent != 0 {
		if pm, err := l.loadManifestByRid(primaryParent); err == nil {
			var baseline *manifest.Manifest
			if pm.IsDelta() {
				baseline, err = l.loadBaseline(pm.Baseline)
				if err != nil {
					return err
				}
			}
			parentFiles, err = pm.Files(baseline)
			if err != nil {
				return err
			}
		}
	}

	var baseline *manifest.Manifest
	if m.IsDelta() {
		var err error
		baseline, err = l.loadBaseline(m.Baseline)
		if err != nil {
			return err
		}
	}
	childFiles, err := m.Files(baseline)
	if err != nil {
		return err
	}

	return l.diffFiles(rid, primaryParent, parentFiles, childFiles)
}

func (l *Linker) loadManifestByRid(rid store.RID) (*manifest.Manifest, error) {
	content, err := l.repo.Get(rid)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(content)
}

func (l *Linker) loadBaseline(uuid string) (*manifest.Manifest, error) {
	rid, err := l.repo.RIDOf(uuid)
	if err != nil {
		return nil, err
	}
	return l.loadManifestByRid(rid)
}

// diffFiles computes the set of changed filenames between before and
// after, resolves every involved content uuid to a rid, then writes all
// mlink rows in a single transaction.
func (l *Linker) diffFiles(child, parent store.RID, before, after []manifest.FileCard) error {
	byName := make(map[string]manifest.FileCard, len(before))
	for _, f := range before {
		byName[f.Name] = f
	}

	type change struct {
		name     string
		fid, pid store.RID
		perm     string
	}
	var changes []change
	seen := make(map[string]bool, len(after))

	for _, f := range after {
		seen[f.Name] = true
		prior, existed := byName[f.Name]
		if existed && prior.UUID == f.UUID && prior.Perm == f.Perm {
			continue
		}
		fid, err := l.ensureRidForUUID(f.UUID)
		if err != nil {
			return err
		}
		var pid store.RID
		if existed {
			pid, err = l.ensureRidForUUID(prior.UUID)
			if err != nil {
				return err
			}
		}
		changes = append(changes, change{name: f.Name, fid: fid, pid: pid, perm: f.Perm})
	}
	for name, prior := range byName {
		if seen[name] {
			continue
		}
		pid, err := l.ensureRidForUUID(prior.UUID)
		if err != nil {
			return err
		}
		changes = append(changes, change{name: name, fid: 0, pid: pid, perm: prior.Perm})
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		for _, c := range changes {
			if err := jsonPut(tx, bucketMLink, mlinkKey(child, parent, c.name), &MLink{
				Child: child, Parent: parent, FileName: c.name, FID: c.fid, PID: c.pid, Perm: c.perm,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Linker) crosslinkCluster(m *manifest.Manifest) error {
	rids := make([]store.RID, 0, len(m.ClusterMembers))
	for _, uuid := range m.ClusterMembers {
		// An unknown member becomes a phantom: the cluster names it, so the
		// next sync round can gimme its content (spec §3 "Phantoms are
		// created on reference").
		rid, err := l.ensureRidForUUID(uuid)
		if err != nil {
			if se, ok := err.(*store.Error); ok && se.Kind == store.KindShunnedArtifact {
				continue
			}
			return err
		}
		rids = append(rids, rid)
	}
	return l.repo.ClearUnclustered(rids)
}

func (l *Linker) crosslinkTagControl(rid store.RID, m *manifest.Manifest) error {
	resolved := make([]store.RID, len(m.Tags))
	for i, t := range m.Tags {
		if t.Target == "*" {
			resolved[i] = rid
			continue
		}
		target, err := l.ensureRidForUUID(t.Target)
		if err != nil {
			return err
		}
		resolved[i] = target
	}
	for i, t := range m.Tags {
		if err := l.applyTag(rid, resolved[i], t, m.Date); err != nil {
			return err
		}
	}
	return nil
}

func (l *Linker) crosslinkWiki(rid store.RID, uuid string, m *manifest.Manifest) error {
	mtime, _ := parseMTime(m.Date)
	type wikiPage struct {
		Name  string
		RID   store.RID
		MTime int64
	}
	if err := l.db.Update(func(tx *bolt.Tx) error {
		return jsonPut(tx, bucketWiki, []byte(m.WikiName), &wikiPage{m.WikiName, rid, mtime})
	}); err != nil {
		return err
	}
	return l.upsertEvent(&Event{Kind: EventWiki, StableID: uuid, RID: rid, User: m.User, MTime: mtime})
}

func (l *Linker) crosslinkAttachment(rid store.RID, m *manifest.Manifest) error {
	mtime, _ := parseMTime(m.Date)
	// latestKey tracks the current (target, filename) -> rid pointer; it
	// is the source of truth for "isLatest", not the per-rid row below.
	latestKey := []byte("latest\x00" + m.AttachTarget + "\x00" + m.AttachName)
	if err := l.db.Update(func(tx *bolt.Tx) error {
		if err := jsonPut(tx, bucketAttachment, ridKey(rid), &Attachment{
			Target: m.AttachTarget, Filename: m.AttachName, SrcUUID: m.AttachSrc,
			RID: rid, MTime: mtime, IsLatest: true,
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketAttachment).Put(latestKey, ridKey(rid))
	}); err != nil {
		return err
	}
	kind := EventTicket
	if len(m.AttachTarget) != 40 {
		kind = EventWiki
	}
	uuid, err := l.repo.UUIDOf(rid)
	if err != nil {
		return err
	}
	return l.upsertEvent(&Event{Kind: kind, StableID: uuid, RID: rid, User: m.User, MTime: mtime})
}

func (l *Linker) crosslinkEvent(rid store.RID, m *manifest.Manifest) error {
	mtime, _ := parseMTime(m.EventTime)
	return l.upsertEvent(&Event{Kind: EventTagged, StableID: m.EventID, RID: rid, Comment: m.Comment, User: m.User, MTime: mtime})
}

func (l *Linker) upsertEvent(ev *Event) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		key := eventKey(ev.Kind, ev.StableID)
		var existing Event
		found, err := jsonGet(tx, bucketEvent, key, &existing)
		if err != nil {
			return err
		}
		if found && existing.MTime > ev.MTime {
			return nil // newer replaces older by date (spec §4.3 "Event")
		}
		return jsonPut(tx, bucketEvent, key, ev)
	})
}
