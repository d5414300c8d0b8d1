package xlink

import (
	"bytes"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/vcscore/vcscore/internal/manifest"
	"github.com/vcscore/vcscore/internal/store"
)

// applyTag writes source's declaration of tag t at target, then — if t is
// propagating — spreads it to target's descendants (spec §4.3.1).
func (l *Linker) applyTag(source, target store.RID, t manifest.TagCard, dateStr string) error {
	mtime, _ := parseMTime(dateStr)
	wrote, err := l.writeTagxref(target, t.Name, TagOp(t.Op), t.Value, source, mtime)
	if err != nil {
		return err
	}
	if t.Name == "branch" {
		if err := l.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketLeaf).Put(ridKey(target), []byte{1})
		}); err != nil {
			return err
		}
	}
	if !wrote || t.Op != manifest.TagPropagating {
		return nil
	}
	return l.propagateTag(t.Name, target, t.Value, mtime)
}

// writeTagxref installs a tagxref row unless a strictly newer row already
// exists for (tag, target) (spec §4.3.1). Returns whether the write
// happened, so callers know whether to keep propagating through target.
func (l *Linker) writeTagxref(target store.RID, tag string, op TagOp, value string, source store.RID, mtime int64) (bool, error) {
	wrote := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		key := tagxrefKey(tag, target)
		var existing TagXref
		found, err := jsonGet(tx, bucketTagXref, key, &existing)
		if err != nil {
			return err
		}
		if found && existing.MTime > mtime {
			return nil
		}
		wrote = true
		return jsonPut(tx, bucketTagXref, key, &TagXref{
			Tag: tag, Target: target, Op: op, Value: value, Source: source, MTime: mtime,
		})
	})
	return wrote, err
}

// propagateTag is a BFS over primary-parent child edges, seeded at
// target, carrying the tag forward until it hits an anti-tag, a newer
// singleton, or a node with no further primary children.
func (l *Linker) propagateTag(tag string, target store.RID, value string, mtime int64) error {
	visited := map[store.RID]bool{target: true}
	queue := []store.RID{target}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		children, err := l.primaryChildren(node)
		if err != nil {
			return err
		}
		for _, child := range children {
			if visited[child] {
				continue
			}
			visited[child] = true
			wrote, err := l.writeTagxref(child, tag, TagPropagating, value, 0, mtime)
			if err != nil {
				return err
			}
			if wrote {
				queue = append(queue, child)
			}
		}
	}
	return nil
}

// primaryChildren returns the rids for which parent is the primary
// parent, ordered by plink.MTime ascending (spec §4.3.1 "priority-ordered
// by child mtime").
func (l *Linker) primaryChildren(parent store.RID) ([]store.RID, error) {
	prefix := ridKey(parent)
	type entry struct {
		rid   store.RID
		mtime int64
	}
	var entries []entry
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPLink).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var pl PLink
			if err := jsonUnmarshalBytes(v, &pl); err != nil {
				return err
			}
			if pl.IsPrimary {
				entries = append(entries, entry{rid: pl.Child, mtime: pl.MTime})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime < entries[j].mtime })
	out := make([]store.RID, len(entries))
	for i, e := range entries {
		out[i] = e.rid
	}
	return out, nil
}
