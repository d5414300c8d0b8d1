package xlink

import (
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/vcscore/vcscore/internal/manifest"
	"github.com/vcscore/vcscore/internal/store"
)

// Begin opens a crosslink batch scope (spec §4.3.2): ticket processing is
// deferred until End, which also runs the timestamp-fudge pass.
func (l *Linker) Begin() {
	l.inBatch = true
}

// End closes the batch scope, rebuilding every ticket touched during it
// and then nudging display mtimes into chronological order.
func (l *Linker) End() error {
	l.inBatch = false
	pending, err := l.drainPendingTickets()
	if err != nil {
		return err
	}
	for _, uuid := range pending {
		if err := l.rebuildTicket(uuid); err != nil {
			return err
		}
	}
	return l.fudgeTimestamps()
}

// deferTicket records that rid contributed J cards to uuid's ticket.
// Outside an explicit Begin/End scope, each crosslink is its own
// single-artifact batch, so the ticket is rebuilt immediately.
func (l *Linker) deferTicket(rid store.RID, m *manifest.Manifest) error {
	uuid := m.TicketUUID
	if err := l.db.Update(func(tx *bolt.Tx) error {
		key := []byte("contrib\x00" + uuid)
		var rids []store.RID
		if _, err := jsonGet(tx, bucketPendingTkt, key, &rids); err != nil {
			return err
		}
		rids = append(rids, rid)
		if err := jsonPut(tx, bucketPendingTkt, key, rids); err != nil {
			return err
		}
		return tx.Bucket(bucketPendingTkt).Put([]byte("pending\x00"+uuid), []byte{1})
	}); err != nil {
		return err
	}
	if l.inBatch {
		return nil
	}
	return l.rebuildTicket(uuid)
}

func (l *Linker) drainPendingTickets() ([]string, error) {
	var uuids []string
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingTkt)
		c := b.Cursor()
		prefix := []byte("pending\x00")
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, _ = c.Next() {
			uuids = append(uuids, string(k[len(prefix):]))
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return uuids, err
}

// rebuildTicket replays every contributing artifact's J cards, in
// ascending timestamp order, against a fresh field map (spec §4.3
// "Ticket").
func (l *Linker) rebuildTicket(uuid string) error {
	var contributors []store.RID
	if err := l.db.View(func(tx *bolt.Tx) error {
		_, err := jsonGet(tx, bucketPendingTkt, []byte("contrib\x00"+uuid), &contributors)
		return err
	}); err != nil {
		return err
	}

	type change struct {
		mtime int64
		jc    manifest.JCard
	}
	var changes []change
	for _, rid := range contributors {
		content, err := l.repo.Get(rid)
		if err != nil {
			continue
		}
		m, err := manifest.Parse(content)
		if err != nil || m.Kind != manifest.Ticket {
			continue
		}
		mtime, _ := parseMTime(m.Date)
		for _, jc := range m.TicketFields {
			changes = append(changes, change{mtime: mtime, jc: jc})
		}
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].mtime < changes[j].mtime })

	fields := make(map[string]string)
	for _, c := range changes {
		if c.jc.Append {
			fields[c.jc.Field] += c.jc.Value
		} else {
			fields[c.jc.Field] = c.jc.Value
		}
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		return jsonPut(tx, bucketTicket, []byte(uuid), &Ticket{UUID: uuid, Fields: fields})
	})
}

// fudgeTimestamps implements the §4.3.2 timestamp-fudge pass: for any
// parent/child checkin-event pair whose mtimes are within 2 seconds and
// out of order, nudge the parent's display mtime 25ms earlier, up to 30
// rounds, until ordering is monotonic. Only the event table's display
// mtime is touched; the underlying artifact is untouched.
func (l *Linker) fudgeTimestamps() error {
	const (
		window     = int64(2 * 1_000_000_000)
		nudge      = int64(25 * 1_000_000)
		maxRounds  = 30
	)
	for round := 0; round < maxRounds; round++ {
		changed := false
		if err := l.db.Update(func(tx *bolt.Tx) error {
			pl := tx.Bucket(bucketPLink)
			return pl.ForEach(func(_, v []byte) error {
				var link PLink
				if err := jsonUnmarshalBytes(v, &link); err != nil {
					return err
				}
				if !link.IsPrimary {
					return nil
				}
				parentUUID, err := l.repo.UUIDOf(link.Parent)
				if err != nil {
					return nil
				}
				childUUID, err := l.repo.UUIDOf(link.Child)
				if err != nil {
					return nil
				}
				var pev, cev Event
				pk, ck := eventKey(EventCheckin, parentUUID), eventKey(EventCheckin, childUUID)
				pFound, err := jsonGet(tx, bucketEvent, pk, &pev)
				if err != nil || !pFound {
					return nil
				}
				cFound, err := jsonGet(tx, bucketEvent, ck, &cev)
				if err != nil || !cFound {
					return nil
				}
				if pev.MTime < cev.MTime {
					return nil // already in order
				}
				if pev.MTime-cev.MTime > window {
					return nil // not a clock-skew artifact, leave alone
				}
				pev.MTime -= nudge
				changed = true
				return jsonPut(tx, bucketEvent, pk, &pev)
			})
		}); err != nil {
			return err
		}
		if !changed {
			break
		}
	}
	return nil
}
