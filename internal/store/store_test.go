package store

import (
	"path/filepath"
	"testing"

	"github.com/vcscore/vcscore/internal/deltacodec"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "repo.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestPutGetRoundTrip(t *testing.T) {
	r := openTestRepo(t)
	content := []byte("hello, distributed world")
	rid, err := r.Put(content, PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := r.Get(rid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q want %q", got, content)
	}
}

func TestPutRejectsHashMismatch(t *testing.T) {
	r := openTestRepo(t)
	_, err := r.Put([]byte("data"), PutOptions{UUID: "0000000000000000000000000000000000000000"})
	se, ok := err.(*Error)
	if !ok || se.Kind != KindHashMismatch {
		t.Fatalf("got %v, want HashMismatch", err)
	}
}

func TestPutDeltaAndReconstruct(t *testing.T) {
	r := openTestRepo(t)
	base := []byte("the quick brown fox jumps over the lazy dog, repeatedly and often")
	baseRid, err := r.Put(base, PutOptions{})
	if err != nil {
		t.Fatalf("Put base: %v", err)
	}

	target := []byte("the quick brown fox jumps over the lazy dog, repeatedly and often, with a twist")
	delta := deltacodec.Compute(base, target)

	rid, err := r.Put(delta, PutOptions{BaseRID: baseRid})
	if err != nil {
		t.Fatalf("Put delta: %v", err)
	}
	got, err := r.Get(rid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(target) {
		t.Fatalf("got %q want %q", got, target)
	}
}

func TestPutDeltaAgainstPrivateBaseFailsWhenPublic(t *testing.T) {
	r := openTestRepo(t)
	base := []byte("private seed content")
	baseRid, err := r.Put(base, PutOptions{Private: true})
	if err != nil {
		t.Fatalf("Put base: %v", err)
	}
	target := []byte("private seed content, extended")
	delta := deltacodec.Compute(base, target)

	_, err = r.Put(delta, PutOptions{BaseRID: baseRid, Private: false})
	se, ok := err.(*Error)
	if !ok || se.Kind != KindPrivateDependency {
		t.Fatalf("got %v, want PrivateDependency", err)
	}

	// Storing the delta as private too is fine.
	if _, err := r.Put(delta, PutOptions{BaseRID: baseRid, Private: true}); err != nil {
		t.Fatalf("Put private delta: %v", err)
	}
}

func TestNewPhantomThenPutMaterializes(t *testing.T) {
	r := openTestRepo(t)
	content := []byte("arrives later")
	uuid := sha1hex(content)

	rid, err := r.NewPhantom(uuid, false)
	if err != nil {
		t.Fatalf("NewPhantom: %v", err)
	}
	if phantom, err := r.IsPhantom(rid); err != nil || !phantom {
		t.Fatalf("expected phantom, phantom=%v err=%v", phantom, err)
	}
	if _, err := r.Get(rid); err == nil {
		t.Fatalf("expected Get to fail on phantom")
	}

	materialized, err := r.Put(content, PutOptions{UUID: uuid})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if materialized != rid {
		t.Fatalf("materialize produced new rid %d, want %d", materialized, rid)
	}
	if phantom, err := r.IsPhantom(rid); err != nil || phantom {
		t.Fatalf("expected materialized, phantom=%v err=%v", phantom, err)
	}
	got, err := r.Get(rid)
	if err != nil || string(got) != string(content) {
		t.Fatalf("Get after materialize: %q, %v", got, err)
	}

	phantoms, err := r.IterPhantoms()
	if err != nil {
		t.Fatalf("IterPhantoms: %v", err)
	}
	for _, p := range phantoms {
		if p == rid {
			t.Fatalf("materialized rid still listed as phantom")
		}
	}
}

func TestMakePublicRejectsPrivateBase(t *testing.T) {
	r := openTestRepo(t)
	base, err := r.Put([]byte("base content"), PutOptions{Private: true})
	if err != nil {
		t.Fatalf("Put base: %v", err)
	}
	delta := deltacodec.Compute([]byte("base content"), []byte("base content v2"))
	rid, err := r.Put(delta, PutOptions{BaseRID: base, Private: true})
	if err != nil {
		t.Fatalf("Put delta: %v", err)
	}

	if err := r.MakePublic(rid); err == nil {
		t.Fatalf("expected MakePublic to fail while base is private")
	}

	if err := r.Undelta(rid); err != nil {
		t.Fatalf("Undelta: %v", err)
	}
	if err := r.MakePublic(rid); err != nil {
		t.Fatalf("MakePublic after undelta: %v", err)
	}
	if priv, err := r.IsPrivate(rid); err != nil || priv {
		t.Fatalf("expected public, private=%v err=%v", priv, err)
	}
}

func TestShunRemovesArtifact(t *testing.T) {
	r := openTestRepo(t)
	content := []byte("bad content")
	rid, err := r.Put(content, PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	uuid, err := r.UUIDOf(rid)
	if err != nil {
		t.Fatalf("UUIDOf: %v", err)
	}
	if err := r.Shun(uuid); err != nil {
		t.Fatalf("Shun: %v", err)
	}
	if _, err := r.Get(rid); err == nil {
		t.Fatalf("expected Get to fail after shun")
	}
	if _, err := r.Put(content, PutOptions{}); err == nil {
		t.Fatalf("expected re-Put of shunned content to fail")
	}
}

func TestIterUnclusteredAndUnsent(t *testing.T) {
	r := openTestRepo(t)
	rid, err := r.Put([]byte("content a"), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	unclustered, err := r.IterUnclustered()
	if err != nil || len(unclustered) != 1 || unclustered[0] != rid {
		t.Fatalf("IterUnclustered = %v, err %v", unclustered, err)
	}
	unsent, err := r.IterUnsent()
	if err != nil || len(unsent) != 1 || unsent[0] != rid {
		t.Fatalf("IterUnsent = %v, err %v", unsent, err)
	}

	if err := r.ClearUnclustered([]RID{rid}); err != nil {
		t.Fatalf("ClearUnclustered: %v", err)
	}
	if err := r.ClearUnsent(rid); err != nil {
		t.Fatalf("ClearUnsent: %v", err)
	}
	unclustered, _ = r.IterUnclustered()
	unsent, _ = r.IterUnsent()
	if len(unclustered) != 0 || len(unsent) != 0 {
		t.Fatalf("expected empty sets after clearing, got %v %v", unclustered, unsent)
	}
}

func TestSealClustersNoopBelowThreshold(t *testing.T) {
	r := openTestRepo(t)
	for i := 0; i < 10; i++ {
		if _, err := r.Put([]byte{byte(i), byte(i >> 8)}, PutOptions{}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	sealed, err := r.SealClusters()
	if err != nil {
		t.Fatalf("SealClusters: %v", err)
	}
	if len(sealed) != 0 {
		t.Fatalf("expected no clusters below threshold, got %d", len(sealed))
	}
}

func TestSealClustersAboveThreshold(t *testing.T) {
	r := openTestRepo(t)
	for i := 0; i < 150; i++ {
		content := []byte{byte(i), byte(i >> 8), byte(i >> 16), 0xAA}
		if _, err := r.Put(content, PutOptions{}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	sealed, err := r.SealClusters()
	if err != nil {
		t.Fatalf("SealClusters: %v", err)
	}
	if len(sealed) == 0 {
		t.Fatalf("expected at least one cluster")
	}

	remaining, err := r.IterUnclustered()
	if err != nil {
		t.Fatalf("IterUnclustered: %v", err)
	}
	sealedSet := map[RID]bool{}
	for _, s := range sealed {
		sealedSet[s] = true
	}
	for _, rid := range remaining {
		if !sealedSet[rid] {
			t.Fatalf("unclustered set contains non-cluster rid %d after sealing", rid)
		}
	}
}

func TestDeletePrivateContent(t *testing.T) {
	r := openTestRepo(t)

	privBase := []byte("private base content, long enough to delta against sensibly")
	privRid, err := r.Put(privBase, PutOptions{Private: true})
	if err != nil {
		t.Fatalf("Put private base: %v", err)
	}
	privUUID, _ := r.UUIDOf(privRid)

	dependent := []byte("private base content, long enough to delta against sensibly, plus edits")
	depRid, err := r.Put(deltacodec.Compute(privBase, dependent), PutOptions{BaseRID: privRid, Private: true})
	if err != nil {
		t.Fatalf("Put dependent delta: %v", err)
	}
	if err := r.MakePublic(depRid); err == nil {
		t.Fatal("MakePublic should refuse while base is private")
	}
	if err := r.Undelta(depRid); err != nil {
		t.Fatalf("Undelta: %v", err)
	}
	if err := r.MakePublic(depRid); err != nil {
		t.Fatalf("MakePublic after Undelta: %v", err)
	}

	public := []byte("unrelated public content")
	pubRid, err := r.Put(public, PutOptions{})
	if err != nil {
		t.Fatalf("Put public: %v", err)
	}

	if err := r.DeletePrivateContent(); err != nil {
		t.Fatalf("DeletePrivateContent: %v", err)
	}

	if _, err := r.RIDOf(privUUID); err == nil {
		t.Fatal("private artifact should be gone")
	}
	priv, err := r.IterPrivate()
	if err != nil || len(priv) != 0 {
		t.Fatalf("IterPrivate = %v, err %v", priv, err)
	}

	// Every survivor must still reconstruct, and no survivor may delta
	// against a deleted base.
	for _, rid := range []RID{depRid, pubRid} {
		if _, err := r.Get(rid); err != nil {
			t.Fatalf("Get(%d) after purge: %v", rid, err)
		}
		base, err := r.BaseRID(rid)
		if err != nil {
			t.Fatalf("BaseRID(%d): %v", rid, err)
		}
		if base != 0 {
			if p, err := r.IsPrivate(base); err != nil || p {
				t.Fatalf("rid %d still deltas against private/missing base %d (err=%v)", rid, base, err)
			}
		}
	}
}

func TestDeletePrivateContentRemovesPrivateDeltaWithBase(t *testing.T) {
	r := openTestRepo(t)

	base := []byte("shared lineage content that both public and private artifacts build on")
	baseRid, err := r.Put(base, PutOptions{Private: true})
	if err != nil {
		t.Fatalf("Put base: %v", err)
	}

	// A private delta whose base is about to be purged; promote it public
	// afterwards is forbidden, so keep it private and expect the purge to
	// rewrite nothing for it (it is deleted along with its base).
	mid := []byte("shared lineage content that both public and private artifacts build on, revised")
	midRid, err := r.Put(deltacodec.Compute(base, mid), PutOptions{BaseRID: baseRid, Private: true})
	if err != nil {
		t.Fatalf("Put mid: %v", err)
	}

	if err := r.DeletePrivateContent(); err != nil {
		t.Fatalf("DeletePrivateContent: %v", err)
	}
	if _, err := r.Get(midRid); err == nil {
		t.Fatal("deleted private delta should no longer resolve")
	}
	if _, err := r.Get(baseRid); err == nil {
		t.Fatal("deleted private base should no longer resolve")
	}
}

func TestSealClustersHonorsConfiguredLimits(t *testing.T) {
	r := openTestRepo(t)
	r.SetClusterLimits(10, 8)
	for i := 0; i < 20; i++ {
		content := []byte{byte(i), byte(i >> 8), 0xBB, 0xCD}
		if _, err := r.Put(content, PutOptions{}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	sealed, err := r.SealClusters()
	if err != nil {
		t.Fatalf("SealClusters: %v", err)
	}
	if len(sealed) != 3 {
		t.Fatalf("got %d clusters for 20 members with max size 8, want 3", len(sealed))
	}
}
