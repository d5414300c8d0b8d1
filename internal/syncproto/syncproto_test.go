package syncproto

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/vcscore/vcscore/internal/deltacodec"
	"github.com/vcscore/vcscore/internal/manifest"
	"github.com/vcscore/vcscore/internal/store"
	"github.com/vcscore/vcscore/internal/transport"
	"github.com/vcscore/vcscore/internal/xlink"
)

func newTestRepo(t *testing.T) (*store.Repository, *xlink.Linker) {
	t.Helper()
	repo, err := store.Open(filepath.Join(t.TempDir(), "repo.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	l, err := xlink.New(repo, nil)
	if err != nil {
		t.Fatalf("xlink.New: %v", err)
	}
	return repo, l
}

func TestReadCardsRoundTrip(t *testing.T) {
	b := NewBuilder(0)
	b.Clone(0, 0)
	b.Gimme("abc123")
	b.Pragma("send-private")
	b.File("deadbeef", "", []byte("hello"))
	b.Private()
	b.File("cafef00d", "", []byte("world"))
	b.ReqConfig("project-name")
	b.Comment("a comment")
	b.Login("alice", "nonce1", "sig1")

	cards, err := ReadCards(b.Bytes())
	if err != nil {
		t.Fatalf("ReadCards: %v", err)
	}

	wantVerbs := []string{"clone", "gimme", "pragma", "file", "private", "file", "reqconfig", "#", "login"}
	if len(cards) != len(wantVerbs) {
		t.Fatalf("got %d cards, want %d: %+v", len(cards), len(wantVerbs), cards)
	}
	for i, v := range wantVerbs {
		if cards[i].Verb != v {
			t.Errorf("card %d: verb = %q, want %q", i, cards[i].Verb, v)
		}
	}
	if string(cards[3].Payload) != "hello" {
		t.Errorf("file payload = %q, want %q", cards[3].Payload, "hello")
	}
	if string(cards[5].Payload) != "world" {
		t.Errorf("second file payload = %q, want %q", cards[5].Payload, "world")
	}
	if cards[len(cards)-1].Args[0] != "alice" {
		t.Errorf("login user = %q, want alice", cards[len(cards)-1].Args[0])
	}
}

func TestReadCardsRejectsTruncatedPayload(t *testing.T) {
	msg := []byte("file abc 100\nshort\n")
	if _, err := ReadCards(msg); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadCardsRejectsBadSize(t *testing.T) {
	msg := []byte("file abc notanumber\nx\n")
	if _, err := ReadCards(msg); err == nil {
		t.Fatal("expected error for non-numeric size")
	}
}

func TestAuthComputeNonceAndSig(t *testing.T) {
	preceding := []byte("clone\ngimme abc123\n")
	nonce := ComputeNonce(preceding)
	sig := ComputeSig(nonce, "s3cret")

	auth := &StaticAuthenticator{Users: map[string]UserRecord{
		"alice": {PasswordPlain: "s3cret", Caps: Capabilities{Read: true, Write: true, Clone: true}},
	}}
	caps, ok := auth.Authenticate("alice", nonce, sig)
	if !ok {
		t.Fatal("expected authentication to succeed")
	}
	if !caps.Read || !caps.Write {
		t.Errorf("unexpected caps: %+v", caps)
	}

	if _, ok := auth.Authenticate("alice", nonce, "wrongsig"); ok {
		t.Fatal("expected authentication to fail with wrong signature")
	}
}

func TestAuthSHA1StoredPassword(t *testing.T) {
	nonce := "fixednonce"
	passHash := sha1Hex([]byte("s3cret"))
	sig := ComputeSig(nonce, passHash)

	auth := &StaticAuthenticator{Users: map[string]UserRecord{
		"bob": {PasswordSHA1: passHash, Caps: Capabilities{Read: true}},
	}}
	if _, ok := auth.Authenticate("bob", nonce, sig); !ok {
		t.Fatal("expected SHA1-stored-password authentication to succeed")
	}
}

func TestSendPolicySkipsAlreadyKnown(t *testing.T) {
	repo, _ := newTestRepo(t)
	rid, err := repo.Put([]byte("content one"), store.PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	uuid, err := repo.UUIDOf(rid)
	if err != nil {
		t.Fatalf("UUIDOf: %v", err)
	}

	b := NewBuilder(0)
	p := &sendPolicy{repo: repo, peerHas: map[string]bool{uuid: true}}
	if err := p.send(b, rid); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("expected no card emitted for already-known artifact, got %q", b.Bytes())
	}
}

func TestSendPolicySkipsPrivateWithoutPrivateSession(t *testing.T) {
	repo, _ := newTestRepo(t)
	rid, err := repo.Put([]byte("secret content"), store.PutOptions{Private: true})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	b := NewBuilder(0)
	p := &sendPolicy{repo: repo, peerHas: map[string]bool{}, private: false}
	if err := p.send(b, rid); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("expected private artifact to be withheld, got %q", b.Bytes())
	}
}

func TestSendPolicyEmitsFileForUnknownArtifact(t *testing.T) {
	repo, _ := newTestRepo(t)
	rid, err := repo.Put([]byte("fresh content"), store.PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	b := NewBuilder(0)
	p := &sendPolicy{repo: repo, peerHas: map[string]bool{}}
	if err := p.send(b, rid); err != nil {
		t.Fatalf("send: %v", err)
	}
	cards, err := ReadCards(b.Bytes())
	if err != nil {
		t.Fatalf("ReadCards: %v", err)
	}
	if len(cards) != 1 || cards[0].Verb != "file" {
		t.Fatalf("expected a single file card, got %+v", cards)
	}
	if string(cards[0].Payload) != "fresh content" {
		t.Errorf("payload = %q, want %q", cards[0].Payload, "fresh content")
	}
}

// TestClientServerCloneConverges drives a full clone session against an
// httptest server fronting a Server, approximating spec §8 scenario S1
// ("a fresh clone converges to the full artifact set").
func TestClientServerCloneConverges(t *testing.T) {
	serverRepo, serverLinker := newTestRepo(t)
	rid1, err := serverRepo.Put([]byte("artifact one"), store.PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	rid2, err := serverRepo.Put([]byte("artifact two"), store.PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	uuid1, _ := serverRepo.UUIDOf(rid1)
	uuid2, _ := serverRepo.UUIDOf(rid2)

	srv := NewServer(serverRepo, serverLinker, nil, ServerConfig{ServerCode: "serverA", ProjectCode: "projA"})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := transport.ReadRequestBody(r)
		if err != nil {
			t.Errorf("ReadRequestBody: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		reply, err := srv.Handle(body)
		if err != nil {
			t.Errorf("Handle: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if err := transport.WriteResponse(w, transport.ContentTypeCompressed, reply); err != nil {
			t.Errorf("WriteResponse: %v", err)
		}
	}))
	defer ts.Close()

	clientRepo, clientLinker := newTestRepo(t)
	tr := transport.NewClient(nil, ts.URL)
	cl := NewClient(clientRepo, clientLinker, tr, nil, ClientConfig{Mode: ModeClone, User: "anonymous"})

	if err := cl.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	gotRid1, err := clientRepo.RIDOf(uuid1)
	if err != nil {
		t.Fatalf("client missing artifact one after clone: %v", err)
	}
	gotContent1, err := clientRepo.Get(gotRid1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(gotContent1, []byte("artifact one")) {
		t.Errorf("artifact one content = %q", gotContent1)
	}

	gotRid2, err := clientRepo.RIDOf(uuid2)
	if err != nil {
		t.Fatalf("client missing artifact two after clone: %v", err)
	}
	gotContent2, err := clientRepo.Get(gotRid2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(gotContent2, []byte("artifact two")) {
		t.Errorf("artifact two content = %q", gotContent2)
	}
}

// TestServerRejectsUnauthorizedPrivatePush covers spec §8 scenario S4: a
// user without the private capability sends "pragma send-private" plus a
// private file card. The server must emit "error not authorized to sync
// private content" and must not store the private artifact, while still
// finishing the rest of the request.
func TestServerRejectsUnauthorizedPrivatePush(t *testing.T) {
	serverRepo, serverLinker := newTestRepo(t)
	auth := &StaticAuthenticator{Users: map[string]UserRecord{
		"alice": {PasswordPlain: "s3cret", Caps: Capabilities{Read: true, Write: true}},
	}}
	srv := NewServer(serverRepo, serverLinker, nil, ServerConfig{
		ServerCode: "serverA", ProjectCode: "projA", Auth: auth,
	})

	b := NewBuilder(0)
	b.Push("serverA", "projA")
	b.Pragma("send-private")
	b.Private()
	b.File(sha1Hex([]byte("secret content")), "", []byte("secret content"))
	nonce := ComputeNonce(b.Bytes())
	sig := ComputeSig(nonce, "s3cret")
	b.Login("alice", nonce, sig)

	reply, err := srv.Handle(b.Bytes())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	cards, err := ReadCards(reply)
	if err != nil {
		t.Fatalf("ReadCards: %v", err)
	}
	var sawError bool
	for _, c := range cards {
		if c.Verb == "error" {
			sawError = true
			if len(c.Args) == 0 {
				t.Errorf("error card has no text")
				continue
			}
			msg, err := manifest.Decode(c.Args[0])
			if err != nil || msg != "not authorized to sync private content" {
				t.Errorf("unexpected error text: %q (err=%v)", msg, err)
			}
		}
	}
	if !sawError {
		t.Fatalf("expected an error card, got %+v", cards)
	}

	uuid := sha1Hex([]byte("secret content"))
	if _, err := serverRepo.RIDOf(uuid); err == nil {
		t.Fatal("private artifact should not have been stored")
	}
}

// TestClientServerPushDelivers drives a push session and checks the
// server ends up holding the pushed artifact (spec §8 scenario S3 "push
// delivers new local content to a peer").
func TestClientServerPushDelivers(t *testing.T) {
	serverRepo, serverLinker := newTestRepo(t)
	srv := NewServer(serverRepo, serverLinker, nil, ServerConfig{ServerCode: "serverA", ProjectCode: "projA"})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := transport.ReadRequestBody(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		reply, err := srv.Handle(body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = transport.WriteResponse(w, transport.ContentTypeCompressed, reply)
	}))
	defer ts.Close()

	clientRepo, clientLinker := newTestRepo(t)
	rid, err := clientRepo.Put([]byte("locally authored content"), store.PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	uuid, err := clientRepo.UUIDOf(rid)
	if err != nil {
		t.Fatalf("UUIDOf: %v", err)
	}

	tr := transport.NewClient(nil, ts.URL)
	cl := NewClient(clientRepo, clientLinker, tr, nil, ClientConfig{
		Mode: ModePush, User: "anonymous", ProjectCode: "projA",
	})
	if err := cl.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	serverRid, err := serverRepo.RIDOf(uuid)
	if err != nil {
		t.Fatalf("server missing pushed artifact: %v", err)
	}
	got, err := serverRepo.Get(serverRid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("locally authored content")) {
		t.Errorf("pushed content = %q", got)
	}
}

// TestClientServerPullConverges drives a pull session through the full
// igot/phantom/gimme exchange: round one delivers only the server's
// inventory, round two requests and receives content (spec §4.4.3
// "handling pull", §8 property 5).
func TestClientServerPullConverges(t *testing.T) {
	serverRepo, serverLinker := newTestRepo(t)
	rid, err := serverRepo.Put([]byte("pulled artifact body"), store.PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	uuid, _ := serverRepo.UUIDOf(rid)

	srv := NewServer(serverRepo, serverLinker, nil, ServerConfig{ServerCode: "serverA", ProjectCode: "projA"})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := transport.ReadRequestBody(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		reply, err := srv.Handle(body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = transport.WriteResponse(w, transport.ContentTypeCompressed, reply)
	}))
	defer ts.Close()

	clientRepo, clientLinker := newTestRepo(t)
	tr := transport.NewClient(nil, ts.URL)
	cl := NewClient(clientRepo, clientLinker, tr, nil, ClientConfig{
		Mode: ModePull, User: "anonymous", ProjectCode: "projA",
	})
	if err := cl.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	gotRid, err := clientRepo.RIDOf(uuid)
	if err != nil {
		t.Fatalf("client missing pulled artifact: %v", err)
	}
	got, err := clientRepo.Get(gotRid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("pulled artifact body")) {
		t.Errorf("pulled content = %q", got)
	}
	phantoms, err := clientRepo.IterPhantoms()
	if err != nil || len(phantoms) != 0 {
		t.Fatalf("phantoms remaining after pull: %v (err=%v)", phantoms, err)
	}
}

// TestClientServerVersionedCloneStreams drives a V=2 streaming clone:
// the server sends cfile cards in rid order with a resume seqno, ending
// with clone_seqno 0 (spec §4.4.3 "versioned streaming clone").
func TestClientServerVersionedCloneStreams(t *testing.T) {
	serverRepo, serverLinker := newTestRepo(t)
	var uuids []string
	for i := 0; i < 5; i++ {
		rid, err := serverRepo.Put([]byte{byte('a' + i), 0x01, 0x02}, store.PutOptions{})
		if err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		u, _ := serverRepo.UUIDOf(rid)
		uuids = append(uuids, u)
	}

	srv := NewServer(serverRepo, serverLinker, nil, ServerConfig{ServerCode: "serverA", ProjectCode: "projA"})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := transport.ReadRequestBody(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		reply, err := srv.Handle(body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = transport.WriteResponse(w, transport.ContentTypeCompressed, reply)
	}))
	defer ts.Close()

	clientRepo, clientLinker := newTestRepo(t)
	tr := transport.NewClient(nil, ts.URL)
	cl := NewClient(clientRepo, clientLinker, tr, nil, ClientConfig{
		Mode: ModeClone, User: "anonymous", CloneVersion: 2,
	})
	if err := cl.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	for i, u := range uuids {
		rid, err := clientRepo.RIDOf(u)
		if err != nil {
			t.Fatalf("client missing artifact %d after versioned clone: %v", i, err)
		}
		if _, err := clientRepo.Get(rid); err != nil {
			t.Fatalf("Get artifact %d: %v", i, err)
		}
	}
}

// TestSendPolicyDeltasAgainstFileParent covers the third delta-source
// tier of spec §4.1: when the artifact is a file blob (no plink row), the
// prior version of the same file found via mlink is tried as the base.
func TestSendPolicyDeltasAgainstFileParent(t *testing.T) {
	repo, linker := newTestRepo(t)

	v1 := bytes.Repeat([]byte("the contents of release notes, revision one. "), 8)
	v1Rid, err := repo.Put(v1, store.PutOptions{})
	if err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	v1UUID, _ := repo.UUIDOf(v1Rid)

	v2 := append(append([]byte{}, v1...), []byte("one more line for revision two.")...)
	v2Rid, err := repo.Put(v2, store.PutOptions{})
	if err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	v2UUID, _ := repo.UUIDOf(v2Rid)

	root := &manifest.Manifest{
		Kind: manifest.Checkin, Date: "2026-03-01T00:00:00.000Z", User: "alice",
		Comment: "root",
		FCards:  []manifest.FileCard{{Name: "notes.txt", UUID: v1UUID}},
	}
	rootBody, err := manifest.Serialize(root)
	if err != nil {
		t.Fatalf("serialize root: %v", err)
	}
	rootRid, err := repo.Put(rootBody, store.PutOptions{})
	if err != nil {
		t.Fatalf("Put root: %v", err)
	}
	rootUUID, _ := repo.UUIDOf(rootRid)
	if err := linker.Crosslink(rootRid); err != nil {
		t.Fatalf("crosslink root: %v", err)
	}

	child := &manifest.Manifest{
		Kind: manifest.Checkin, Date: "2026-03-02T00:00:00.000Z", User: "alice",
		Comment: "revise notes",
		Parents: []string{rootUUID},
		FCards:  []manifest.FileCard{{Name: "notes.txt", UUID: v2UUID}},
	}
	childBody, err := manifest.Serialize(child)
	if err != nil {
		t.Fatalf("serialize child: %v", err)
	}
	childRid, err := repo.Put(childBody, store.PutOptions{})
	if err != nil {
		t.Fatalf("Put child: %v", err)
	}
	if err := linker.Crosslink(childRid); err != nil {
		t.Fatalf("crosslink child: %v", err)
	}

	policy := &sendPolicy{repo: repo, linker: linker, peerHas: map[string]bool{v1UUID: true}}
	b := NewBuilder(0)
	if err := policy.send(b, v2Rid); err != nil {
		t.Fatalf("send: %v", err)
	}

	cards, err := ReadCards(b.Bytes())
	if err != nil {
		t.Fatalf("ReadCards: %v", err)
	}
	if len(cards) != 1 || cards[0].Verb != "file" {
		t.Fatalf("cards = %+v, want one file card", cards)
	}
	if len(cards[0].Args) != 3 || cards[0].Args[0] != v2UUID || cards[0].Args[1] != v1UUID {
		t.Fatalf("file card args = %v, want delta %s against %s", cards[0].Args, v2UUID, v1UUID)
	}
	got, err := deltacodec.Apply(v1, cards[0].Payload)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(got, v2) {
		t.Errorf("reconstructed content mismatch")
	}
}
