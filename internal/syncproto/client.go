package syncproto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vcscore/vcscore/internal/manifest"
	"github.com/vcscore/vcscore/internal/store"
	"github.com/vcscore/vcscore/internal/transport"
	"github.com/vcscore/vcscore/internal/xlink"
)

// rcvIDFromSession folds a session uuid (distinct from content UUIDs, which
// remain SHA-1 hex per spec §3/§6) down to the uint64 store.PutOptions.RcvID
// expects, so every artifact Put during one session is attributable to it.
func rcvIDFromSession(id uuid.UUID) uint64 {
	return binary.BigEndian.Uint64(id[:8])
}

// Mode selects which of the three opening cards a Client sends (spec
// §4.4.2 step 1).
type Mode int

const (
	ModeClone Mode = iota
	ModePull
	ModePush
)

func (m Mode) String() string {
	switch m {
	case ModeClone:
		return "clone"
	case ModePull:
		return "pull"
	case ModePush:
		return "push"
	default:
		return "unknown"
	}
}

// ClientConfig carries the per-session knobs spec §4.4.2/§6 name.
type ClientConfig struct {
	Mode        Mode
	User        string
	Password    string
	ProjectCode string

	// MaxUpload bounds one outbound message's size (default ~250KiB per
	// spec §4.4.2); 0 disables the cap.
	MaxUpload int
	// MaxPhantomsPerRound bounds how many gimme cards one round emits.
	MaxPhantomsPerRound int
	// MaxLoginRetries bounds retries after a "message login failed" reply
	// (spec §7 AuthError policy: "retries once after clearing cached
	// password, then gives up").
	MaxLoginRetries int
	// ConfigGroups are the reqconfig names requested each round until a
	// matching config card is received.
	ConfigGroups []string
	// SendPrivate requests private-content exchange (spec §4.4.1 "pragma
	// send-private").
	SendPrivate bool
	// CloneVersion selects versioned streaming clone (spec §4.4.1 "clone
	// [V [SEQ]]"); 0 requests the original full-inventory form.
	CloneVersion int
}

// Client drives one sync session's state machine (spec §4.4.2). A Client
// is single-use: construct a fresh one per session, matching §9's "Session
// owns the transport and peer-known set for one sync session's lifetime."
type Client struct {
	repo      *store.Repository
	linker    *xlink.Linker
	transport *transport.Client
	logger    *logrus.Logger
	cfg       ClientConfig

	serverCode  string
	projectCode string
	peerHas     map[string]bool
	pushQueue   []store.RID
	haveConfig  map[string]bool

	sessionID    uuid.UUID
	cloneSeqno   int
	round        int
	loginRetries int
}

// NewClient builds a Client for one sync session.
func NewClient(repo *store.Repository, linker *xlink.Linker, tr *transport.Client, logger *logrus.Logger, cfg ClientConfig) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxUpload == 0 {
		cfg.MaxUpload = 250 * 1024
	}
	if cfg.MaxPhantomsPerRound == 0 {
		cfg.MaxPhantomsPerRound = 200
	}
	return &Client{
		repo: repo, linker: linker, transport: tr, logger: logger, cfg: cfg,
		projectCode: cfg.ProjectCode,
		sessionID:   uuid.New(),
		peerHas:     make(map[string]bool),
		haveConfig:  make(map[string]bool),
	}
}

// Sync drives rounds until the state machine decides there is nothing left
// to do, an error card aborts the session, or ctx is canceled.
func (c *Client) Sync(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errf(KindTransportError, "context canceled: %v", ctx.Err())
		default:
		}

		msg, err := c.buildOutbound()
		if err != nil {
			return err
		}
		reply, err := c.transport.Exchange(ctx, msg)
		if err != nil {
			return errf(KindTransportError, "%v", err)
		}
		more, err := c.processReply(reply)
		if err != nil {
			return err
		}
		c.round++
		if !more {
			return nil
		}
	}
}

// buildOutbound assembles one request message per spec §4.4.2 step 1.
func (c *Client) buildOutbound() ([]byte, error) {
	b := NewBuilder(c.cfg.MaxUpload)

	switch c.cfg.Mode {
	case ModeClone:
		b.Clone(c.cfg.CloneVersion, c.cloneSeqno)
	case ModePull:
		b.Pull(c.serverCode, c.cfg.ProjectCode)
	case ModePush:
		b.Push(c.serverCode, c.cfg.ProjectCode)
	}

	if c.cfg.SendPrivate {
		b.Pragma("send-private")
	}

	phantoms, err := c.repo.IterPhantoms()
	if err != nil {
		return nil, err
	}
	sent := 0
	for _, rid := range phantoms {
		if sent >= c.cfg.MaxPhantomsPerRound {
			break
		}
		uuid, err := c.repo.UUIDOf(rid)
		if err != nil {
			continue
		}
		b.Gimme(uuid)
		sent++
	}

	if c.cfg.Mode == ModePush {
		if err := c.appendPushCards(b); err != nil {
			return nil, err
		}
	}

	for _, name := range c.cfg.ConfigGroups {
		if !c.haveConfig[name] {
			b.ReqConfig(name)
		}
	}

	comment, err := randomToken()
	if err != nil {
		return nil, err
	}
	b.Comment(comment) // ensures nonce uniqueness across rounds (spec §4.4.2)

	nonce := ComputeNonce(b.Bytes())
	sig := ComputeSig(nonce, c.cfg.Password)
	b.Login(c.cfg.User, nonce, sig)

	return b.Bytes(), nil
}

// appendPushCards emits igot for every unclustered and unsent rid, plus
// anything the server asked us for (gimme) in a prior round (spec §4.4.2
// step 1 "if pushing").
func (c *Client) appendPushCards(b *Builder) error {
	policy := &sendPolicy{repo: c.repo, linker: c.linker, peerHas: c.peerHas, private: c.cfg.SendPrivate}

	unclustered, err := c.repo.IterUnclustered()
	if err != nil {
		return err
	}
	unsent, err := c.repo.IterUnsent()
	if err != nil {
		return err
	}
	seen := make(map[store.RID]bool, len(unclustered)+len(unsent)+len(c.pushQueue))
	for _, rid := range append(append([]store.RID{}, unclustered...), unsent...) {
		if seen[rid] {
			continue
		}
		seen[rid] = true
		priv, err := c.repo.IsPrivate(rid)
		if err != nil {
			return err
		}
		uuid, err := c.repo.UUIDOf(rid)
		if err != nil {
			continue
		}
		if priv && !c.cfg.SendPrivate {
			continue
		}
		if !c.peerHas[uuid] {
			b.Igot(uuid, priv)
		}
	}
	queued := make(map[store.RID]bool, len(c.pushQueue))
	for _, rid := range c.pushQueue {
		if queued[rid] {
			continue
		}
		queued[rid] = true
		if err := policy.send(b, rid); err != nil {
			return err
		}
	}
	c.pushQueue = nil
	return nil
}

// processReply tokenizes and dispatches every card in the reply (spec
// §4.4.2 step 3), then decides whether another round is warranted (step 4).
func (c *Client) processReply(body []byte) (bool, error) {
	cards, err := ReadCards(body)
	if err != nil {
		return false, errf(KindProtocolError, "%v", err)
	}

	progressed := false
	retryLogin := false
	privateNext := false
	for _, card := range cards {
		switch card.Verb {
		case "file", "cfile":
			if err := c.receiveArtifact(card, privateNext); err != nil {
				return false, err
			}
			privateNext = false
			progressed = true

		case "private":
			privateNext = true

		case "igot":
			if len(card.Args) < 1 {
				continue
			}
			uuid := card.Args[0]
			private := len(card.Args) > 1 && card.Args[1] == "1"
			c.peerHas[uuid] = true
			if _, err := c.repo.RIDOf(uuid); err != nil {
				if _, err := c.repo.NewPhantom(uuid, private); err != nil {
					if se, ok := err.(*store.Error); ok && se.Kind == store.KindShunnedArtifact {
						continue // peer still advertises a uuid we shun
					}
					return false, err
				}
				// Learning of a new artifact is progress: the phantom just
				// created turns into a gimme next round (spec §4.4.2 step 4).
				progressed = true
			}

		case "gimme":
			if len(card.Args) < 1 {
				continue
			}
			if rid, err := c.repo.RIDOf(card.Args[0]); err == nil {
				c.pushQueue = append(c.pushQueue, rid)
			}

		case "push":
			if c.cfg.Mode == ModeClone && len(card.Args) == 2 {
				c.serverCode, c.projectCode = card.Args[0], card.Args[1]
			}

		case "config":
			if len(card.Args) < 1 {
				continue
			}
			for _, name := range c.cfg.ConfigGroups {
				if name == card.Args[0] {
					c.haveConfig[name] = true
				}
			}

		case "clone_seqno":
			if len(card.Args) < 1 {
				continue
			}
			n, err := strconv.Atoi(card.Args[0])
			if err == nil {
				c.cloneSeqno = n
			}

		case "error":
			if len(card.Args) < 1 {
				continue
			}
			msg, _ := manifest.Decode(card.Args[0])
			if c.cfg.Mode == ModeClone && c.round == 0 {
				// First round of a clone: project code is not yet known,
				// so a project-code mismatch here is expected and login
				// must simply retry next round (spec §4.4.2 step 3).
				c.logger.WithField("msg", msg).Debug("syncproto: tolerating error on first clone round")
				continue
			}
			return false, errf(KindProtocolError, "%s", msg)

		case "message":
			if len(card.Args) < 1 {
				continue
			}
			msg, _ := manifest.Decode(card.Args[0])
			if msg == "login failed" {
				c.cfg.Password = ""
				c.loginRetries++
				c.logger.Warn("syncproto: login failed, retrying")
				if c.loginRetries > c.cfg.MaxLoginRetries {
					return false, errf(KindAuthError, "login failed after %d retries", c.loginRetries)
				}
				retryLogin = true
			}

		case "#":
			// Diagnostic timestamp; clock-skew comparison is an operator
			// concern layered above this engine (spec §9 open question).
		}
	}

	more := len(c.pushQueue) > 0 || retryLogin
	if phantoms, err := c.repo.IterPhantoms(); err == nil && len(phantoms) > 0 && progressed {
		more = true
	}
	if c.cfg.Mode == ModeClone && c.round < 2 {
		more = true
	}
	if c.cloneSeqno > 0 {
		more = true
	}
	return more, nil
}

// receiveArtifact stores one file/cfile card's content, verifying its hash
// via Repository.Put, then cross-links it (spec §4.4.2 step 3 "file/cfile").
func (c *Client) receiveArtifact(card Card, private bool) error {
	if len(card.Args) < 2 {
		return errf(KindProtocolError, "%q card missing arguments", card.Verb)
	}
	uuid := card.Args[0]
	var srcUUID string
	var content []byte

	switch card.Verb {
	case "file":
		if len(card.Args) == 3 {
			srcUUID = card.Args[1]
		}
		content = card.Payload
	case "cfile":
		if len(card.Args) == 4 {
			srcUUID = card.Args[1]
		}
		raw, err := transport.Decompress(card.Payload)
		if err != nil {
			return errf(KindProtocolError, "cfile %s: %v", uuid, err)
		}
		content = raw
	}

	opts := store.PutOptions{UUID: uuid, Private: private, RcvID: rcvIDFromSession(c.sessionID)}
	if srcUUID != "" {
		baseRid, err := c.repo.RIDOf(srcUUID)
		if err != nil {
			return errf(KindProtocolError, "%s card for %s references unknown base %s", card.Verb, uuid, srcUUID)
		}
		opts.BaseRID = baseRid
	}

	rid, err := c.repo.Put(content, opts)
	if err != nil {
		if se, ok := err.(*store.Error); ok && se.Kind == store.KindShunnedArtifact {
			c.logger.WithField("uuid", uuid).Warn("syncproto: refusing shunned artifact")
			return nil
		}
		return err
	}
	c.peerHas[uuid] = true
	if c.linker != nil {
		if err := c.linker.Crosslink(rid); err != nil {
			return fmt.Errorf("syncproto: crosslink %s: %w", uuid, err)
		}
	}
	return nil
}

func randomToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("syncproto: random comment: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
