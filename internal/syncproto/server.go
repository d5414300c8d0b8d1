package syncproto

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vcscore/vcscore/internal/manifest"
	"github.com/vcscore/vcscore/internal/store"
	"github.com/vcscore/vcscore/internal/transport"
	"github.com/vcscore/vcscore/internal/xlink"
	"github.com/vcscore/vcscore/pkg/metrics"
)

// ConfigProvider resolves a reqconfig name to its current value, e.g. a
// project's "project-name" or "parent-project-code" setting (spec §4.4.1
// "config"). Groups this server doesn't recognize are simply not answered.
type ConfigProvider interface {
	Config(name string) ([]byte, bool)
}

// ServerConfig carries the per-repository knobs spec §4.4.3/§6 name.
type ServerConfig struct {
	ServerCode  string
	ProjectCode string

	// MaxDownload bounds one reply message's size (spec §4.4.3 "max-download").
	MaxDownload int
	// MaxPhantomsPerRound bounds how many gimme cards one reply emits.
	MaxPhantomsPerRound int
	Auth                Authenticator
	Config              ConfigProvider
	// Metrics, if non-nil, receives this server's instrumentation (spec
	// "DOMAIN STACK" prometheus wiring). A nil Metrics is a valid,
	// metrics-free configuration.
	Metrics *metrics.Collectors
}

// Server answers one sync request per spec §4.4.3. Unlike Client, a Server
// is stateless across requests: all session state (peer-known set, clone
// progress) lives in the request/reply cards themselves, matching the
// reference's "each HTTP POST is a complete, self-contained exchange."
type Server struct {
	repo   *store.Repository
	linker *xlink.Linker
	logger *logrus.Logger
	cfg    ServerConfig
}

// NewServer builds a Server bound to repo.
func NewServer(repo *store.Repository, linker *xlink.Linker, logger *logrus.Logger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxDownload == 0 {
		cfg.MaxDownload = 5 * 1024 * 1024
	}
	if cfg.MaxPhantomsPerRound == 0 {
		cfg.MaxPhantomsPerRound = 500
	}
	return &Server{repo: repo, linker: linker, logger: logger, cfg: cfg}
}

// Handle processes one decoded request body and returns the reply body,
// both already de/re-framed by internal/transport at the HTTP layer. Each
// call is assigned a fresh session identifier (distinct from content UUIDs,
// which remain SHA-1 hex per spec §3/§6), attributing every artifact this
// request causes to be stored to the request that delivered it.
func (s *Server) Handle(body []byte) ([]byte, error) {
	sessionID := uuid.New()
	log := s.logger.WithField("session", sessionID.String())

	cards, err := ReadCards(body)
	if err != nil {
		return s.errorReply(err.Error()), nil
	}

	caps, authErr := s.authenticate(body, cards)
	if authErr != nil {
		b := NewBuilder(0)
		b.Message("login failed")
		log.WithError(authErr).Warn("syncproto: authentication failed")
		return b.Bytes(), nil
	}

	b := NewBuilder(s.cfg.MaxDownload)
	privateSession := false
	var requestKind string // "clone", "pull", or "push"
	var peerProjectCode string
	cloneVersion, cloneSeqno := 0, 0
	var gimmeUUIDs []string
	var igotCards []Card
	var reqConfigs []string
	var fileCards []Card
	var filePrivate []bool
	privateNext := false

	for _, card := range cards {
		switch card.Verb {
		case "clone":
			requestKind = "clone"
			if len(card.Args) >= 1 {
				cloneVersion = atoiOr(card.Args[0], 0)
			}
			if len(card.Args) >= 2 {
				cloneSeqno = atoiOr(card.Args[1], 0)
			}
		// The project code is the last argument: a client that does not yet
		// know the server code sends it empty, and the tokenizer drops it.
		case "pull":
			requestKind = "pull"
			if len(card.Args) >= 1 {
				peerProjectCode = card.Args[len(card.Args)-1]
			}
		case "push":
			requestKind = "push"
			if len(card.Args) >= 1 {
				peerProjectCode = card.Args[len(card.Args)-1]
			}
		case "pragma":
			if len(card.Args) >= 1 && card.Args[0] == "send-private" {
				privateSession = true
			}
		case "gimme":
			if len(card.Args) >= 1 {
				gimmeUUIDs = append(gimmeUUIDs, card.Args[0])
			}
		case "igot":
			igotCards = append(igotCards, card)
		case "reqconfig":
			if len(card.Args) >= 1 {
				reqConfigs = append(reqConfigs, card.Args[0])
			}
		case "private":
			privateNext = true
			continue
		case "file", "cfile":
			fileCards = append(fileCards, card)
			filePrivate = append(filePrivate, privateNext)
		}
		privateNext = false
	}

	if requestKind != "pull" && requestKind != "push" && requestKind != "clone" {
		return s.errorReply("no clone/pull/push card"), nil
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SyncRoundsTotal.WithLabelValues(requestKind).Inc()
	}
	if (requestKind == "pull" || requestKind == "push") && s.cfg.ProjectCode != "" && peerProjectCode != s.cfg.ProjectCode {
		return s.errorReply("project code mismatch"), nil
	}
	if requestKind == "push" && !caps.Write {
		return s.errorReply("not authorized to push"), nil
	}
	if requestKind == "pull" && !caps.Read {
		return s.errorReply("not authorized to pull"), nil
	}
	if requestKind == "clone" && !caps.Clone {
		return s.errorReply("not authorized to clone"), nil
	}
	// "pragma send-private" is only honored for users holding the private
	// capability; otherwise the server reports it but keeps processing the
	// rest of the request (non-private content still flows), per spec
	// §4.4.3 "Private content" and scenario S4.
	if privateSession && !caps.Private {
		b.Error("not authorized to sync private content")
	}
	privateSession = privateSession && caps.Private

	if requestKind == "push" {
		if err := s.receiveFiles(fileCards, filePrivate, privateSession, sessionID); err != nil {
			return nil, err
		}
		if err := s.receiveIgot(igotCards, b, privateSession); err != nil {
			return nil, err
		}
	}

	if requestKind == "clone" {
		b.Push(s.cfg.ServerCode, s.cfg.ProjectCode)
	}

	if err := s.answerConfig(b, reqConfigs); err != nil {
		return nil, err
	}

	switch requestKind {
	case "pull", "push":
		if err := s.answerPull(b, igotCards, privateSession); err != nil {
			return nil, err
		}
	case "clone":
		if err := s.answerClone(b, cloneVersion, cloneSeqno, len(gimmeUUIDs) > 0, privateSession); err != nil {
			return nil, err
		}
	}

	if err := s.answerGimme(b, gimmeUUIDs); err != nil {
		return nil, err
	}

	b.Comment("timestamp " + time.Now().UTC().Format("2006-01-02 15:04:05"))
	return b.Bytes(), nil
}

// authenticate locates the login card (the client appends it last, in
// Client.buildOutbound) and verifies its signature against the bytes that
// preceded it in the original message (spec §6 NONCE computation).
func (s *Server) authenticate(body []byte, cards []Card) (Capabilities, error) {
	for _, card := range cards {
		if card.Verb != "login" {
			continue
		}
		if len(card.Args) != 3 {
			return Capabilities{}, errf(KindProtocolError, "login card takes 3 arguments")
		}
		user, _ := manifest.Decode(card.Args[0])
		nonce, sig := card.Args[1], card.Args[2]
		if ComputeNonce(body[:card.Offset]) != nonce {
			return Capabilities{}, errf(KindAuthError, "nonce mismatch")
		}
		if s.cfg.Auth == nil {
			return Capabilities{Read: true, Write: true, Clone: true}, nil
		}
		caps, ok := s.cfg.Auth.Authenticate(user, nonce, sig)
		if !ok {
			return Capabilities{}, errf(KindAuthError, "bad signature for user %s", user)
		}
		return caps, nil
	}
	return Capabilities{}, errf(KindAuthError, "no login card")
}

// receiveFiles stores every pushed file/cfile card, then cross-links it
// (spec §4.4.3 "handling push").
func (s *Server) receiveFiles(cards []Card, private []bool, privateSession bool, sessionID uuid.UUID) error {
	for i, card := range cards {
		if private[i] && !privateSession {
			continue
		}
		if err := s.storeAndLink(card, private[i], sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) storeAndLink(card Card, private bool, sessionID uuid.UUID) error {
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
	default:
		return nil
	}

	opts := store.PutOptions{UUID: uuid, Private: private, RcvID: rcvIDFromSession(sessionID)}
	if srcUUID != "" {
		baseRid, err := s.repo.RIDOf(srcUUID)
		if err != nil {
			return errf(KindProtocolError, "%s card for %s references unknown base %s", card.Verb, uuid, srcUUID)
		}
		opts.BaseRID = baseRid
	}
	rid, err := s.repo.Put(content, opts)
	if err != nil {
		if se, ok := err.(*store.Error); ok && se.Kind == store.KindShunnedArtifact {
			s.logger.WithField("uuid", uuid).Warn("syncproto: refusing shunned artifact")
			return nil
		}
		return err
	}
	if s.linker != nil {
		if err := s.linker.Crosslink(rid); err != nil {
			return err
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ArtifactsStored.Inc()
	}
	return nil
}

// receiveIgot records what the pushing client already has, so answerPull
// does not re-offer it back (spec §4.4.3 "push also carries igot cards").
func (s *Server) receiveIgot(cards []Card, b *Builder, privateSession bool) error {
	for _, card := range cards {
		if len(card.Args) < 1 {
			continue
		}
		if _, err := s.repo.RIDOf(card.Args[0]); err != nil {
			private := len(card.Args) > 1 && card.Args[1] == "1"
			if private && !privateSession {
				continue
			}
			if _, err := s.repo.NewPhantom(card.Args[0], private); err != nil {
				return err
			}
		}
	}
	return nil
}

// answerPull seals any backlog into clusters, then emits igot for every
// remaining unclustered rid the client hasn't already claimed (spec §4.4.3
// "handling pull"). Content itself flows only in answer to gimme cards —
// the igot inventory lets the client build phantoms and ask next round.
func (s *Server) answerPull(b *Builder, clientIgot []Card, privateSession bool) error {
	sealed, err := s.repo.SealClusters()
	if err != nil {
		return err
	}
	if s.cfg.Metrics != nil && len(sealed) > 0 {
		s.cfg.Metrics.ClusterSealsTotal.Add(float64(len(sealed)))
	}

	known := make(map[string]bool, len(clientIgot))
	for _, card := range clientIgot {
		if len(card.Args) >= 1 {
			known[card.Args[0]] = true
		}
	}

	unclustered, err := s.repo.IterUnclustered()
	if err != nil {
		return err
	}
	for _, rid := range unclustered {
		if phantom, err := s.repo.IsPhantom(rid); err != nil {
			return err
		} else if phantom {
			continue
		}
		priv, err := s.repo.IsPrivate(rid)
		if err != nil {
			return err
		}
		if priv && !privateSession {
			continue
		}
		uuid, err := s.repo.UUIDOf(rid)
		if err != nil {
			return err
		}
		if known[uuid] {
			continue
		}
		b.Igot(uuid, priv)
	}
	return nil
}

// answerClone serves a fresh clone (spec §4.4.3 "handling clone"). The
// original form answers the first, gimme-less round with an igot card per
// non-private artifact — the client builds its phantom set from that and
// requests content over the following rounds. The versioned form (V >= 2)
// streams full content directly in rid order, resumable by clone_seqno.
func (s *Server) answerClone(b *Builder, version, seqno int, hasGimme, privateSession bool) error {
	all, err := s.repo.AllRIDs()
	if err != nil {
		return err
	}

	if version < 2 {
		if !hasGimme {
			for _, rid := range all {
				if phantom, err := s.repo.IsPhantom(rid); err != nil {
					return err
				} else if phantom {
					continue
				}
				priv, err := s.repo.IsPrivate(rid)
				if err != nil {
					return err
				}
				if priv && !privateSession {
					continue
				}
				uuid, err := s.repo.UUIDOf(rid)
				if err != nil {
					return err
				}
				b.Igot(uuid, priv)
			}
		}
		b.CloneSeqno(0)
		return nil
	}

	sent := seqno
	capped := false
	for _, rid := range all {
		if int(rid) <= seqno {
			continue
		}
		if b.AtCap() {
			capped = true
			break
		}
		if err := s.offerClone(b, rid, privateSession); err != nil {
			return err
		}
		sent = int(rid)
	}
	if !capped {
		sent = 0 // everything remaining went out this round
	}
	b.CloneSeqno(sent)
	return nil
}

// offerClone streams rid's full, already-compressed content directly via
// cfile (spec §4.4.4 "a versioned clone always sends full content, never a
// delta, since the receiving side has no base to diff against yet").
func (s *Server) offerClone(b *Builder, rid store.RID, privateSession bool) error {
	phantom, err := s.repo.IsPhantom(rid)
	if err != nil || phantom {
		return err
	}
	priv, err := s.repo.IsPrivate(rid)
	if err != nil {
		return err
	}
	if priv && !privateSession {
		return nil
	}
	uuid, err := s.repo.UUIDOf(rid)
	if err != nil {
		return err
	}
	compressed, usize, err := s.repo.RawFull(rid)
	if err != nil {
		return err
	}
	if priv {
		b.Private()
	}
	b.CFile(uuid, "", int(usize), compressed)
	return nil
}

// answerGimme replies to requested rids and also requests up to
// MaxPhantomsPerRound of the server's own phantoms from the peer (spec
// §4.4.3 "handling gimme").
func (s *Server) answerGimme(b *Builder, uuids []string) error {
	policy := &sendPolicy{repo: s.repo, linker: s.linker, peerHas: map[string]bool{}}
	for _, uuid := range uuids {
		rid, err := s.repo.RIDOf(uuid)
		if err != nil {
			continue
		}
		if b.AtCap() {
			break
		}
		if err := policy.send(b, rid); err != nil {
			return err
		}
	}

	phantoms, err := s.repo.IterPhantoms()
	if err != nil {
		return err
	}
	sent := 0
	for _, rid := range phantoms {
		if sent >= s.cfg.MaxPhantomsPerRound {
			break
		}
		uuid, err := s.repo.UUIDOf(rid)
		if err != nil {
			continue
		}
		b.Gimme(uuid)
		sent++
	}
	return nil
}

// answerConfig replies to every recognized reqconfig name.
func (s *Server) answerConfig(b *Builder, names []string) error {
	if s.cfg.Config == nil {
		return nil
	}
	for _, name := range names {
		if value, ok := s.cfg.Config.Config(name); ok {
			b.Config(name, value)
		}
	}
	return nil
}

func (s *Server) errorReply(msg string) []byte {
	b := NewBuilder(0)
	b.Error(msg)
	return b.Bytes()
}

func atoiOr(s string, fallback int) int {
	n := 0
	neg := false
	if s == "" {
		return fallback
	}
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	return n
}
