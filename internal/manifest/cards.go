package manifest

// VariantKind is the sum-type discriminant for the seven manifest variants
// described in spec §3/§4.2. Exactly one of these is produced by a
// successful Parse.
type VariantKind int

const (
	Checkin VariantKind = iota
	Cluster
	Ticket
	Event
	Wiki
	TagControl
	Attachment
)

func (v VariantKind) String() string {
	switch v {
	case Checkin:
		return "checkin"
	case Cluster:
		return "cluster"
	case Ticket:
		return "ticket"
	case Event:
		return "event"
	case Wiki:
		return "wiki"
	case TagControl:
		return "tag"
	case Attachment:
		return "attachment"
	default:
		return "unknown"
	}
}

// cardLetters is the fixed, ordered alphabet of card types (spec §4.2).
const cardLetters = "ABCDEFJKLMPQRTUWZ"

func isCardLetter(c byte) bool {
	for i := 0; i < len(cardLetters); i++ {
		if cardLetters[i] == c {
			return true
		}
	}
	return false
}

// FileCard is one F card: a file's name, content UUID, permission string,
// and (for renames) the name it replaces.
type FileCard struct {
	Name    string
	UUID    string // empty means "deleted" when used in an overlay (B-manifest) context
	Perm    string // "", "x" (executable), "l" (symlink)
	OldName string
}

// TagOp is the operator prefix on a T card: '+' singleton, '*' propagating,
// '-' cancel (spec §4.3.1).
type TagOp byte

const (
	TagSingleton   TagOp = '+'
	TagPropagating TagOp = '*'
	TagCancel      TagOp = '-'
)

// TagCard is one T card.
type TagCard struct {
	Op       TagOp
	Name     string
	Target   string // artifact uuid, or "*" meaning "the manifest defining this card"
	Value    string
	HasValue bool
}

// JCard is one ticket field-change card.
type JCard struct {
	Append bool // "+" prefix on the field name: appends to the existing value instead of replacing it
	Field  string
	Value  string
}

// Manifest is the typed parse of a control artifact. Only the fields
// relevant to Kind are populated by Parse; see spec §4.2's classification
// table for which cards each variant requires/forbids.
type Manifest struct {
	Kind VariantKind

	Comment string // C
	Date    string // D
	User    string // U

	Parents      []string // P, first entry is the primary parent
	Baseline     string   // B
	HasBaseline  bool
	FCards       []FileCard // F, sorted ascending by Name
	RecipeMD5    string     // R, optional file-list checksum

	Tags []TagCard // T

	ClusterMembers []string // M, sorted

	TicketUUID   string // K
	TicketFields []JCard // J

	WikiName string // L
	WikiBody []byte // W

	EventID   string // E target id (this artifact's own stable id)
	EventTime string // E timestamp

	AttachTarget string // A: target (uuid or wiki/ticket name)
	AttachName   string // A: filename
	AttachSrc    string // A: source uuid, empty = delete
}

// IsDelta reports whether this is a delta-manifest (checkin with a B card).
func (m *Manifest) IsDelta() bool {
	return m.Kind == Checkin && m.HasBaseline
}
