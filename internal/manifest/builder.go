package manifest

import "sort"

// builder accumulates decoded cards prior to variant classification. Each
// card-specific add* method is responsible for enforcing its own
// cardinality (singleton vs repeatable) and token-count rules.
type builder struct {
	seen map[byte]bool

	m Manifest

	haveA, haveB, haveC, haveD, haveE bool
	haveK, haveL, haveM, haveP        bool
	haveR, haveT, haveU, haveW        bool
	haveF, haveJ                      bool
}

func (b *builder) add(c rawCard) error {
	switch c.Letter {
	case 'A':
		return b.addA(c)
	case 'B':
		return b.addB(c)
	case 'C':
		return b.addC(c)
	case 'D':
		return b.addD(c)
	case 'E':
		return b.addE(c)
	case 'F':
		return b.addF(c)
	case 'J':
		return b.addJ(c)
	case 'K':
		return b.addK(c)
	case 'L':
		return b.addL(c)
	case 'M':
		return b.addM(c)
	case 'P':
		return b.addP(c)
	case 'Q':
		return nil // cherry-pick merge metadata: accepted, not modeled further
	case 'R':
		return b.addR(c)
	case 'T':
		return b.addT(c)
	case 'U':
		return b.addU(c)
	case 'W':
		return b.addW(c)
	default:
		return errf(KindUnknownCard, c.Line, "unhandled card %q", string(c.Letter))
	}
}

func (b *builder) addA(c rawCard) error {
	if b.haveA {
		return errf(KindDuplicateCard, c.Line, "duplicate A card")
	}
	b.haveA = true
	if len(c.Fields) < 2 || len(c.Fields) > 3 {
		return fieldErr('A', c.Line, "expected 2-3 fields, got %d", len(c.Fields))
	}
	b.m.AttachName = c.Fields[0]
	b.m.AttachTarget = c.Fields[1]
	if len(c.Fields) == 3 {
		b.m.AttachSrc = c.Fields[2]
	}
	return nil
}

func (b *builder) addB(c rawCard) error {
	if b.haveB {
		return errf(KindDuplicateCard, c.Line, "duplicate B card")
	}
	b.haveB = true
	if len(c.Fields) < 1 {
		return fieldErr('B', c.Line, "missing baseline uuid")
	}
	b.m.Baseline = c.Fields[0]
	b.m.HasBaseline = true
	return nil
}

func (b *builder) addC(c rawCard) error {
	if b.haveC {
		return errf(KindDuplicateCard, c.Line, "duplicate C card")
	}
	b.haveC = true
	if len(c.Fields) < 1 {
		return fieldErr('C', c.Line, "missing comment text")
	}
	b.m.Comment = c.Fields[0]
	return nil
}

func (b *builder) addD(c rawCard) error {
	if b.haveD {
		return errf(KindDuplicateCard, c.Line, "duplicate D card")
	}
	b.haveD = true
	if len(c.Fields) < 1 {
		return fieldErr('D', c.Line, "missing timestamp")
	}
	b.m.Date = c.Fields[0]
	return nil
}

func (b *builder) addE(c rawCard) error {
	if b.haveE {
		return errf(KindDuplicateCard, c.Line, "duplicate E card")
	}
	b.haveE = true
	if len(c.Fields) < 2 {
		return fieldErr('E', c.Line, "expected timestamp and event id")
	}
	b.m.EventTime = c.Fields[0]
	b.m.EventID = c.Fields[1]
	return nil
}

func (b *builder) addF(c rawCard) error {
	b.haveF = true
	if len(c.Fields) < 1 {
		return fieldErr('F', c.Line, "missing filename")
	}
	fc := FileCard{Name: c.Fields[0]}
	if len(c.Fields) >= 2 {
		fc.UUID = c.Fields[1]
	}
	if len(c.Fields) >= 3 && c.Fields[2] != "-" {
		fc.Perm = c.Fields[2]
	}
	if len(c.Fields) >= 4 && c.Fields[3] != "-" {
		fc.OldName = c.Fields[3]
	}
	if n := len(b.m.FCards); n > 0 && b.m.FCards[n-1].Name >= fc.Name {
		return errf(KindSyntaxError, c.Line, "F cards not strictly ascending by filename (%q after %q)", fc.Name, b.m.FCards[n-1].Name)
	}
	b.m.FCards = append(b.m.FCards, fc)
	return nil
}

func (b *builder) addJ(c rawCard) error {
	b.haveJ = true
	if len(c.Fields) < 1 {
		return fieldErr('J', c.Line, "missing field name")
	}
	name := c.Fields[0]
	append_ := false
	if len(name) > 0 && name[0] == '+' {
		append_ = true
		name = name[1:]
	}
	jc := JCard{Append: append_, Field: name}
	if len(c.Fields) >= 2 {
		jc.Value = c.Fields[1]
	}
	b.m.TicketFields = append(b.m.TicketFields, jc)
	return nil
}

func (b *builder) addK(c rawCard) error {
	if b.haveK {
		return errf(KindDuplicateCard, c.Line, "duplicate K card")
	}
	b.haveK = true
	if len(c.Fields) < 1 {
		return fieldErr('K', c.Line, "missing ticket uuid")
	}
	b.m.TicketUUID = c.Fields[0]
	return nil
}

func (b *builder) addL(c rawCard) error {
	if b.haveL {
		return errf(KindDuplicateCard, c.Line, "duplicate L card")
	}
	b.haveL = true
	if len(c.Fields) < 1 {
		return fieldErr('L', c.Line, "missing wiki page name")
	}
	b.m.WikiName = c.Fields[0]
	return nil
}

func (b *builder) addM(c rawCard) error {
	b.haveM = true
	if len(c.Fields) < 1 {
		return fieldErr('M', c.Line, "missing member uuid")
	}
	if n := len(b.m.ClusterMembers); n > 0 && b.m.ClusterMembers[n-1] >= c.Fields[0] {
		return errf(KindSyntaxError, c.Line, "M cards not strictly ascending")
	}
	b.m.ClusterMembers = append(b.m.ClusterMembers, c.Fields[0])
	return nil
}

func (b *builder) addP(c rawCard) error {
	if b.haveP {
		return errf(KindDuplicateCard, c.Line, "duplicate P card")
	}
	b.haveP = true
	if len(c.Fields) < 1 {
		return fieldErr('P', c.Line, "missing parent uuid")
	}
	b.m.Parents = append(b.m.Parents, c.Fields...)
	return nil
}

func (b *builder) addR(c rawCard) error {
	if b.haveR {
		return errf(KindDuplicateCard, c.Line, "duplicate R card")
	}
	b.haveR = true
	if len(c.Fields) < 1 {
		return fieldErr('R', c.Line, "missing recipe checksum")
	}
	b.m.RecipeMD5 = c.Fields[0]
	return nil
}

func (b *builder) addT(c rawCard) error {
	b.haveT = true
	if len(c.Fields) < 2 {
		return fieldErr('T', c.Line, "expected op+name and target")
	}
	opname := c.Fields[0]
	if len(opname) < 2 {
		return fieldErr('T', c.Line, "malformed tag operator+name %q", opname)
	}
	op := TagOp(opname[0])
	if op != TagSingleton && op != TagPropagating && op != TagCancel {
		return fieldErr('T', c.Line, "unknown tag operator %q", string(opname[0]))
	}
	tc := TagCard{Op: op, Name: opname[1:], Target: c.Fields[1]}
	if len(c.Fields) >= 3 {
		tc.Value = c.Fields[2]
		tc.HasValue = true
	}
	b.m.Tags = append(b.m.Tags, tc)
	return nil
}

func (b *builder) addU(c rawCard) error {
	if b.haveU {
		return errf(KindDuplicateCard, c.Line, "duplicate U card")
	}
	b.haveU = true
	if len(c.Fields) < 1 {
		return fieldErr('U', c.Line, "missing username")
	}
	b.m.User = c.Fields[0]
	return nil
}

func (b *builder) addW(c rawCard) error {
	if b.haveW {
		return errf(KindDuplicateCard, c.Line, "duplicate W card")
	}
	b.haveW = true
	b.m.WikiBody = append([]byte(nil), c.WBody...)
	return nil
}

// sortedFileCards returns a defensively-copied slice sorted by Name; used by
// Serialize so that manifests built programmatically (e.g. in tests) rather
// than via Parse come out in the F-card order Parse requires.
func sortedFileCards(in []FileCard) []FileCard {
	out := append([]FileCard(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
