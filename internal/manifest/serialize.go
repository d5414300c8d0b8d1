package manifest

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
)

// Serialize renders a Manifest back into the card-stream bytes that Parse
// accepts, recomputing the trailing Z checksum. Serialize . Parse is the
// identity on the semantic fields (spec §8 testable property 8); it is not
// guaranteed to reproduce byte-identical output to whatever produced the
// original manifest, since card field spacing and ordering are normalized
// (F cards are written sorted by name, M cards sorted by uuid).
func Serialize(m *Manifest) ([]byte, error) {
	var buf bytes.Buffer

	writeCard := func(letter byte, fields ...string) {
		buf.WriteByte(letter)
		for _, f := range fields {
			buf.WriteByte(' ')
			buf.WriteString(Encode(f))
		}
		buf.WriteByte('\n')
	}

	if m.AttachName != "" || m.AttachTarget != "" {
		fields := []string{m.AttachName, m.AttachTarget}
		if m.AttachSrc != "" {
			fields = append(fields, m.AttachSrc)
		}
		writeCard('A', fields...)
	}
	if m.HasBaseline {
		writeCard('B', m.Baseline)
	}
	if m.Comment != "" {
		writeCard('C', m.Comment)
	}
	if m.Date != "" {
		writeCard('D', m.Date)
	}
	if m.EventID != "" {
		writeCard('E', m.EventTime, m.EventID)
	}
	for _, f := range sortedFileCards(m.FCards) {
		if err := writeFileCard(&buf, f); err != nil {
			return nil, err
		}
	}
	for _, j := range m.TicketFields {
		name := j.Field
		if j.Append {
			name = "+" + name
		}
		writeCard('J', name, j.Value)
	}
	if m.TicketUUID != "" {
		writeCard('K', m.TicketUUID)
	}
	if m.WikiName != "" {
		writeCard('L', m.WikiName)
	}
	members := append([]string(nil), m.ClusterMembers...)
	sort.Strings(members)
	for _, u := range members {
		writeCard('M', u)
	}
	if len(m.Parents) > 0 {
		writeCard('P', m.Parents...)
	}
	if m.RecipeMD5 != "" {
		writeCard('R', m.RecipeMD5)
	}
	for _, t := range m.Tags {
		fields := []string{string(t.Op) + t.Name, t.Target}
		if t.HasValue {
			fields = append(fields, t.Value)
		}
		writeCard('T', fields...)
	}
	if m.User != "" {
		writeCard('U', m.User)
	}
	if m.WikiBody != nil {
		fmt.Fprintf(&buf, "W %d\n", len(m.WikiBody))
		buf.Write(m.WikiBody)
		buf.WriteByte('\n')
	}

	sum := md5.Sum(buf.Bytes())
	fmt.Fprintf(&buf, "Z %s\n", hex.EncodeToString(sum[:]))

	return buf.Bytes(), nil
}

func writeFileCard(buf *bytes.Buffer, f FileCard) error {
	buf.WriteByte('F')
	buf.WriteByte(' ')
	buf.WriteString(Encode(f.Name))
	if f.UUID == "" {
		buf.WriteByte('\n')
		return nil
	}
	buf.WriteByte(' ')
	buf.WriteString(Encode(f.UUID))
	if f.Perm != "" || f.OldName != "" {
		buf.WriteByte(' ')
		if f.Perm == "" {
			buf.WriteByte('-')
		} else {
			buf.WriteString(Encode(f.Perm))
		}
	}
	if f.OldName != "" {
		buf.WriteByte(' ')
		buf.WriteString(Encode(f.OldName))
	}
	buf.WriteByte('\n')
	return nil
}
