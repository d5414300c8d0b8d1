package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// RID is the repository-local integer identity described by spec §3
// ("rid"). It is never transmitted over the sync wire; UUIDs are the
// only identity a peer ever sees.
type RID uint64

// blobRecord is the on-disk representation of one artifact row (spec
// §6, the "blob" table plus its delta/private/rcvfrom attributes
// folded into a single record to avoid a bbolt join on every read).
type blobRecord struct {
	UUID    string // 40-char lowercase hex SHA-1
	Size    int64  // uncompressed logical size; -1 marks a phantom
	RcvID   uint64 // originating sync session, 0 if locally authored
	Private bool
	BaseRID RID    // 0 means content is stored raw, not as a delta
	Payload []byte // zlib-compressed: raw content, or delta bytes when BaseRID != 0
}

func (r *blobRecord) isPhantom() bool { return r.Size < 0 }

// encode serializes a blobRecord to bytes. The layout is a fixed header
// followed by the variable-length payload; it exists purely as bbolt
// value bytes and is never exposed outside this package.
func (r *blobRecord) encode() []byte {
	var buf bytes.Buffer
	writeString(&buf, r.UUID)
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(r.Size))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], r.RcvID)
	buf.Write(scratch[:])
	if r.Private {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.BigEndian.PutUint64(scratch[:], uint64(r.BaseRID))
	buf.Write(scratch[:])
	writeString(&buf, string(r.Payload))
	return buf.Bytes()
}

func decodeBlobRecord(b []byte) (*blobRecord, error) {
	r := bytes.NewReader(b)
	uuid, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("store: decode blob record: %w", err)
	}
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	size := int64(binary.BigEndian.Uint64(scratch[:]))
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	rcvid := binary.BigEndian.Uint64(scratch[:])
	var priv [1]byte
	if _, err := io.ReadFull(r, priv[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	base := RID(binary.BigEndian.Uint64(scratch[:]))
	payload, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("store: decode blob record payload: %w", err)
	}
	return &blobRecord{
		UUID:    uuid,
		Size:    size,
		RcvID:   rcvid,
		Private: priv[0] == 1,
		BaseRID: base,
		Payload: []byte(payload),
	}, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(len(s)))
	buf.Write(scratch[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var scratch [4]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(scratch[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func ridKey(rid RID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(rid))
	return b[:]
}

func ridFromKey(b []byte) RID {
	return RID(binary.BigEndian.Uint64(b))
}
