// Package syncproto implements the sync protocol engine described in spec
// §4.4: the card vocabulary (§4.4.1), the client state machine (§4.4.2),
// server request handling (§4.4.3), and the single-artifact send policy
// (§4.4.4). It sits on top of internal/store and internal/xlink, and uses
// internal/transport only for the outer byte-stream exchange.
package syncproto

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/vcscore/vcscore/internal/manifest"
)

// Card is one tokenized line of a sync message (spec §4.4.1): a verb,
// its space-delimited arguments, and — for file/cfile/config — the raw
// payload bytes that followed the line. Offset is the byte position in
// the original message where this card's line began, used to recompute
// the login NONCE (spec §6) server-side without re-serializing the
// message.
type Card struct {
	Verb    string
	Args    []string
	Payload []byte
	Offset  int
}

// ReadCards tokenizes a sync message body into cards. Unlike the manifest
// grammar (§4.2), sync cards are not required to appear in any particular
// order and unknown verbs are preserved rather than rejected — a future
// card vocabulary extension should degrade gracefully, matching the
// reference's tolerant message reader; only file/cfile/config framing
// (the length-prefixed payload) is grammar the reader must get exactly
// right to stay in sync with the byte stream.
func ReadCards(body []byte) ([]Card, error) {
	var cards []Card
	pos := 0
	lineNo := 0

	for pos < len(body) {
		offset := pos
		nl := bytes.IndexByte(body[pos:], '\n')
		if nl < 0 {
			return nil, errf(KindProtocolError, "line %d: unterminated line", lineNo+1)
		}
		line := body[pos : pos+nl]
		lineNo++
		pos += nl + 1

		if len(line) == 0 {
			continue
		}
		if line[0] == '#' {
			cards = append(cards, Card{Verb: "#", Args: strings.Fields(string(line[1:])), Offset: offset})
			continue
		}

		fields := strings.Fields(string(line))
		verb := fields[0]
		args := fields[1:]
		card := Card{Verb: verb, Args: args, Offset: offset}

		var payloadLen = -1
		switch verb {
		case "file":
			if len(args) < 2 || len(args) > 3 {
				return nil, errf(KindProtocolError, "line %d: %q card takes 2 or 3 arguments", lineNo, verb)
			}
			n, err := strconv.Atoi(args[len(args)-1])
			if err != nil || n < 0 {
				return nil, errf(KindProtocolError, "line %d: %q card has invalid size", lineNo, verb)
			}
			payloadLen = n
		case "cfile":
			if len(args) < 3 || len(args) > 4 {
				return nil, errf(KindProtocolError, "line %d: %q card takes 3 or 4 arguments", lineNo, verb)
			}
			n, err := strconv.Atoi(args[len(args)-1])
			if err != nil || n < 0 {
				return nil, errf(KindProtocolError, "line %d: %q card has invalid csize", lineNo, verb)
			}
			payloadLen = n
		case "config":
			if len(args) != 2 {
				return nil, errf(KindProtocolError, "line %d: config card takes exactly 2 arguments", lineNo)
			}
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				return nil, errf(KindProtocolError, "line %d: config card has invalid size", lineNo)
			}
			payloadLen = n
		}

		if payloadLen >= 0 {
			if pos+payloadLen > len(body) {
				return nil, errf(KindProtocolError, "line %d: %q declares %d bytes past end of message", lineNo, verb, payloadLen)
			}
			card.Payload = body[pos : pos+payloadLen]
			pos += payloadLen
			if pos >= len(body) || body[pos] != '\n' {
				return nil, errf(KindProtocolError, "line %d: %q payload not followed by newline", lineNo, verb)
			}
			pos++
		}

		cards = append(cards, card)
	}
	return cards, nil
}

// Builder accumulates an outbound sync message. It is not safe for
// concurrent use; one Builder backs one message.
type Builder struct {
	buf      bytes.Buffer
	capBytes int
}

// NewBuilder returns a Builder that reports AtCap once capBytes have been
// written (0 disables the cap), implementing the outbound size limit from
// spec §4.4.2 ("max-upload") and §4.4.3 ("max-download").
func NewBuilder(capBytes int) *Builder {
	return &Builder{capBytes: capBytes}
}

func (b *Builder) Len() int { return b.buf.Len() }

// AtCap reports whether the message has reached its byte cap; send-policy
// callers must switch to emitting `igot` instead of `file`/`cfile` once
// this is true (spec §4.4.2 backpressure).
func (b *Builder) AtCap() bool { return b.capBytes > 0 && b.buf.Len() >= b.capBytes }

func (b *Builder) Bytes() []byte { return b.buf.Bytes() }

func (b *Builder) writeLine(parts ...string) {
	b.buf.WriteString(strings.Join(parts, " "))
	b.buf.WriteByte('\n')
}

func (b *Builder) Login(user, nonce, sig string)         { b.writeLine("login", encodeField(user), nonce, sig) }
func (b *Builder) Pull(serverCode, projectCode string)    { b.writeLine("pull", serverCode, projectCode) }
func (b *Builder) Push(serverCode, projectCode string)    { b.writeLine("push", serverCode, projectCode) }
func (b *Builder) Gimme(uuid string)                      { b.writeLine("gimme", uuid) }
func (b *Builder) ReqConfig(name string)                  { b.writeLine("reqconfig", name) }
func (b *Builder) Cookie(text string)                     { b.writeLine("cookie", encodeField(text)) }
func (b *Builder) Pragma(text string)                     { b.writeLine("pragma", text) }
func (b *Builder) CloneSeqno(n int)                       { b.writeLine("clone_seqno", strconv.Itoa(n)) }
func (b *Builder) Message(text string)                    { b.writeLine("message", encodeField(text)) }
func (b *Builder) Error(text string)                      { b.writeLine("error", encodeField(text)) }
func (b *Builder) Private()                               { b.writeLine("private") }
func (b *Builder) Comment(text string)                    { b.buf.WriteString("# " + text + "\n") }

// Clone emits a clone card; v == 0 requests the original (non-versioned,
// full-inventory) form (spec §4.4.1 "clone [V [SEQ]]").
func (b *Builder) Clone(v, seq int) {
	switch {
	case v == 0:
		b.writeLine("clone")
	case seq == 0:
		b.writeLine("clone", strconv.Itoa(v))
	default:
		b.writeLine("clone", strconv.Itoa(v), strconv.Itoa(seq))
	}
}

// Igot emits an igot card, flagging private when the artifact is private
// and this session is exchanging private content.
func (b *Builder) Igot(uuid string, private bool) {
	if private {
		b.writeLine("igot", uuid, "1")
		return
	}
	b.writeLine("igot", uuid)
}

// File emits a raw-content (or delta, when srcUUID is non-empty) artifact
// card followed by its payload (spec §4.4.1 "file").
func (b *Builder) File(uuid, srcUUID string, content []byte) {
	if srcUUID == "" {
		b.writeLine("file", uuid, strconv.Itoa(len(content)))
	} else {
		b.writeLine("file", uuid, srcUUID, strconv.Itoa(len(content)))
	}
	b.buf.Write(content)
	b.buf.WriteByte('\n')
}

// CFile emits a precompressed artifact card carrying content the store
// already holds zlib-compressed, avoiding an extra decompress/recompress
// round trip (spec §4.4.1 "cfile").
func (b *Builder) CFile(uuid, srcUUID string, usize int, compressed []byte) {
	if srcUUID == "" {
		b.writeLine("cfile", uuid, strconv.Itoa(usize), strconv.Itoa(len(compressed)))
	} else {
		b.writeLine("cfile", uuid, srcUUID, strconv.Itoa(usize), strconv.Itoa(len(compressed)))
	}
	b.buf.Write(compressed)
	b.buf.WriteByte('\n')
}

// Config emits a configuration value payload (spec §4.4.1 "config").
func (b *Builder) Config(name string, value []byte) {
	b.writeLine("config", name, strconv.Itoa(len(value)))
	b.buf.Write(value)
	b.buf.WriteByte('\n')
}

// encodeField applies the fossil-style whitespace/control escape (spec §6
// "ASCII... fossil-encoded where non-ASCII would appear") to a card field
// that may carry arbitrary text, reusing the manifest package's escape so
// the wire protocol and the manifest grammar share one encoding rather than
// inventing a second one.
func encodeField(s string) string {
	return manifest.Encode(s)
}
