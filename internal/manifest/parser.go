package manifest

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Parse parses the bytes of a control artifact into a typed Manifest. Any
// deviation from the grammar in spec §4.2 returns a *ParseError; callers
// must then treat raw as opaque (non-control) content.
func Parse(raw []byte) (*Manifest, error) {
	body := stripPGP(raw)

	if len(body) == 0 || body[len(body)-1] != '\n' {
		return nil, errf(KindSyntaxError, 0, "artifact does not end with a newline")
	}

	cards, zLine, zOffset, err := tokenize(body)
	if err != nil {
		return nil, err
	}
	if zLine < 0 {
		return nil, errf(KindMissingRequired, 0, "missing trailing Z card")
	}
	if err := verifyChecksum(body[:zOffset], cards[len(cards)-1]); err != nil {
		return nil, err
	}

	b := &builder{}
	for _, c := range cards[:len(cards)-1] { // all but the Z trailer
		if err := b.add(c); err != nil {
			return nil, err
		}
	}
	return b.classify()
}

// rawCard is one tokenized, fossil-decoded card line (or the W card plus
// its raw body).
type rawCard struct {
	Letter byte
	Line   int
	Fields []string // fossil-decoded tokens after the letter
	WBody  []byte   // only set for W cards
}

func tokenize(body []byte) (cards []rawCard, zLine int, zOffset int, err error) {
	zLine = -1
	pos := 0
	lineNo := 0
	var lastLetter byte

	for pos < len(body) {
		nl := bytes.IndexByte(body[pos:], '\n')
		if nl < 0 {
			return nil, -1, 0, errf(KindSyntaxError, lineNo+1, "unterminated line")
		}
		lineStart := pos
		line := body[pos : pos+nl]
		lineNo++
		pos += nl + 1

		if len(line) == 0 {
			return nil, -1, 0, errf(KindSyntaxError, lineNo, "blank line")
		}
		letter := line[0]
		if !isCardLetter(letter) {
			return nil, -1, 0, errf(KindUnknownCard, lineNo, "unknown card type %q", string(letter))
		}
		if len(line) > 1 && line[1] != ' ' {
			return nil, -1, 0, errf(KindSyntaxError, lineNo, "card %q missing space after letter", string(letter))
		}

		if letter == 'Z' {
			zLine = lineNo
			toks := strings.Fields(string(line[1:]))
			cards = append(cards, rawCard{Letter: letter, Line: lineNo, Fields: toks})
			zOffset = lineStart
			if pos != len(body) {
				return nil, -1, 0, errf(KindSyntaxError, lineNo+1, "content after Z card")
			}
			break // Z must be last
		}

		if letter < lastLetter {
			return nil, -1, 0, errf(KindSyntaxError, lineNo, "card %q out of order after %q", string(letter), string(lastLetter))
		}
		lastLetter = letter

		if letter == 'W' {
			rest := strings.Fields(string(line[1:]))
			if len(rest) != 1 {
				return nil, -1, 0, errf(KindSyntaxError, lineNo, "W card requires exactly one length field")
			}
			n, err := strconv.Atoi(rest[0])
			if err != nil || n < 0 {
				return nil, -1, 0, errf(KindSyntaxError, lineNo, "W card has invalid length %q", rest[0])
			}
			if pos+n > len(body) {
				return nil, -1, 0, errf(KindSyntaxError, lineNo, "W card declares %d bytes past end of artifact", n)
			}
			wbody := body[pos : pos+n]
			pos += n
			if pos >= len(body) || body[pos] != '\n' {
				return nil, -1, 0, errf(KindSyntaxError, lineNo, "W card body not followed by newline")
			}
			pos++
			cards = append(cards, rawCard{Letter: letter, Line: lineNo, WBody: wbody})
			continue
		}

		fields, derr := decodeFields(strings.Fields(string(line[1:])))
		if derr != nil {
			if pe, ok := derr.(*ParseError); ok {
				pe.Line = lineNo
				return nil, -1, 0, pe
			}
			return nil, -1, 0, errf(KindBadEncoding, lineNo, "%v", derr)
		}
		cards = append(cards, rawCard{Letter: letter, Line: lineNo, Fields: fields})
	}

	if zLine < 0 {
		return cards, -1, 0, nil
	}
	return cards, zLine, zOffset, nil
}

func decodeFields(raw []string) ([]string, error) {
	out := make([]string, len(raw))
	for i, f := range raw {
		d, err := Decode(f)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func verifyChecksum(preceding []byte, zCard rawCard) error {
	if len(zCard.Fields) != 1 {
		return errf(KindSyntaxError, zCard.Line, "Z card requires exactly one md5 field")
	}
	want := strings.ToLower(zCard.Fields[0])
	sum := md5.Sum(preceding)
	got := hex.EncodeToString(sum[:])
	if got != want {
		return errf(KindWrongChecksum, zCard.Line, "md5 mismatch: computed %s, card says %s", got, want)
	}
	return nil
}

// stripPGP removes an optional PGP clear-signed envelope, returning only
// the signed body. The envelope itself is preserved nowhere (spec §4.2).
func stripPGP(raw []byte) []byte {
	const beginMsg = "-----BEGIN PGP SIGNED MESSAGE-----\n"
	if !bytes.HasPrefix(raw, []byte(beginMsg)) {
		return raw
	}
	rest := raw[len(beginMsg):]
	// Skip clear-sign headers (e.g. "Hash: SHA256") up to the blank line.
	if idx := bytes.Index(rest, []byte("\n\n")); idx >= 0 {
		rest = rest[idx+2:]
	}
	sigIdx := bytes.Index(rest, []byte("-----BEGIN PGP SIGNATURE-----"))
	if sigIdx >= 0 {
		rest = rest[:sigIdx]
	}
	return rest
}

func fieldErr(letter byte, line int, format string, args ...any) error {
	return errf(KindSyntaxError, line, "%q card: %s", string(letter), fmt.Sprintf(format, args...))
}
