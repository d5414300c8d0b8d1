package deltacodec

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestApplyRoundTrip(t *testing.T) {
	tests := []struct {
		name         string
		base, target []byte
	}{
		{"empty base", nil, []byte("hello world")},
		{"identical", []byte("the quick brown fox"), []byte("the quick brown fox")},
		{"append", []byte("the quick brown fox"), []byte("the quick brown fox jumps over the lazy dog")},
		{"prefix change", []byte("AAAAAAAAAAAAAAAAbbbbbbbbbbbbbbbbcccccccccccccccc"), []byte("ZZZZZZZZZZZZZZZZbbbbbbbbbbbbbbbbcccccccccccccccc")},
		{"target empty", []byte("anything"), []byte{}},
		{"base empty target empty", nil, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := Compute(tc.base, tc.target)
			got, err := Apply(tc.base, d)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if !bytes.Equal(got, tc.target) {
				t.Fatalf("round trip mismatch: got %q want %q", got, tc.target)
			}
		})
	}
}

// TestComputeShrinksRepeatedContent checks that a delta against a base
// sharing most of its bytes with the target is meaningfully smaller than
// the raw target, which is what the sync send policy's "50 bytes smaller"
// check (internal/syncproto) relies on.
func TestComputeShrinksRepeatedContent(t *testing.T) {
	base := bytes.Repeat([]byte("0123456789abcdef"), 200)
	target := append(append([]byte{}, base...), []byte(" a little bit appended at the end")...)

	d := Compute(base, target)
	if len(d) >= len(target) {
		t.Fatalf("delta (%d bytes) not smaller than target (%d bytes)", len(d), len(target))
	}
}

func TestApplyRejectsCorruptChecksum(t *testing.T) {
	base := []byte("base content")
	target := []byte("base content plus more")
	d := Compute(base, target)
	d[len(d)-1] ^= 0xFF // flip a bit in the trailer checksum

	if _, err := Apply(base, d); err != ErrChecksum {
		t.Fatalf("got err %v, want ErrChecksum", err)
	}
}

func TestApplyRejectsCopyPastEndOfBase(t *testing.T) {
	// base spans more than one blockSize run, so Compute emits a copy of
	// base[0:len(base)] for the shared prefix of target.
	base := []byte("a base long enough to hold a copyable block")
	target := append(append([]byte{}, base...), []byte(", plus a tail")...)
	d := Compute(base, target)

	// Corrupt the delta by truncating the base at apply time.
	if _, err := Apply(base[:2], d); err == nil {
		t.Fatalf("expected error applying against truncated base")
	}
}

// FuzzApplyRoundTrip exercises Compute/Apply across randomized base/target
// pairs, including bases that share long runs with their target and bases
// that share nothing at all.
func FuzzApplyRoundTrip(f *testing.F) {
	f.Add([]byte("hello"), []byte("hello world"))
	f.Add([]byte(""), []byte("x"))
	f.Add([]byte("abcabcabcabcabcabc"), []byte("abcabcXYZabcabcabc"))

	f.Fuzz(func(t *testing.T, base, target []byte) {
		d := Compute(base, target)
		got, err := Apply(base, d)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if !bytes.Equal(got, target) {
			t.Fatalf("round trip mismatch: got %q want %q", got, target)
		}
	})
}

func randomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestComputeRandomGraphs(t *testing.T) {
	for i := 0; i < 25; i++ {
		base := randomBytes(200+i, int64(i))
		target := append(append([]byte{}, base[:100+i%50]...), randomBytes(50, int64(i+1000))...)
		d := Compute(base, target)
		got, err := Apply(base, d)
		if err != nil {
			t.Fatalf("iter %d: apply: %v", i, err)
		}
		if !bytes.Equal(got, target) {
			t.Fatalf("iter %d: mismatch", i)
		}
	}
}
