package download

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// digest hashes the bytes written through it and holds the expected sum.
type digest struct {
	hash hash.Hash
	want []byte
}

// newDigest accepts the expected sum as hex, optionally prefixed with the
// algorithm name ("sha256:ab12...").
func newDigest(h hash.Hash, expected string) (*digest, error) {
	expected = strings.TrimSpace(expected)
	if _, rest, ok := strings.Cut(expected, ":"); ok {
		expected = rest
	}

	want, err := hex.DecodeString(expected)
	if err != nil {
		return nil, fmt.Errorf("expected checksum is not hex: %w", err)
	}
	if len(want) != h.Size() {
		return nil, fmt.Errorf("expected checksum has %d bytes, hash produces %d", len(want), h.Size())
	}

	return &digest{hash: h, want: want}, nil
}

func (d *digest) Write(p []byte) (int, error) {
	return d.hash.Write(p)
}

// check compares the transferred byte count against the declared length
// (skipped when negative) and the hash against the expected sum (skipped
// when d is nil).
func check(d *digest, written, declared int64) error {
	if declared >= 0 && written != declared {
		return &Error{
			Err:    ErrContentLengthMismatch,
			Detail: fmt.Sprintf("expected %d bytes, got %d", declared, written),
		}
	}

	if d == nil {
		return nil
	}

	if got := d.hash.Sum(nil); !bytes.Equal(got, d.want) {
		return &Error{
			Err:    ErrChecksumMismatch,
			Detail: fmt.Sprintf("expected %x, got %x", d.want, got),
		}
	}

	return nil
}
