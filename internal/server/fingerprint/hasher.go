// Package fingerprint computes content fingerprints over byte streams.
//
// A Hasher can be fed in arbitrarily sized increments; the resulting
// Fingerprint depends only on the bytes, never on how they were split.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names a supported digest.
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b"
	BLAKE3  Algorithm = "blake3"
)

// Default is used when no algorithm is configured.
const Default = SHA256

// ParseAlgorithm validates an algorithm name. Empty selects Default.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch alg := Algorithm(strings.ToLower(strings.TrimSpace(name))); alg {
	case "":
		return Default, nil
	case SHA256, BLAKE2b, BLAKE3:
		return alg, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", name)
	}
}

// Fingerprint is "<algorithm>:<lowercase hex digest>".
type Fingerprint string

// Hex returns the digest part of the fingerprint.
func (f Fingerprint) Hex() string {
	s := string(f)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Short returns at most n leading hex characters of the digest.
func (f Fingerprint) Short(n int) string {
	h := f.Hex()
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

// Hasher accumulates bytes into a fingerprint. It is not safe for
// concurrent use; each upload owns its own Hasher.
type Hasher struct {
	alg  Algorithm
	h    hash.Hash
	size int64
}

// New returns a Hasher for alg.
func New(alg Algorithm) (*Hasher, error) {
	var h hash.Hash
	switch alg {
	case SHA256:
		h = sha256.New()
	case BLAKE2b:
		var err error
		h, err = blake2b.New256(nil)
		if err != nil {
			return nil, fmt.Errorf("init blake2b: %w", err)
		}
	case BLAKE3:
		h = blake3.New()
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
	return &Hasher{alg: alg, h: h}, nil
}

// Update feeds p into the hasher.
func (x *Hasher) Update(p []byte) {
	x.h.Write(p)
	x.size += int64(len(p))
}

// Write implements io.Writer so a Hasher can sit in an io.MultiWriter.
func (x *Hasher) Write(p []byte) (int, error) {
	x.Update(p)
	return len(p), nil
}

// Digest returns the fingerprint of everything fed so far. It does not
// reset the hasher.
func (x *Hasher) Digest() Fingerprint {
	return Fingerprint(string(x.alg) + ":" + hex.EncodeToString(x.h.Sum(nil)))
}

// Size reports the number of bytes consumed.
func (x *Hasher) Size() int64 {
	return x.size
}

// Sum is a convenience for hashing a complete buffer.
func Sum(alg Algorithm, data []byte) (Fingerprint, error) {
	x, err := New(alg)
	if err != nil {
		return "", err
	}
	x.Update(data)
	return x.Digest(), nil
}
