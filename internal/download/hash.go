package download

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// HashPolicy decides what happens when an expected hash is absent or malformed
type HashPolicy string

const (
	// HashLenient accepts the file without verification
	HashLenient HashPolicy = "lenient"
	// HashStrict fails the download
	HashStrict HashPolicy = "strict"
)

// Valid reports whether the policy is known
func (p HashPolicy) Valid() bool {
	return p == HashLenient || p == HashStrict
}

var (
	ErrMissingHash          = errors.New("expected hash is absent or malformed")
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
)

// Digest is a parsed "<algorithm>:<hex>" value
type Digest struct {
	Algorithm string
	Hex       string
}

func (d Digest) String() string {
	return d.Algorithm + ":" + d.Hex
}

// ParseDigest splits an expected hash. ok is false when the value is absent
// or has no algorithm separator.
func ParseDigest(raw string) (Digest, bool) {
	algo, value, found := strings.Cut(strings.TrimSpace(raw), ":")
	algo = strings.ToLower(strings.TrimSpace(algo))
	value = strings.TrimSpace(value)
	if !found || algo == "" || value == "" {
		return Digest{}, false
	}
	return Digest{Algorithm: algo, Hex: value}, true
}

// NewHasher returns a hash for the named algorithm
func NewHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New(), nil
	case "sha1", "sha-1":
		return sha1.New(), nil
	case "sha256", "sha-256":
		return sha256.New(), nil
	case "sha512", "sha-512":
		return sha512.New(), nil
	case "sha3-256":
		return sha3.New256(), nil
	case "sha3-512":
		return sha3.New512(), nil
	case "blake2b-256":
		return blake2b.New256(nil)
	case "blake2b-512":
		return blake2b.New512(nil)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
}

// Verifier checks bytes against an expected hash as they are written
type Verifier struct {
	expected Digest
	h        hash.Hash
	skip     bool
}

// NewVerifier prepares verification of expected under policy. A skipped
// verifier accepts anything.
func NewVerifier(expected string, policy HashPolicy) (*Verifier, error) {
	digest, ok := ParseDigest(expected)
	if !ok {
		if policy == HashStrict {
			return nil, ErrMissingHash
		}
		return &Verifier{skip: true}, nil
	}
	h, err := NewHasher(digest.Algorithm)
	if err != nil {
		return nil, err
	}
	return &Verifier{expected: digest, h: h}, nil
}

// Write feeds the digest
func (v *Verifier) Write(p []byte) (int, error) {
	if v.skip {
		return len(p), nil
	}
	return v.h.Write(p)
}

// Skipped reports whether verification was waived
func (v *Verifier) Skipped() bool {
	return v.skip
}

// Actual returns the computed digest in the expected algorithm
func (v *Verifier) Actual() string {
	if v.skip {
		return ""
	}
	return v.expected.Algorithm + ":" + hex.EncodeToString(v.h.Sum(nil))
}

// Matches compares the computed digest to the expected one, ignoring case
func (v *Verifier) Matches() bool {
	if v.skip {
		return true
	}
	return strings.EqualFold(hex.EncodeToString(v.h.Sum(nil)), v.expected.Hex)
}

// VerifyFile recomputes the digest of the file at path. It returns the
// computed "<algorithm>:<hex>" and whether it matched.
func VerifyFile(path, expected string, policy HashPolicy) (string, bool, error) {
	v, err := NewVerifier(expected, policy)
	if err != nil {
		return "", false, err
	}
	if v.Skipped() {
		return "", true, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(v, f); err != nil {
		return "", false, fmt.Errorf("failed to hash file: %w", err)
	}
	return v.Actual(), v.Matches(), nil
}
