package core

import (
	"crypto/sha256"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Digest256 is the content digest used throughout the file-replication
// subsystem: header digests, descriptor (file) digests and part digests are
// all Digest256 values, computed the same way.
type Digest256 [32]byte

// Sum computes the digest of b. Every record type has a canonical byte
// encoding (see codec.go); Sum is always applied to that encoding, never to
// a record's Go representation directly, so digest(encode(x)) is stable
// across process restarts and peers.
//
// Hashing twice over SHA-256 matches the double-hash idiom the rest of this
// node's block layer uses for its own digests.
func Sum(b []byte) Digest256 {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return Digest256(second)
}

func (d Digest256) Bytes() []byte { return d[:] }

func (d Digest256) String() string {
	return d.CID().String()
}

func (d Digest256) Short() string {
	s := d.String()
	if len(s) <= 12 {
		return s
	}
	return s[:8] + "…" + s[len(s)-4:]
}

// CID renders the digest as a multiformats CID (raw codec, sha2-256
// multihash truncated to this digest's own bytes) purely for operator-
// facing display in logs; no wire message ever carries a CID,
// only the raw 32-byte digest.
func (d Digest256) CID() cid.Cid {
	mhash, err := mh.Encode(d[:], mh.SHA2_256)
	if err != nil {
		// mh.Encode only fails on digest-length mismatch, which cannot
		// happen for a fixed 32-byte SHA-256 digest.
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, mhash)
}

// IsZero reports whether d is the zero digest, used to distinguish an
// unset HeaderDigest in a HEADER-STATUS reply from a real one.
func (d Digest256) IsZero() bool { return d == Digest256{} }
