// Package witness enables:
//   - Independent auditing of an append-only key directory, epoch by epoch
//   - t-of-n co-signing of audited directory roots with threshold signatures
//   - Pipelined verification of successive epochs with strictly sequential commits
//   - Customization of transport, storage and signing schemes
//
// A witness quorum follows a key directory that publishes a new root hash every
// epoch together with an append-only proof for the transition. Each member
// verifies the proof against the chain it has committed so far, contributes a
// partial signature over the new root, and collects partials from its peers.
// Once any t distinct members have signed, the partials combine into a single
// aggregate signature that relying parties can check against one quorum public
// key, without knowing the membership.
package witness

import (
	"crypto/sha256"
	"encoding/binary"
)

// RootSize is the size of a directory root hash in bytes.
const RootSize = sha256.Size

// digestDomain separates commit digests from any other use of the hash.
const digestDomain = "keyfold/witness/commit/v1"

// NetworkID identifies a particular network of witnesses following one directory.
type NetworkID string

// String returns string representation of NetworkID.
func (nid NetworkID) String() string {
	return string(nid)
}

// Digest computes the canonical signing digest for an epoch transition.
// Every member signs exactly this digest, so shares produced independently
// for the same (epoch, root) pair combine into one aggregate.
func Digest(epoch uint64, root []byte) []byte {
	h := sha256.New()
	h.Write([]byte(digestDomain))

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], epoch)
	h.Write(num[:])
	h.Write(root)
	return h.Sum(nil)
}
