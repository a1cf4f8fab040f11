package crypto

import "errors"

// ErrNoSecretShare is returned by signing operations of a Scheme constructed
// without a private share. Such a scheme can still verify and combine.
var ErrNoSecretShare = errors.New("crypto: no secret share loaded")

// Scheme is a t-of-n threshold signature scheme bound to one quorum key.
// Shares produced by distinct members over the same message combine into a
// single aggregate signature verifiable under the quorum public key.
type Scheme interface {
	// SignShare produces this member's signature share over msg.
	// Deterministic for a fixed share and message.
	SignShare(msg []byte) ([]byte, error)
	// VerifyShare checks a signature share claimed to come from the member
	// holding the given share index.
	VerifyShare(index int, msg []byte, sig []byte) error
	// Combine recovers the aggregate signature from at least Threshold
	// distinct valid shares.
	Combine(msg []byte, sigs [][]byte) ([]byte, error)
	// VerifyAggregate checks an aggregate signature against the quorum
	// public key.
	VerifyAggregate(msg []byte, sig []byte) error

	// Index is the share index SignShare signs under, or -1 without a share.
	Index() int
	// Threshold is t, the number of distinct shares an aggregate requires.
	Threshold() int
	// Participants is n, the total number of dealt shares.
	Participants() int
}
