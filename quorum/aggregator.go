package quorum

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/keyfold/witness"
	"github.com/keyfold/witness/crypto"
)

// Share acceptance verdicts. Only the share in question is affected; the
// epoch keeps collecting either way.
var (
	// ErrUnknownMember rejects shares from identities outside the membership,
	// including members claiming a share index other than their registered one.
	ErrUnknownMember = errors.New("quorum: share from unknown member")
	// ErrInvalidShare rejects shares whose signature does not verify.
	ErrInvalidShare = errors.New("quorum: invalid signature share")
	// ErrEpochMismatch rejects shares bound to a different epoch or root than
	// the one being aggregated.
	ErrEpochMismatch = errors.New("quorum: share for different transition")
	// ErrDuplicateShare marks a member that was already counted. Benign:
	// the first accepted share stays.
	ErrDuplicateShare = errors.New("quorum: duplicate share")
)

// ErrAggregateInvariant means shares that individually verified failed to
// combine into a valid aggregate. That implies corrupted or mis-dealt key
// material and is unrecoverable.
var ErrAggregateInvariant = errors.New("quorum: aggregate of verified shares failed verification")

// Aggregator collects signature shares for one verified epoch transition and
// combines them once the threshold is reached. Exactly one aggregate comes
// out per epoch, no matter how many further shares arrive.
//
// Not safe for concurrent use; the epoch state machine owns it.
type Aggregator struct {
	members *Members
	scheme  crypto.Scheme

	epoch  uint64
	root   []byte
	digest []byte

	shares map[int][]byte
	commit *witness.Commit
}

// NewAggregator starts collecting shares for the transition to root at the
// given epoch. The root must already be verified locally.
func NewAggregator(members *Members, scheme crypto.Scheme, epoch uint64, root []byte) *Aggregator {
	return &Aggregator{
		members: members,
		scheme:  scheme,
		epoch:   epoch,
		root:    root,
		digest:  witness.Digest(epoch, root),
		shares:  make(map[int][]byte, members.Len()),
	}
}

// Accept validates and counts a share. Checks run cheapest first: membership,
// transition binding, duplication, then the signature itself.
func (a *Aggregator) Accept(share *witness.Share) error {
	member, ok := a.members.ByID(share.Member)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMember, share.Member)
	}
	if member.Index != share.Index {
		return fmt.Errorf("%w: %q claims share index %d, registered under %d",
			ErrUnknownMember, share.Member, share.Index, member.Index)
	}
	if share.Epoch != a.epoch {
		return fmt.Errorf("%w: share for epoch %d, aggregating epoch %d",
			ErrEpochMismatch, share.Epoch, a.epoch)
	}
	if !bytes.Equal(share.Root, a.root) {
		return fmt.Errorf("%w: share signs root %x, locally verified root is %x",
			ErrEpochMismatch, share.Root, a.root)
	}
	if _, ok := a.shares[member.Index]; ok {
		return fmt.Errorf("%w: %q already counted for epoch %d", ErrDuplicateShare, share.Member, a.epoch)
	}
	if err := a.scheme.VerifyShare(member.Index, a.digest, share.Body); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidShare, share.Member, err)
	}

	a.shares[member.Index] = share.Body
	return nil
}

// Len reports the number of distinct members counted so far.
func (a *Aggregator) Len() int {
	return len(a.shares)
}

// TryAggregate combines the collected shares once at least t are in, checks
// the result under the quorum public key and pins it: every later call
// returns the same commit. Below threshold it returns nil and no error.
func (a *Aggregator) TryAggregate() (*witness.Commit, error) {
	if a.commit != nil {
		return a.commit, nil
	}
	t := a.scheme.Threshold()
	if len(a.shares) < t {
		return nil, nil
	}

	// combine a deterministic subset: the t lowest share indices
	indices := make([]int, 0, len(a.shares))
	for i := range a.shares {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	picked := make([][]byte, t)
	for i, idx := range indices[:t] {
		picked[i] = a.shares[idx]
	}

	sig, err := a.scheme.Combine(a.digest, picked)
	if err != nil {
		return nil, fmt.Errorf("%w: combining %d shares for epoch %d: %w", ErrAggregateInvariant, t, a.epoch, err)
	}
	if err := a.scheme.VerifyAggregate(a.digest, sig); err != nil {
		return nil, fmt.Errorf("%w: epoch %d: %w", ErrAggregateInvariant, a.epoch, err)
	}

	a.commit = &witness.Commit{Epoch: a.epoch, Root: a.root, Signature: sig}
	return a.commit, nil
}
