// Package audit verifies the append-only proofs a key directory publishes for
// its epoch transitions. A transition is valid when folding the chain digest
// from the previously committed root over the epoch's appended updates
// reproduces the newly claimed root.
package audit

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/keyfold/witness"
)

// Proof rejections, ordered by the checks that produce them. All three are
// terminal for the epoch: a rejected proof is never retried.
var (
	// ErrMalformedProof marks structurally invalid evidence.
	ErrMalformedProof = errors.New("audit: malformed proof")
	// ErrChainMismatch marks a proof whose claimed previous root diverges
	// from the locally committed chain.
	ErrChainMismatch = errors.New("audit: previous root diverges from committed chain")
	// ErrInvalidProof marks evidence that does not reproduce the claimed root.
	ErrInvalidProof = errors.New("audit: proof does not reproduce claimed root")
)

// chainDomain separates chain link digests from any other use of the hash.
const chainDomain = "keyfold/witness/chain/v1"

// GenesisRoot returns the well-known root of the empty directory, the
// previous root every chain starts from at epoch 1.
func GenesisRoot() []byte {
	h := sha256.Sum256([]byte(chainDomain + "/genesis"))
	return h[:]
}

// Extend folds updates into root, producing the chain root after appending
// them. The directory computes the same fold when publishing an epoch.
func Extend(root []byte, updates ...[]byte) []byte {
	for _, upd := range updates {
		h := sha256.New()
		h.Write([]byte(chainDomain))
		h.Write(root)
		h.Write(upd)
		root = h.Sum(nil)
	}
	return root
}

// Verifier checks epoch transitions against the chain committed so far.
// It holds no state and is safe for concurrent use; callers supply the
// trusted root the chain has reached.
type Verifier struct{}

func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify checks that proof extends lastRoot and returns the verified new
// root. Checks run cheapest first: structure, then chain linkage, then the
// digest fold over the appended updates.
func (v *Verifier) Verify(lastRoot []byte, proof *witness.Proof) ([]byte, error) {
	if err := wellFormed(proof); err != nil {
		return nil, err
	}
	if !bytes.Equal(proof.PrevRoot, lastRoot) {
		return nil, fmt.Errorf("%w: epoch %d claims %x, chain is at %x",
			ErrChainMismatch, proof.Epoch, proof.PrevRoot, lastRoot)
	}
	if !bytes.Equal(Extend(proof.PrevRoot, proof.Updates...), proof.NewRoot) {
		return nil, fmt.Errorf("%w: epoch %d, %d updates", ErrInvalidProof, proof.Epoch, len(proof.Updates))
	}
	return proof.NewRoot, nil
}

func wellFormed(proof *witness.Proof) error {
	switch {
	case proof == nil:
		return fmt.Errorf("%w: nil", ErrMalformedProof)
	case len(proof.PrevRoot) != witness.RootSize:
		return fmt.Errorf("%w: previous root is %d bytes", ErrMalformedProof, len(proof.PrevRoot))
	case len(proof.NewRoot) != witness.RootSize:
		return fmt.Errorf("%w: new root is %d bytes", ErrMalformedProof, len(proof.NewRoot))
	case len(proof.Updates) == 0:
		return fmt.Errorf("%w: empty epoch", ErrMalformedProof)
	}
	for i, upd := range proof.Updates {
		if len(upd) != witness.RootSize {
			return fmt.Errorf("%w: update %d is %d bytes", ErrMalformedProof, i, len(upd))
		}
	}
	return nil
}
