package audit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/witness"
)

func digest(b byte) []byte {
	return bytes.Repeat([]byte{b}, witness.RootSize)
}

// validProof builds a correct transition from lastRoot over the given updates.
func validProof(epoch uint64, lastRoot []byte, updates ...[]byte) *witness.Proof {
	return &witness.Proof{
		Epoch:    epoch,
		PrevRoot: lastRoot,
		NewRoot:  Extend(lastRoot, updates...),
		Updates:  updates,
	}
}

func TestVerify(t *testing.T) {
	v := NewVerifier()
	genesis := GenesisRoot()

	proof := validProof(1, genesis, digest(0x01), digest(0x02))
	root, err := v.Verify(genesis, proof)
	require.NoError(t, err)
	assert.Equal(t, proof.NewRoot, root)

	// the verified root chains into the next epoch
	next := validProof(2, root, digest(0x03))
	root2, err := v.Verify(root, next)
	require.NoError(t, err)
	assert.NotEqual(t, root, root2)
}

func TestVerifyMalformed(t *testing.T) {
	v := NewVerifier()
	genesis := GenesisRoot()

	tests := []struct {
		name  string
		proof *witness.Proof
	}{
		{"nil proof", nil},
		{"short previous root", &witness.Proof{
			Epoch: 1, PrevRoot: []byte{0x01}, NewRoot: digest(0x02), Updates: [][]byte{digest(0x03)},
		}},
		{"short new root", &witness.Proof{
			Epoch: 1, PrevRoot: genesis, NewRoot: []byte{0x02}, Updates: [][]byte{digest(0x03)},
		}},
		{"no updates", &witness.Proof{
			Epoch: 1, PrevRoot: genesis, NewRoot: digest(0x02),
		}},
		{"bad update size", &witness.Proof{
			Epoch: 1, PrevRoot: genesis, NewRoot: digest(0x02), Updates: [][]byte{{0x03}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(genesis, tt.proof)
			assert.ErrorIs(t, err, ErrMalformedProof)
		})
	}
}

func TestVerifyChainMismatch(t *testing.T) {
	v := NewVerifier()

	proof := validProof(5, digest(0xaa), digest(0x01))
	_, err := v.Verify(digest(0xbb), proof)
	assert.ErrorIs(t, err, ErrChainMismatch)
}

func TestVerifyInvalidFold(t *testing.T) {
	v := NewVerifier()
	genesis := GenesisRoot()

	proof := validProof(1, genesis, digest(0x01))
	proof.NewRoot = digest(0xee)
	_, err := v.Verify(genesis, proof)
	assert.ErrorIs(t, err, ErrInvalidProof)

	// dropping an update breaks the fold the same way
	proof = validProof(1, genesis, digest(0x01), digest(0x02))
	proof.Updates = proof.Updates[:1]
	_, err = v.Verify(genesis, proof)
	assert.ErrorIs(t, err, ErrInvalidProof)
}

// Structural checks win over chain checks when both would fail, keeping
// rejection reasons stable for callers that classify them.
func TestVerifyCheckOrder(t *testing.T) {
	v := NewVerifier()

	proof := &witness.Proof{Epoch: 3, PrevRoot: []byte{0x01}, NewRoot: digest(0x02)}
	_, err := v.Verify(digest(0xcc), proof)
	assert.ErrorIs(t, err, ErrMalformedProof)
	assert.NotErrorIs(t, err, ErrChainMismatch)
}

func TestExtendFoldsSequentially(t *testing.T) {
	root := GenesisRoot()

	stepped := Extend(Extend(root, digest(0x01)), digest(0x02))
	folded := Extend(root, digest(0x01), digest(0x02))
	assert.Equal(t, stepped, folded)

	assert.Equal(t, root, Extend(root), "no updates leaves the root untouched")
}
