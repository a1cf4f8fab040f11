package directory

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/keyfold/witness"
	"github.com/keyfold/witness/audit"
)

var _ witness.Directory = (*Static)(nil)

// Static is an in-memory directory serving a synthetic append-only chain.
// It backs tests and local runs without a real directory to audit.
type Static struct {
	mu     sync.RWMutex
	proofs map[uint64]*witness.Proof
	head   uint64
}

func NewStatic() *Static {
	return &Static{proofs: make(map[uint64]*witness.Proof)}
}

// Grow publishes count more epochs of random updates and returns the new
// head epoch.
func (s *Static) Grow(count, updatesPerEpoch int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < count; i++ {
		parent := s.rootLocked(s.head)
		updates := make([][]byte, updatesPerEpoch)
		for j := range updates {
			updates[j] = make([]byte, witness.RootSize)
			rand.Read(updates[j])
		}

		num := s.head + 1
		s.proofs[num] = &witness.Proof{
			Epoch:    num,
			PrevRoot: parent,
			NewRoot:  audit.Extend(parent, updates...),
			Updates:  updates,
		}
		s.head = num
	}
	return s.head
}

// Head reports the latest published epoch, zero before the first Grow.
func (s *Static) Head() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

func (s *Static) EpochProof(_ context.Context, epoch uint64) (*witness.Proof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if epoch == 0 {
		return nil, fmt.Errorf("epoch numbers start at 1")
	}
	proof, ok := s.proofs[epoch]
	if !ok {
		return nil, witness.ErrNotYetPublished
	}
	return proof, nil
}

func (s *Static) rootLocked(epoch uint64) []byte {
	if epoch == 0 {
		return audit.GenesisRoot()
	}
	return s.proofs[epoch].NewRoot
}
