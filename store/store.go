// Package store persists epoch records. Two ledgers are provided: Badger for
// durable deployments and Mem for tests and local runs. Both enforce the same
// append discipline; callers linearize writes.
package store

import (
	"errors"
	"fmt"

	"github.com/keyfold/witness"
)

var (
	// ErrCommitted rejects appends over an epoch that already committed.
	// Committed records are immutable.
	ErrCommitted = errors.New("store: epoch already committed")
	// ErrOutOfOrder rejects committed records that do not advance the
	// watermark by exactly one.
	ErrOutOfOrder = errors.New("store: committed epochs must advance sequentially")
)

// checkAppend is the shared append discipline. A failed or expired record may
// land for any epoch and may later be superseded by a committed one; commits
// advance the watermark one by one and are final.
func checkAppend(rec, existing *witness.Record, watermark uint64) error {
	if rec == nil {
		return errors.New("store: nil record")
	}
	if rec.Epoch == 0 {
		return errors.New("store: epoch numbering starts at 1")
	}
	if existing != nil && existing.Status == witness.StatusCommitted {
		return fmt.Errorf("%w: epoch %d", ErrCommitted, rec.Epoch)
	}
	if rec.Status == witness.StatusCommitted && rec.Epoch != watermark+1 {
		return fmt.Errorf("%w: watermark at %d, got epoch %d", ErrOutOfOrder, watermark, rec.Epoch)
	}
	return nil
}
