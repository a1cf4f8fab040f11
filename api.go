package witness

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Ledger when no record exists for the requested
// epoch, and by LastCommitted when nothing has been committed yet.
var ErrNotFound = errors.New("witness: record not found")

// ErrNotYetPublished is returned by a Directory when the requested epoch has
// not been published yet.
var ErrNotYetPublished = errors.New("witness: epoch not yet published")

// Broker delivers messages between quorum participants. It is transport only:
// it guarantees neither ordering nor reliability nor deduplication, all of
// which belong to the engine.
type Broker interface {
	// Broadcast publishes msg to every reachable quorum participant.
	Broadcast(ctx context.Context, msg Message) error
	// Record fetches the record of the given epoch directly from one member.
	// Returns ErrNotFound when the member has no record for the epoch.
	Record(ctx context.Context, member string, epoch uint64) (*Record, error)
}

// Handler consumes messages delivered by a Broker. A non-nil error tells the
// broker the message was invalid and must not be propagated further.
type Handler interface {
	HandleProof(ctx context.Context, proof *Proof) error
	HandleShare(ctx context.Context, share *Share) error
	HandleCommit(ctx context.Context, commit *Commit) error
}

// Status reports how an epoch concluded.
type Status uint8

const (
	// StatusCommitted marks an epoch with a verified root and an aggregated
	// quorum signature over it.
	StatusCommitted Status = iota + 1
	// StatusFailed marks an epoch whose proof failed verification.
	StatusFailed
	// StatusExpired marks an epoch that timed out before reaching threshold.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Record is the durable outcome of one epoch. Signature is set only for
// StatusCommitted records.
type Record struct {
	Epoch     uint64
	Root      []byte
	Signature []byte
	Status    Status
}

// Ledger persists epoch records append-only. A committed record is immutable;
// a failed or expired record may be superseded once, by a committed one for
// the same epoch after the operator retires the failure. The highest committed
// record is the watermark all admission decisions are made against.
//
// Writes are linearized by the caller; implementations do not reorder them.
type Ledger interface {
	// Append stores rec. It fails if a committed record already exists for
	// rec.Epoch.
	Append(ctx context.Context, rec *Record) error
	// Record returns the record for the epoch or ErrNotFound.
	Record(ctx context.Context, epoch uint64) (*Record, error)
	// LastCommitted returns the committed record with the highest epoch,
	// or ErrNotFound when nothing has been committed yet.
	LastCommitted(ctx context.Context) (*Record, error)
}

// Directory is the key directory under audit, or a gateway to it.
type Directory interface {
	// EpochProof returns the published proof for the epoch, or
	// ErrNotYetPublished when the directory has not reached it yet.
	EpochProof(ctx context.Context, epoch uint64) (*Proof, error)
}
