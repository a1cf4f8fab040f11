// Package epoch holds the per-epoch state machine of the witness engine.
// Each in-flight epoch walks one way through
//
//	Received -> Verifying -> Verified -> SelfSigned -> AwaitingShares ->
//	ThresholdReached -> Committed
//
// branching off to VerificationFailed when the proof is rejected and to
// Expired when the timeout fires first. Inputs arrive in any order: shares
// showing up before the proof is verified are buffered, and verification of
// epoch e starts as soon as e-1's root is verified, not committed.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/keyfold/witness"
	"github.com/keyfold/witness/audit"
	"github.com/keyfold/witness/crypto"
	"github.com/keyfold/witness/quorum"
)

const stateOperationsChannelSize = 32

// ErrClosed signals that an Epoch is accessed after being stopped.
var ErrClosed = errors.New("closed epoch access")

// ErrExpired terminates epochs that time out before collecting a threshold
// of shares.
var ErrExpired = errors.New("epoch: expired before reaching threshold")

// State is the position of an [Epoch] in its lifecycle.
type State int32

const (
	Received State = iota + 1
	Verifying
	VerificationFailed
	Verified
	SelfSigned
	AwaitingShares
	ThresholdReached
	Committed
	Expired
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Verifying:
		return "verifying"
	case VerificationFailed:
		return "verification_failed"
	case Verified:
		return "verified"
	case SelfSigned:
		return "self_signed"
	case AwaitingShares:
		return "awaiting_shares"
	case ThresholdReached:
		return "threshold_reached"
	case Committed:
		return "committed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == VerificationFailed || s == Committed || s == Expired
}

// Actions is what an [Epoch] asks of its surroundings. The engine implements
// it; tests substitute it.
type Actions interface {
	// RootVerified announces the locally verified root of the epoch, letting
	// the next epoch start verifying against it.
	RootVerified(epoch uint64, root []byte)
	// PublishShare broadcasts this node's signature share.
	PublishShare(ctx context.Context, share *witness.Share) error
	// DeliverCommit hands the aggregate over for durable, strictly
	// sequential persistence. It returns once the record is stored.
	DeliverCommit(ctx context.Context, commit *witness.Commit) error
}

// Config carries the collaborators of one [Epoch].
type Config struct {
	Epoch    uint64
	SelfID   string
	Members  *quorum.Members
	Scheme   crypto.Scheme
	Verifier *audit.Verifier
	Actions  Actions
	// Timeout bounds the time from the first input to reaching threshold.
	// Zero disables expiry.
	Timeout time.Duration
	Log     *slog.Logger
}

// Epoch drives a single epoch from its first input to a terminal state.
// All state lives behind an event loop; exported methods submit operations
// to it and are safe for concurrent use.
type Epoch struct {
	cfg Config
	log *slog.Logger

	state atomic.Int32

	// event-loop state, touched only by stateLoop
	proof      *witness.Proof
	parentRoot []byte
	root       []byte
	agg        *quorum.Aggregator
	buffered   map[string]*witness.Share
	commit     *witness.Commit
	err        error
	timer      *time.Timer
	delivering bool

	// ctx bounds outbound calls and dies with the Epoch
	ctx    context.Context
	cancel context.CancelFunc

	// channel for operation submission to be executed
	stateOpCh chan *stateOp
	// doneCh gets closed when a terminal state is reached to notify listeners
	doneCh chan struct{}
	// signalling for graceful shutdown
	closeCh, closedCh chan struct{}
}

// New instantiates the state machine for one epoch and starts its event loop.
func New(cfg Config) *Epoch {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Epoch{
		cfg:       cfg,
		log:       cfg.Log.With("epoch", cfg.Epoch),
		buffered:  make(map[string]*witness.Share),
		ctx:       ctx,
		cancel:    cancel,
		stateOpCh: make(chan *stateOp, stateOperationsChannelSize),
		doneCh:    make(chan struct{}),
		closeCh:   make(chan struct{}),
		closedCh:  make(chan struct{}),
	}
	e.state.Store(int32(Received))
	go e.stateLoop()
	return e
}

// Stop gracefully stops the [Epoch] allowing early termination through context.
// It ensures all the in-progress state operations are completed before termination.
func (e *Epoch) Stop(ctx context.Context) error {
	select {
	case <-e.closeCh:
		return ErrClosed
	default:
	}

	e.cancel()
	close(e.closeCh)
	select {
	case <-e.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Number provides the epoch number.
func (e *Epoch) Number() uint64 {
	return e.cfg.Epoch
}

// Status reports the current lifecycle state.
func (e *Epoch) Status() State {
	return State(e.state.Load())
}

// Done closes once the epoch reaches a terminal outcome. Err and Commit are
// valid afterwards.
func (e *Epoch) Done() <-chan struct{} {
	return e.doneCh
}

// Closed closes once the event loop has shut down, with or without an
// outcome. An Epoch stopped before Done closes had its work taken over,
// typically by a commit adopted from a peer.
func (e *Epoch) Closed() <-chan struct{} {
	return e.closedCh
}

// Err reports why the epoch terminated, nil after a successful commit.
// Valid once Done is closed.
func (e *Epoch) Err() error {
	select {
	case <-e.doneCh:
		return e.err
	default:
		return nil
	}
}

// Commit returns the aggregated commit, non-nil only after a successful
// terminal state. Valid once Done is closed.
func (e *Epoch) Commit() *witness.Commit {
	select {
	case <-e.doneCh:
		if e.err != nil {
			return nil
		}
		return e.commit
	default:
		return nil
	}
}

// SubmitProof feeds the epoch's transition proof into the machine. The first
// proof wins; repeated submissions are ignored.
func (e *Epoch) SubmitProof(ctx context.Context, proof *witness.Proof) error {
	if proof == nil || proof.Epoch != e.cfg.Epoch {
		return fmt.Errorf("epoch %d: misrouted proof", e.cfg.Epoch)
	}
	op := newStateOp(proofOp)
	op.proof = proof

	return e.execOp(ctx, op)
}

// SubmitShare feeds a member's signature share into the machine. Shares
// arriving before the proof is verified are buffered and judged on flush.
// The returned error is the acceptance verdict for this share only.
func (e *Epoch) SubmitShare(ctx context.Context, share *witness.Share) error {
	if share == nil {
		return fmt.Errorf("epoch %d: nil share", e.cfg.Epoch)
	}
	op := newStateOp(shareOp)
	op.share = share

	return e.execOp(ctx, op)
}

// ProvideParentRoot hands over the verified root of the preceding epoch,
// unblocking verification. Idempotent.
func (e *Epoch) ProvideParentRoot(ctx context.Context, root []byte) error {
	op := newStateOp(parentOp)
	op.root = root

	return e.execOp(ctx, op)
}

// execOp submits operation for execution by [stateLoop] and awaits its
// completion. Submission stays open until closedCh closes, letting
// last-minute operations squeeze in after closing was triggered.
func (e *Epoch) execOp(ctx context.Context, op *stateOp) error {
	select {
	case e.stateOpCh <- op:
	case <-e.closedCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.doneCh:
		return err
	case <-e.closedCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitAsync delivers internal operations that have no caller waiting on
// them, the timer expiry and the commit acknowledgement.
func (e *Epoch) submitAsync(op *stateOp) {
	select {
	case e.stateOpCh <- op:
	case <-e.closedCh:
	}
}

// stateLoop is an event loop performing state operations on the epoch and
// ensures all machine state is touched single-threaded.
func (e *Epoch) stateLoop() {
	doOp := func(op *stateOp) {
		switch op.kind {
		case proofOp:
			e.stateProof(op)
		case shareOp:
			e.stateShare(op)
		case parentOp:
			e.stateParent(op)
		case expireOp:
			e.stateExpire()
		case committedOp:
			e.stateCommitted(op)
		default:
			panic("unknown operation type")
		}
	}

	defer func() {
		if e.timer != nil {
			e.timer.Stop()
		}
		// drain the channel and execute all the pending ops before fully
		// closing
		for {
			select {
			case op := <-e.stateOpCh:
				doOp(op)
			default:
				close(e.closedCh)
				return
			}
		}
	}()

	for {
		select {
		case op := <-e.stateOpCh:
			doOp(op)
		case <-e.closeCh:
			return
		}
	}
}

func (e *Epoch) setState(s State) {
	e.state.Store(int32(s))
	e.log.Debug("epoch transition", "state", s.String())
}

// terminate records the outcome exactly once and wakes Done listeners.
func (e *Epoch) terminate(s State, err error) {
	select {
	case <-e.doneCh:
		return
	default:
	}
	if s != 0 {
		e.setState(s)
	}
	e.err = err
	e.buffered = nil
	close(e.doneCh)
}

func (e *Epoch) terminal() bool {
	select {
	case <-e.doneCh:
		return true
	default:
		return false
	}
}

// ensureTimer arms the expiry on the first external input.
func (e *Epoch) ensureTimer() {
	if e.timer != nil || e.cfg.Timeout <= 0 {
		return
	}
	e.timer = time.AfterFunc(e.cfg.Timeout, func() {
		e.submitAsync(newStateOp(expireOp))
	})
}

func (e *Epoch) stateProof(op *stateOp) {
	if e.terminal() {
		op.SetError(nil)
		return
	}
	if e.proof != nil {
		e.log.Debug("ignoring repeated proof")
		op.SetError(nil)
		return
	}
	e.proof = op.proof
	e.ensureTimer()
	e.stateMaybeVerify()
	op.SetError(nil)
}

func (e *Epoch) stateParent(op *stateOp) {
	if e.terminal() || e.parentRoot != nil {
		op.SetError(nil)
		return
	}
	e.parentRoot = op.root
	e.stateMaybeVerify()
	op.SetError(nil)
}

// stateMaybeVerify runs verification once both the proof and the parent root
// are known, then signs and opens share collection.
func (e *Epoch) stateMaybeVerify() {
	if e.proof == nil || e.parentRoot == nil {
		return
	}

	e.setState(Verifying)
	root, err := e.cfg.Verifier.Verify(e.parentRoot, e.proof)
	if err != nil {
		e.log.Error("proof rejected", "err", err)
		e.terminate(VerificationFailed, err)
		return
	}
	e.root = root
	e.setState(Verified)
	e.cfg.Actions.RootVerified(e.cfg.Epoch, root)

	e.agg = quorum.NewAggregator(e.cfg.Members, e.cfg.Scheme, e.cfg.Epoch, root)
	e.stateSelfSign()
	e.setState(AwaitingShares)
	e.stateFlushBuffered()
	e.stateTryAggregate()
}

// stateSelfSign contributes and publishes this node's own share. A scheme
// without a secret share skips it and the epoch collects peers only.
func (e *Epoch) stateSelfSign() {
	if e.cfg.Scheme.Index() < 0 {
		return
	}

	body, err := e.cfg.Scheme.SignShare(witness.Digest(e.cfg.Epoch, e.root))
	if err != nil {
		e.log.Error("signing own share", "err", err)
		e.terminate(0, fmt.Errorf("signing share for epoch %d: %w", e.cfg.Epoch, err))
		return
	}
	own := &witness.Share{
		Member: e.cfg.SelfID,
		Epoch:  e.cfg.Epoch,
		Index:  e.cfg.Scheme.Index(),
		Root:   e.root,
		Body:   body,
	}
	if err := e.agg.Accept(own); err != nil {
		e.terminate(0, fmt.Errorf("own share rejected for epoch %d: %w", e.cfg.Epoch, err))
		return
	}
	e.setState(SelfSigned)

	go func() {
		if err := e.cfg.Actions.PublishShare(e.ctx, own); err != nil {
			e.log.Warn("publishing own share", "err", err)
		}
	}()
}

func (e *Epoch) stateShare(op *stateOp) {
	if e.terminal() {
		// late shares after any outcome are benign
		op.SetError(nil)
		return
	}
	share := op.share
	if e.agg == nil {
		err := e.stateBufferShare(share)
		if err == nil {
			e.ensureTimer()
		}
		op.SetError(err)
		return
	}

	err := e.agg.Accept(share)
	op.SetError(err)
	if err == nil {
		e.ensureTimer()
		e.stateTryAggregate()
	}
}

// stateBufferShare holds early shares until the root is verified. Only the
// cheap checks run here; signatures are judged on flush.
func (e *Epoch) stateBufferShare(share *witness.Share) error {
	member, ok := e.cfg.Members.ByID(share.Member)
	if !ok || member.Index != share.Index {
		return fmt.Errorf("%w: %q", quorum.ErrUnknownMember, share.Member)
	}
	if share.Epoch != e.cfg.Epoch {
		return fmt.Errorf("%w: share for epoch %d, tracking %d",
			quorum.ErrEpochMismatch, share.Epoch, e.cfg.Epoch)
	}
	if _, ok := e.buffered[share.Member]; ok {
		return fmt.Errorf("%w: %q already buffered", quorum.ErrDuplicateShare, share.Member)
	}
	e.buffered[share.Member] = share
	return nil
}

// stateFlushBuffered judges the shares that arrived before verification, in
// share index order.
func (e *Epoch) stateFlushBuffered() {
	if len(e.buffered) == 0 {
		return
	}
	for _, member := range e.cfg.Members.List() {
		share, ok := e.buffered[member.ID]
		if !ok {
			continue
		}
		if err := e.agg.Accept(share); err != nil {
			e.log.Debug("buffered share rejected", "member", member.ID, "err", err)
		}
	}
	e.buffered = make(map[string]*witness.Share)
}

func (e *Epoch) stateTryAggregate() {
	if e.delivering {
		return
	}
	commit, err := e.agg.TryAggregate()
	if err != nil {
		e.log.Error("aggregation failed", "err", err)
		e.terminate(0, err)
		return
	}
	if commit == nil {
		return
	}

	e.setState(ThresholdReached)
	e.commit = commit
	e.delivering = true
	go func() {
		err := e.cfg.Actions.DeliverCommit(e.ctx, commit)
		op := newStateOp(committedOp)
		op.err = err
		e.submitAsync(op)
	}()
}

func (e *Epoch) stateCommitted(op *stateOp) {
	if op.err != nil {
		if errors.Is(op.err, context.Canceled) {
			e.log.Debug("commit delivery cancelled")
			return
		}
		e.log.Error("commit delivery failed", "err", op.err)
		e.terminate(0, fmt.Errorf("delivering commit for epoch %d: %w", e.cfg.Epoch, op.err))
		return
	}
	e.terminate(Committed, nil)
}

func (e *Epoch) stateExpire() {
	if e.terminal() || e.delivering {
		// past threshold the commit completes regardless of the timer
		return
	}
	e.log.Warn("epoch expired", "state", e.Status().String(), "shares", e.shareCount())
	e.terminate(Expired, ErrExpired)
}

func (e *Epoch) shareCount() int {
	if e.agg != nil {
		return e.agg.Len()
	}
	return len(e.buffered)
}
