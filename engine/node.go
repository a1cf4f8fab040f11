// Package engine runs a witness node. It admits proofs and shares within a
// bounded window of in-flight epochs, drives one state machine per epoch,
// persists commits strictly in epoch order and announces them to peers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"

	"github.com/keyfold/witness"
	"github.com/keyfold/witness/audit"
	"github.com/keyfold/witness/crypto"
	"github.com/keyfold/witness/engine/internal/epoch"
	"github.com/keyfold/witness/quorum"
)

// Admission verdicts for incoming messages.
var (
	// ErrStaleEpoch discards messages at or below the committed watermark.
	ErrStaleEpoch = errors.New("engine: epoch already finalized")
	// ErrAheadOfWindow discards messages beyond the in-flight window.
	ErrAheadOfWindow = errors.New("engine: epoch beyond in-flight window")
)

var (
	// ErrUnknownEpoch reports operator actions on epochs not in flight.
	ErrUnknownEpoch = errors.New("engine: no such in-flight epoch")
	// ErrNotTerminal refuses to retire an epoch that may still conclude.
	ErrNotTerminal = errors.New("engine: epoch still in flight")
)

const (
	// DefaultWindow is how many epochs past the watermark may be in flight.
	DefaultWindow = 8
	// DefaultEpochTimeout bounds an epoch from its first input to threshold.
	DefaultEpochTimeout = time.Minute

	defaultCacheSize  = 128
	epochStopTimeout  = 5 * time.Second
	persistChannelCap = 16
)

// Config carries the tunables of a [Node].
type Config struct {
	// SelfID is this node's member identity within the quorum.
	SelfID string
	// Window bounds how many epochs past the watermark may be in flight.
	Window uint64
	// EpochTimeout expires epochs that fail to reach threshold in time.
	// Zero means DefaultEpochTimeout.
	EpochTimeout time.Duration
	// CacheSize bounds the committed-record cache for the query surface.
	CacheSize int
}

func (cfg Config) withDefaults() Config {
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.EpochTimeout == 0 {
		cfg.EpochTimeout = DefaultEpochTimeout
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultCacheSize
	}
	return cfg
}

// Option configures a [Node].
type Option func(*Node)

// WithLogger sets the logger the engine and its epochs log through.
func WithLogger(log *slog.Logger) Option {
	return func(n *Node) {
		n.log = log
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(n *Node) {
		n.metrics = m
	}
}

type persistReq struct {
	rec     *witness.Record
	adopted bool
	done    chan error
}

var (
	_ witness.Handler = (*Node)(nil)
	_ epoch.Actions   = (*Node)(nil)
)

// Node is the witness engine. One per process; all exported methods are safe
// for concurrent use after Start.
type Node struct {
	cfg     Config
	log     *slog.Logger
	metrics Metrics

	members  *quorum.Members
	scheme   crypto.Scheme
	verifier *audit.Verifier
	ledger   witness.Ledger
	broker   witness.Broker

	// watermark is the highest committed epoch
	watermark atomic.Uint64

	mu       sync.Mutex
	epochs   map[uint64]*epoch.Epoch
	roots    map[uint64][]byte
	lastRoot []byte

	cache *lru.Cache[uint64, *witness.Record]

	persistCh chan *persistReq
	fatalCh   chan error

	runCtx   context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	closeCh  chan struct{}
	loopDone chan struct{}
}

// New assembles a node. The membership must agree with the signing scheme on
// the quorum shape, and SelfID must hold the scheme's share index; both are
// startup failures otherwise.
func New(
	cfg Config,
	members *quorum.Members,
	scheme crypto.Scheme,
	verifier *audit.Verifier,
	ledger witness.Ledger,
	broker witness.Broker,
	opts ...Option,
) (*Node, error) {
	cfg = cfg.withDefaults()
	if cfg.SelfID == "" {
		return nil, errors.New("engine: config missing self member id")
	}
	if members.Threshold() != scheme.Threshold() || members.Len() != scheme.Participants() {
		return nil, fmt.Errorf("%w: membership is %d-of-%d, quorum key is %d-of-%d",
			quorum.ErrBadQuorumConfig, members.Threshold(), members.Len(),
			scheme.Threshold(), scheme.Participants())
	}
	if scheme.Index() >= 0 {
		member, ok := members.ByID(cfg.SelfID)
		if !ok || member.Index != scheme.Index() {
			return nil, fmt.Errorf("%w: %q does not hold share index %d",
				quorum.ErrBadQuorumConfig, cfg.SelfID, scheme.Index())
		}
	}

	cache, err := lru.New[uint64, *witness.Record](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		members:   members,
		scheme:    scheme,
		verifier:  verifier,
		ledger:    ledger,
		broker:    broker,
		epochs:    make(map[uint64]*epoch.Epoch),
		roots:     make(map[uint64][]byte),
		cache:     cache,
		persistCh: make(chan *persistReq, persistChannelCap),
		fatalCh:   make(chan error, 1),
		closeCh:   make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = slog.Default()
	}
	n.log = n.log.With("module", "engine")
	if n.metrics == nil {
		n.metrics = NopMetrics()
	}
	return n, nil
}

// Start recovers the watermark from the ledger and begins processing.
func (n *Node) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("engine: already started")
	}

	rec, err := n.ledger.LastCommitted(ctx)
	switch {
	case err == nil:
		n.watermark.Store(rec.Epoch)
		n.lastRoot = rec.Root
	case errors.Is(err, witness.ErrNotFound):
		n.lastRoot = audit.GenesisRoot()
	default:
		return fmt.Errorf("engine: recovering watermark: %w", err)
	}

	n.runCtx, n.cancel = context.WithCancel(context.Background())
	go n.persistLoop()

	n.log.Info("engine started",
		"self", n.cfg.SelfID,
		"watermark", n.watermark.Load(),
		"quorum", fmt.Sprintf("%d-of-%d", n.members.Threshold(), n.members.Len()),
		"window", n.cfg.Window,
	)
	return nil
}

// Stop shuts the engine down, stopping every in-flight epoch.
func (n *Node) Stop(ctx context.Context) error {
	if !n.started.Load() {
		return errors.New("engine: not started")
	}
	select {
	case <-n.closeCh:
		return errors.New("engine: already stopped")
	default:
	}

	n.cancel()
	close(n.closeCh)

	n.mu.Lock()
	eps := make([]*epoch.Epoch, 0, len(n.epochs))
	for _, ep := range n.epochs {
		eps = append(eps, ep)
	}
	n.epochs = make(map[uint64]*epoch.Epoch)
	n.mu.Unlock()

	var errs error
	for _, ep := range eps {
		if err := ep.Stop(ctx); err != nil && !errors.Is(err, epoch.ErrClosed) {
			errs = errors.Join(errs, err)
		}
	}

	select {
	case <-n.loopDone:
	case <-ctx.Done():
		errs = errors.Join(errs, ctx.Err())
	}
	return errs
}

// Fatal delivers the first unrecoverable error: a storage failure or an
// aggregation invariant violation. The process must shut down on it.
func (n *Node) Fatal() <-chan error {
	return n.fatalCh
}

// Watermark reports the highest committed epoch.
func (n *Node) Watermark() uint64 {
	return n.watermark.Load()
}

// Status reports the lifecycle state of an in-flight epoch.
func (n *Node) Status(num uint64) (epoch.State, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.epochs[num]
	if !ok {
		return 0, false
	}
	return ep.Status(), true
}

// admit bounds every incoming message to the in-flight window
// (watermark, watermark+Window].
func (n *Node) admit(num uint64) error {
	last := n.watermark.Load()
	if num <= last {
		return fmt.Errorf("%w: epoch %d, watermark %d", ErrStaleEpoch, num, last)
	}
	if num > last+n.cfg.Window {
		return fmt.Errorf("%w: epoch %d, window ends at %d", ErrAheadOfWindow, num, last+n.cfg.Window)
	}
	return nil
}

func (n *Node) admitDrop(kind string, num uint64, err error) error {
	switch {
	case errors.Is(err, ErrStaleEpoch):
		n.metrics.Dropped("stale")
	case errors.Is(err, ErrAheadOfWindow):
		n.metrics.Dropped("ahead")
	default:
		return err
	}
	n.log.Debug("discarding message", "kind", kind, "epoch", num, "err", err)
	return err
}

// getOrCreate routes an epoch number to its machine, spinning one up on the
// first reference. The parent root is handed over right away when this node
// already knows it.
func (n *Node) getOrCreate(ctx context.Context, num uint64) (*epoch.Epoch, error) {
	n.mu.Lock()
	select {
	case <-n.closeCh:
		n.mu.Unlock()
		return nil, errors.New("engine: stopped")
	default:
	}
	if err := n.admit(num); err != nil {
		n.mu.Unlock()
		return nil, err
	}

	ep, ok := n.epochs[num]
	if ok {
		n.mu.Unlock()
		return ep, nil
	}
	ep = epoch.New(epoch.Config{
		Epoch:    num,
		SelfID:   n.cfg.SelfID,
		Members:  n.members,
		Scheme:   n.scheme,
		Verifier: n.verifier,
		Actions:  n,
		Timeout:  n.cfg.EpochTimeout,
		Log:      n.log,
	})
	n.epochs[num] = ep
	inflight := len(n.epochs)
	parent, haveParent := n.parentRootLocked(num)
	n.mu.Unlock()

	n.metrics.InFlight(inflight)
	go n.watch(ep)

	if haveParent {
		if err := ep.ProvideParentRoot(ctx, parent); err != nil && !errors.Is(err, epoch.ErrClosed) {
			return nil, err
		}
	}
	return ep, nil
}

func (n *Node) parentRootLocked(num uint64) ([]byte, bool) {
	if num == n.watermark.Load()+1 {
		return n.lastRoot, n.lastRoot != nil
	}
	root, ok := n.roots[num-1]
	return root, ok
}

// HandleProof feeds a directory proof to its epoch.
func (n *Node) HandleProof(ctx context.Context, proof *witness.Proof) error {
	if proof == nil {
		return errors.New("engine: nil proof")
	}
	ep, err := n.getOrCreate(ctx, proof.Epoch)
	if err != nil {
		return n.admitDrop("proof", proof.Epoch, err)
	}
	if err := ep.SubmitProof(ctx, proof); err != nil && !errors.Is(err, epoch.ErrClosed) {
		return err
	}
	return nil
}

// HandleShare feeds a member's signature share to its epoch. The returned
// error is the acceptance verdict for this share.
func (n *Node) HandleShare(ctx context.Context, share *witness.Share) error {
	if share == nil {
		return errors.New("engine: nil share")
	}
	ep, err := n.getOrCreate(ctx, share.Epoch)
	if err != nil {
		return n.admitDrop("share", share.Epoch, err)
	}

	err = ep.SubmitShare(ctx, share)
	switch {
	case err == nil, errors.Is(err, epoch.ErrClosed):
		return nil
	case errors.Is(err, quorum.ErrDuplicateShare):
		n.metrics.ShareRejected("duplicate")
		n.log.Debug("duplicate share", "epoch", share.Epoch, "member", share.Member)
		return err
	default:
		n.metrics.ShareRejected(shareReason(err))
		n.log.Warn("share rejected", "epoch", share.Epoch, "member", share.Member, "err", err)
		return err
	}
}

func shareReason(err error) string {
	switch {
	case errors.Is(err, quorum.ErrUnknownMember):
		return "unknown_member"
	case errors.Is(err, quorum.ErrInvalidShare):
		return "invalid"
	case errors.Is(err, quorum.ErrEpochMismatch):
		return "mismatch"
	default:
		return "other"
	}
}

// HandleCommit adopts a peer's aggregate when it is the very next epoch.
// Valid but non-sequential announcements are left for sync to catch up on.
func (n *Node) HandleCommit(ctx context.Context, commit *witness.Commit) error {
	if commit == nil {
		return errors.New("engine: nil commit")
	}
	if err := n.scheme.VerifyAggregate(witness.Digest(commit.Epoch, commit.Root), commit.Signature); err != nil {
		n.log.Warn("invalid commit announcement", "epoch", commit.Epoch, "err", err)
		return fmt.Errorf("engine: commit announcement for epoch %d: %w", commit.Epoch, err)
	}

	last := n.watermark.Load()
	switch {
	case commit.Epoch <= last:
		return nil
	case commit.Epoch != last+1:
		n.log.Debug("commit announcement out of order", "epoch", commit.Epoch, "watermark", last)
		return nil
	}

	rec := &witness.Record{
		Epoch:     commit.Epoch,
		Root:      commit.Root,
		Signature: commit.Signature,
		Status:    witness.StatusCommitted,
	}
	if err := n.persist(ctx, rec, true); err != nil {
		return err
	}
	n.evictInFlight(commit.Epoch)
	return nil
}

// RootVerified caches the verified root and unblocks the next epoch's
// verification. Part of [epoch.Actions].
func (n *Node) RootVerified(num uint64, root []byte) {
	n.mu.Lock()
	n.roots[num] = root
	next := n.epochs[num+1]
	n.mu.Unlock()

	if next != nil {
		go n.handOverRoot(next, num+1, root)
	}
}

func (n *Node) handOverRoot(next *epoch.Epoch, num uint64, root []byte) {
	if err := next.ProvideParentRoot(n.runCtx, root); err != nil && !errors.Is(err, epoch.ErrClosed) {
		n.log.Debug("handing root to next epoch", "epoch", num, "err", err)
	}
}

// PublishShare broadcasts this node's share. Part of [epoch.Actions].
func (n *Node) PublishShare(ctx context.Context, share *witness.Share) error {
	return n.broker.Broadcast(ctx, share)
}

// DeliverCommit persists an aggregate durably and in order, then announces
// it. Part of [epoch.Actions].
func (n *Node) DeliverCommit(ctx context.Context, commit *witness.Commit) error {
	rec := &witness.Record{
		Epoch:     commit.Epoch,
		Root:      commit.Root,
		Signature: commit.Signature,
		Status:    witness.StatusCommitted,
	}
	return n.persist(ctx, rec, false)
}

func (n *Node) persist(ctx context.Context, rec *witness.Record, adopted bool) error {
	req := &persistReq{rec: rec, adopted: adopted, done: make(chan error, 1)}
	select {
	case n.persistCh <- req:
	case <-n.closeCh:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistLoop owns the ledger. All writes funnel through it, which both
// linearizes them and lets out-of-order aggregates wait for their turn.
func (n *Node) persistLoop() {
	defer close(n.loopDone)

	// aggregates completed ahead of their predecessor wait here
	pending := make(map[uint64]*persistReq)
	for {
		select {
		case req := <-n.persistCh:
			n.handlePersist(req, pending)
		case <-n.closeCh:
			for _, req := range pending {
				req.done <- context.Canceled
			}
			return
		}
	}
}

func (n *Node) handlePersist(req *persistReq, pending map[uint64]*persistReq) {
	rec := req.rec
	last := n.watermark.Load()
	if rec.Epoch <= last {
		// a peer's commit got here first; nothing to do
		req.done <- nil
		return
	}
	if rec.Status != witness.StatusCommitted {
		req.done <- n.ledger.Append(n.runCtx, rec)
		return
	}
	if rec.Epoch != last+1 {
		pending[rec.Epoch] = req
		return
	}

	n.commitRecord(req)
	for {
		next, ok := pending[n.watermark.Load()+1]
		if !ok {
			return
		}
		delete(pending, next.rec.Epoch)
		n.commitRecord(next)
	}
}

func (n *Node) commitRecord(req *persistReq) {
	rec := req.rec
	if err := n.ledger.Append(n.runCtx, rec); err != nil {
		req.done <- fmt.Errorf("engine: persisting epoch %d: %w", rec.Epoch, err)
		return
	}

	// watermark and chain tip move together under the admission lock
	n.mu.Lock()
	n.watermark.Store(rec.Epoch)
	n.lastRoot = rec.Root
	delete(n.roots, rec.Epoch-1)
	next := n.epochs[rec.Epoch+1]
	n.mu.Unlock()

	n.cache.Add(rec.Epoch, rec)

	if next != nil {
		go n.handOverRoot(next, rec.Epoch+1, rec.Root)
	}

	if req.adopted {
		n.metrics.Adopted(rec.Epoch)
	} else {
		n.metrics.Committed(rec.Epoch)
		commit := &witness.Commit{Epoch: rec.Epoch, Root: rec.Root, Signature: rec.Signature}
		go func() {
			if err := n.broker.Broadcast(n.runCtx, commit); err != nil {
				n.log.Warn("announcing commit", "epoch", commit.Epoch, "err", err)
			}
		}()
	}

	n.log.Info("epoch committed", "epoch", rec.Epoch, "adopted", req.adopted)
	req.done <- nil
}

// watch follows one epoch machine to its outcome, records failures and
// escalates what the engine cannot recover from.
func (n *Node) watch(ep *epoch.Epoch) {
	select {
	case <-ep.Done():
	case <-ep.Closed():
		select {
		case <-ep.Done():
		default:
			// stopped without an outcome, its work was taken over
			return
		}
	case <-n.closeCh:
		return
	}

	err := ep.Err()
	switch {
	case err == nil:
		n.evictInFlight(ep.Number())
	case errors.Is(err, epoch.ErrExpired):
		n.metrics.Expired(ep.Number())
		n.recordFailure(ep.Number(), witness.StatusExpired)
	case errors.Is(err, audit.ErrMalformedProof),
		errors.Is(err, audit.ErrChainMismatch),
		errors.Is(err, audit.ErrInvalidProof):
		n.metrics.Failed(ep.Number())
		n.recordFailure(ep.Number(), witness.StatusFailed)
	default:
		n.fatal(err)
	}
}

// recordFailure keeps the audit trail of failed and expired epochs. The
// machine itself stays in flight, blocking resubmission until retired.
func (n *Node) recordFailure(num uint64, status witness.Status) {
	rec := &witness.Record{Epoch: num, Status: status}
	err := n.persist(n.runCtx, rec, false)
	if err != nil && !errors.Is(err, context.Canceled) {
		n.fatal(fmt.Errorf("engine: recording %s epoch %d: %w", status, num, err))
	}
}

func (n *Node) evictInFlight(num uint64) {
	n.mu.Lock()
	ep, ok := n.epochs[num]
	if ok {
		delete(n.epochs, num)
	}
	inflight := len(n.epochs)
	n.mu.Unlock()
	if !ok {
		return
	}

	n.metrics.InFlight(inflight)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), epochStopTimeout)
		defer cancel()
		if err := ep.Stop(ctx); err != nil && !errors.Is(err, epoch.ErrClosed) {
			n.log.Debug("stopping epoch", "epoch", num, "err", err)
		}
	}()
}

// Retire evicts a terminally failed epoch so a corrected proof can be
// resubmitted. Only verification failures and expiries qualify; committed
// epochs are gone already and live ones must play out.
func (n *Node) Retire(ctx context.Context, num uint64) error {
	n.mu.Lock()
	ep, ok := n.epochs[num]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownEpoch, num)
	}
	state := ep.Status()
	if state != epoch.VerificationFailed && state != epoch.Expired {
		n.mu.Unlock()
		return fmt.Errorf("%w: epoch %d is %s", ErrNotTerminal, num, state)
	}
	delete(n.epochs, num)
	delete(n.roots, num)
	inflight := len(n.epochs)
	n.mu.Unlock()

	n.metrics.InFlight(inflight)
	if err := ep.Stop(ctx); err != nil && !errors.Is(err, epoch.ErrClosed) {
		return err
	}
	n.log.Info("epoch retired", "epoch", num, "state", state.String())
	return nil
}

// Record serves the durable outcome of an epoch, caching committed ones.
// This is the query surface relying parties and peers read from.
func (n *Node) Record(ctx context.Context, num uint64) (*witness.Record, error) {
	if rec, ok := n.cache.Get(num); ok {
		return rec, nil
	}
	rec, err := n.ledger.Record(ctx, num)
	if err != nil {
		return nil, err
	}
	if rec.Status == witness.StatusCommitted {
		n.cache.Add(num, rec)
	}
	return rec, nil
}

// SyncFrom pulls sequential records from one member until it serves nothing
// newer, verifying every aggregate before adoption. It returns how many
// epochs were adopted.
func (n *Node) SyncFrom(ctx context.Context, member string) (int, error) {
	var adopted int
	for {
		next := n.watermark.Load() + 1
		rec, err := n.broker.Record(ctx, member, next)
		if errors.Is(err, witness.ErrNotFound) {
			return adopted, nil
		}
		if err != nil {
			return adopted, fmt.Errorf("engine: fetching epoch %d from %q: %w", next, member, err)
		}
		if err := n.adopt(ctx, rec); err != nil {
			return adopted, fmt.Errorf("engine: adopting epoch %d from %q: %w", next, member, err)
		}
		adopted++
	}
}

func (n *Node) adopt(ctx context.Context, rec *witness.Record) error {
	if rec == nil || rec.Status != witness.StatusCommitted {
		return errors.New("record is not committed")
	}
	if err := n.scheme.VerifyAggregate(witness.Digest(rec.Epoch, rec.Root), rec.Signature); err != nil {
		return err
	}
	if err := n.persist(ctx, rec, true); err != nil {
		return err
	}
	n.evictInFlight(rec.Epoch)
	return nil
}

func (n *Node) fatal(err error) {
	n.log.Error("fatal engine error", "err", err)
	select {
	case n.fatalCh <- err:
	default:
	}
}
