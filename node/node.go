// Package node assembles a complete witness daemon: libp2p transport,
// badger ledger, threshold signing keys, the engine and the optional
// directory poller, wired per the configuration.
package node

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keyfold/witness"
	"github.com/keyfold/witness/audit"
	"github.com/keyfold/witness/crypto/tbls"
	"github.com/keyfold/witness/directory"
	"github.com/keyfold/witness/engine"
	"github.com/keyfold/witness/gossip"
	"github.com/keyfold/witness/quorum"
	"github.com/keyfold/witness/store"
)

const (
	shutdownTimeout  = 10 * time.Second
	syncTimeout      = 30 * time.Second
	syntheticUpdates = 4
)

// Option configures a [Node] beyond what [Config] covers.
type Option func(*Node)

// WithDirectory plugs in a real key directory to poll. Without one the node
// relies on gossiped proofs, or on the synthetic directory when enabled.
func WithDirectory(dir witness.Directory) Option {
	return func(n *Node) {
		n.dir = dir
	}
}

// Node is a fully wired witness daemon.
type Node struct {
	cfg *Config
	log *slog.Logger

	host    host.Host
	members *quorum.Members
	broker  *gossip.Broker
	ledger  *store.Badger
	engine  *engine.Node

	dir       witness.Directory
	synthetic *directory.Static
	poller    *directory.Poller
	pollerOn  bool

	registry   *prometheus.Registry
	metricsSrv *http.Server
}

// New wires a node from the configuration. The returned node owns the
// ledger and the libp2p host; Run or a failed New releases them.
func New(ctx context.Context, cfg *Config, log *slog.Logger, opts ...Option) (_ *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	members, err := quorum.LoadMembers(cfg.MembersFile, cfg.Threshold)
	if err != nil {
		return nil, fmt.Errorf("node: loading membership: %w", err)
	}

	key, err := tbls.LoadQuorumKey(cfg.QuorumKeyFile)
	if err != nil {
		return nil, fmt.Errorf("node: loading quorum key: %w", err)
	}
	sec, err := tbls.LoadSecretShare(cfg.ShareFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn("no secret share found, running as follower", "path", cfg.ShareFile)
		sec = nil
	case err != nil:
		return nil, fmt.Errorf("node: loading secret share: %w", err)
	}
	scheme, err := tbls.NewScheme(key, sec)
	if err != nil {
		return nil, fmt.Errorf("node: building signing scheme: %w", err)
	}

	ledger, err := store.Open(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return nil, fmt.Errorf("node: opening ledger: %w", err)
	}
	defer func() {
		if err != nil {
			_ = ledger.Close()
		}
	}()

	p2pKey, err := identity(filepath.Join(cfg.DataDir, "p2p.key"))
	if err != nil {
		return nil, fmt.Errorf("node: loading p2p identity: %w", err)
	}
	h, err := libp2p.New(
		libp2p.Identity(p2pKey),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = h.Close()
		}
	}()

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithMessageIdFn(gossip.MessageID),
	)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		log:     log,
		host:    h,
		members: members,
		ledger:  ledger,
	}

	var metrics engine.Metrics = engine.NopMetrics()
	if cfg.MetricsAddr != "" {
		n.registry = prometheus.NewRegistry()
		metrics = newEngineMetrics(n.registry)
	}

	n.broker = gossip.New(witness.NetworkID(cfg.NetworkID), h, ps, members,
		gossip.WithLogger(log))

	n.engine, err = engine.New(
		engine.Config{
			SelfID:       cfg.SelfID,
			Window:       cfg.Window,
			EpochTimeout: cfg.EpochTimeout,
		},
		members, scheme, audit.NewVerifier(), ledger, n.broker,
		engine.WithLogger(log), engine.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(n)
	}

	if n.dir == nil && cfg.SyntheticDirectory {
		n.synthetic = directory.NewStatic()
		n.dir = n.synthetic
	}
	if n.dir != nil {
		fan := &proofFanout{Handler: n.engine, broker: n.broker, log: log}
		n.poller = directory.NewPoller(n.dir, fan, n.engine,
			directory.Config{Interval: cfg.PollInterval, Ahead: cfg.PollAhead},
			directory.WithLogger(log))
	}
	return n, nil
}

// PeerID reports this node's libp2p identity, the value that belongs in the
// membership file.
func (n *Node) PeerID() string {
	return n.host.ID().String()
}

// Run starts every component and blocks until the context ends or the
// engine hits an unrecoverable error.
func (n *Node) Run(ctx context.Context) error {
	if err := n.engine.Start(ctx); err != nil {
		return errors.Join(err, n.host.Close(), n.ledger.Close())
	}
	if err := n.broker.Start(n.engine, n.engine); err != nil {
		return errors.Join(err, n.close())
	}

	n.connectPeers(ctx)

	// pull whatever the quorum committed while this node was down
	syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	n.catchUp(syncCtx)
	cancel()

	if n.poller != nil {
		n.poller.Start()
		n.pollerOn = true
	}
	if n.registry != nil {
		n.metricsSrv = serveMetrics(n.cfg.MetricsAddr, n.registry, n.log)
	}
	if n.synthetic != nil {
		go n.publishSynthetic(ctx)
	}

	addrs, err := peer.AddrInfoToP2pAddrs(host.InfoFromHost(n.host))
	if err == nil {
		for _, addr := range addrs {
			n.log.Info("listening", "addr", addr.String())
		}
	}
	n.log.Info("witness node running",
		"self", n.cfg.SelfID,
		"network", n.cfg.NetworkID,
		"watermark", n.engine.Watermark(),
	)

	select {
	case <-ctx.Done():
		return n.close()
	case err := <-n.engine.Fatal():
		n.log.Error("engine failed", "err", err)
		return errors.Join(err, n.close())
	}
}

func (n *Node) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	if n.pollerOn {
		errs = errors.Join(errs, n.poller.Stop(ctx))
	}
	errs = errors.Join(errs, n.broker.Stop(ctx))
	errs = errors.Join(errs, n.engine.Stop(ctx))
	errs = errors.Join(errs, shutdownMetrics(ctx, n.metricsSrv))
	errs = errors.Join(errs, n.host.Close())
	errs = errors.Join(errs, n.ledger.Close())
	return errs
}

func (n *Node) connectPeers(ctx context.Context) {
	for _, addr := range n.cfg.Peers {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			n.log.Warn("bad peer address", "addr", addr, "err", err)
			continue
		}
		if err = n.host.Connect(ctx, *info); err != nil {
			n.log.Warn("connecting to peer", "peer", info.ID, "err", err)
			continue
		}
		n.log.Debug("connected", "peer", info.ID)
	}
}

// catchUp adopts missed records from whichever member answers first.
func (n *Node) catchUp(ctx context.Context) {
	for _, m := range n.members.List() {
		if m.ID == n.cfg.SelfID {
			continue
		}
		adopted, err := n.engine.SyncFrom(ctx, m.ID)
		if err != nil {
			n.log.Debug("sync attempt failed", "member", m.ID, "err", err)
			continue
		}
		if adopted > 0 {
			n.log.Info("caught up from peer", "member", m.ID, "epochs", adopted)
		}
		return
	}
}

// publishSynthetic stands in for a real directory integration: the
// in-process chain grows by one epoch per interval and the poller picks
// each one up.
func (n *Node) publishSynthetic(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.SyntheticInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			head := n.synthetic.Grow(1, syntheticUpdates)
			n.log.Debug("synthetic directory published", "epoch", head)
		case <-ctx.Done():
			return
		}
	}
}

// proofFanout hands directory proofs to the engine and gossips the accepted
// ones, so members without directory access receive them too.
type proofFanout struct {
	witness.Handler
	broker witness.Broker
	log    *slog.Logger
}

func (f *proofFanout) HandleProof(ctx context.Context, proof *witness.Proof) error {
	if err := f.Handler.HandleProof(ctx, proof); err != nil {
		return err
	}
	if err := f.broker.Broadcast(ctx, proof); err != nil {
		f.log.Warn("gossiping proof", "epoch", proof.Epoch, "err", err)
	}
	return nil
}

// identity loads the libp2p key, generating and persisting one on first run.
func identity(path string) (libp2pcrypto.PrivKey, error) {
	keyBytes, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		privKey, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, err
		}
		keyBytes, err = libp2pcrypto.MarshalPrivateKey(privKey)
		if err != nil {
			return nil, err
		}
		if err = os.WriteFile(path, keyBytes, 0o600); err != nil {
			return nil, err
		}
		return privKey, nil
	case err != nil:
		return nil, err
	}
	return libp2pcrypto.UnmarshalPrivateKey(keyBytes)
}
