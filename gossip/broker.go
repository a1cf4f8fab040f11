// Package gossip moves witness messages between quorum members. Proofs,
// shares and commits ride a single pubsub topic scoped to the network ID,
// while committed records are served point to point over a plain stream
// protocol for members catching up.
package gossip

import (
	"context"
	"errors"
	"log/slog"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/keyfold/witness"
	"github.com/keyfold/witness/engine"
	"github.com/keyfold/witness/quorum"
)

const validateTimeout = time.Second

// RecordSource serves locally known epoch outcomes to peers.
// [witness.ErrNotFound] means this member has nothing durable for the epoch.
type RecordSource interface {
	Record(ctx context.Context, epoch uint64) (*witness.Record, error)
}

var _ witness.Broker = (*Broker)(nil)

// Broker gossips witness messages over pubsub and answers record requests.
type Broker struct {
	networkID witness.NetworkID

	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	members *quorum.Members
	handler witness.Handler
	source  RecordSource

	protocolID protocol.ID

	log *slog.Logger
}

// Option configures a [Broker].
type Option func(*Broker)

// WithLogger sets the logger the broker logs through.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) {
		b.log = log
	}
}

// New instantiates a new gossiping [Broker] for the given network.
func New(networkID witness.NetworkID, host host.Host, ps *pubsub.PubSub, members *quorum.Members, opts ...Option) *Broker {
	b := &Broker{
		networkID:  networkID,
		host:       host,
		pubsub:     ps,
		members:    members,
		protocolID: recordProtocolID,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("module", "gossip")
	return b
}

// Start joins the topic and begins delivering messages to the handler and
// serving records from the source.
func (b *Broker) Start(handler witness.Handler, source RecordSource) (err error) {
	if handler == nil || source == nil {
		return errors.New("gossip: handler and record source must be set")
	}
	b.handler = handler
	b.source = source

	b.topic, err = b.pubsub.Join(b.networkID.String())
	if err != nil {
		return err
	}

	// pubsub forces us to create at least one subscription
	b.sub, err = b.topic.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		for {
			_, err := b.sub.Next(context.Background())
			if err != nil {
				return
			}
		}
	}()

	err = b.pubsub.RegisterTopicValidator(
		b.networkID.String(),
		b.deliverGossip,
		pubsub.WithValidatorTimeout(validateTimeout),
	)
	if err != nil {
		return err
	}

	b.host.SetStreamHandler(b.protocolID, b.handleRecordStream)
	return nil
}

// Stop leaves the topic. Safe to call after a failed [Broker.Start].
func (b *Broker) Stop(context.Context) (err error) {
	b.host.RemoveStreamHandler(b.protocolID)
	if b.sub != nil {
		b.sub.Cancel()
	}
	if b.topic != nil {
		err = errors.Join(err, b.topic.Close())
		err = errors.Join(err, b.pubsub.UnregisterTopicValidator(b.networkID.String()))
	}
	return err
}

// Broadcast publishes a message to every member of the network.
func (b *Broker) Broadcast(ctx context.Context, msg witness.Message) error {
	data, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	return b.topic.Publish(ctx, data)
}

// deliverGossip delivers a pubsub message to the handler and reports its
// validity, which decides whether the message propagates further.
func (b *Broker) deliverGossip(ctx context.Context, from peer.ID, gossip *pubsub.Message) (res pubsub.ValidationResult) {
	defer func() {
		// recover from potential panics caused by network gossips
		if err := recover(); err != nil {
			b.log.ErrorContext(ctx, "deliver gossip panic", "err", err)
			res = pubsub.ValidationReject
		}
	}()

	// our own messages were accepted on the way out
	if from == b.host.ID() || gossip.GetFrom() == b.host.ID() {
		return pubsub.ValidationAccept
	}

	msg, err := unmarshalMessage(gossip.Data)
	if err != nil {
		b.log.ErrorContext(ctx, "unmarshalling gossip data", "err", err)
		return pubsub.ValidationReject
	}

	switch m := msg.(type) {
	case *witness.Proof:
		err = b.handler.HandleProof(ctx, m)
	case *witness.Share:
		err = b.handler.HandleShare(ctx, m)
	case *witness.Commit:
		err = b.handler.HandleCommit(ctx, m)
	}

	switch {
	case err == nil:
		return pubsub.ValidationAccept
	case errors.Is(err, engine.ErrStaleEpoch),
		errors.Is(err, engine.ErrAheadOfWindow),
		errors.Is(err, quorum.ErrDuplicateShare):
		// nothing for us in it, but nothing wrong with it either
		b.log.DebugContext(ctx, "ignoring gossip", "err", err)
		return pubsub.ValidationIgnore
	default:
		b.log.WarnContext(ctx, "rejecting gossip", "err", err)
		return pubsub.ValidationReject
	}
}
