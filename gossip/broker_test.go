package gossip

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/witness"
	"github.com/keyfold/witness/engine"
	"github.com/keyfold/witness/quorum"
)

var testNetworkID witness.NetworkID = "test"

type fakeHandler struct {
	mu      sync.Mutex
	proofs  []*witness.Proof
	shares  []*witness.Share
	commits []*witness.Commit
	verdict func(witness.Message) error
}

func (h *fakeHandler) judge(msg witness.Message) error {
	if h.verdict != nil {
		return h.verdict(msg)
	}
	return nil
}

func (h *fakeHandler) HandleProof(_ context.Context, proof *witness.Proof) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.judge(proof); err != nil {
		return err
	}
	h.proofs = append(h.proofs, proof)
	return nil
}

func (h *fakeHandler) HandleShare(_ context.Context, share *witness.Share) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.judge(share); err != nil {
		return err
	}
	h.shares = append(h.shares, share)
	return nil
}

func (h *fakeHandler) HandleCommit(_ context.Context, commit *witness.Commit) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.judge(commit); err != nil {
		return err
	}
	h.commits = append(h.commits, commit)
	return nil
}

func (h *fakeHandler) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.proofs), len(h.shares), len(h.commits)
}

type fakeSource struct {
	mu      sync.Mutex
	records map[uint64]*witness.Record
}

func newFakeSource() *fakeSource {
	return &fakeSource{records: make(map[uint64]*witness.Record)}
}

func (s *fakeSource) Record(_ context.Context, num uint64) (*witness.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[num]; ok {
		return rec, nil
	}
	return nil, witness.ErrNotFound
}

func membership(t *testing.T, hosts []host.Host) *quorum.Members {
	t.Helper()
	members := make([]quorum.Member, len(hosts))
	for i, h := range hosts {
		members[i] = quorum.Member{
			ID:    fmt.Sprintf("witness-%d", i),
			Index: i,
			Peer:  h.ID().String(),
		}
	}
	ms, err := quorum.NewMembers(2, members)
	require.NoError(t, err)
	return ms
}

func brokerFor(t *testing.T, h host.Host, ms *quorum.Members) *Broker {
	t.Helper()
	psub, err := pubsub.NewGossipSub(context.Background(), h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithMessageIdFn(MessageID))
	require.NoError(t, err)
	return New(testNetworkID, h, psub, ms)
}

func connect(ctx context.Context, t *testing.T, net mocknet.Mocknet) {
	t.Helper()
	hs := net.Hosts()
	subs := make([]event.Subscription, len(hs))
	for i, h := range hs {
		subs[i], _ = h.EventBus().Subscribe(&event.EvtPeerIdentificationCompleted{})
	}

	err := net.ConnectAllButSelf()
	require.NoError(t, err)

	for _, sub := range subs {
		select {
		case <-sub.Out():
		case <-ctx.Done():
			require.Fail(t, "timeout waiting for peers to connect")
		}
	}
}

func testProof() *witness.Proof {
	update := bytes.Repeat([]byte{0x11}, witness.RootSize)
	return &witness.Proof{
		Epoch:    1,
		PrevRoot: bytes.Repeat([]byte{0x01}, witness.RootSize),
		NewRoot:  bytes.Repeat([]byte{0x02}, witness.RootSize),
		Updates:  [][]byte{update},
	}
}

func TestBrokerGossip(t *testing.T) {
	const nodeCount = 3

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshLinked(nodeCount)
	require.NoError(t, err)

	ms := membership(t, net.Hosts())
	brokers := make([]*Broker, nodeCount)
	handlers := make([]*fakeHandler, nodeCount)
	for i, h := range net.Hosts() {
		brokers[i] = brokerFor(t, h, ms)
		handlers[i] = &fakeHandler{}
	}

	connect(ctx, t, net)
	for i, bro := range brokers {
		require.NoError(t, bro.Start(handlers[i], newFakeSource()))
		t.Cleanup(func() { _ = bro.Stop(ctx) })
	}

	proof := testProof()
	share := &witness.Share{Member: "witness-0", Epoch: 1, Index: 0, Root: proof.NewRoot, Body: []byte("sig")}
	commit := &witness.Commit{Epoch: 1, Root: proof.NewRoot, Signature: []byte("agg")}

	require.NoError(t, brokers[0].Broadcast(ctx, proof))
	require.NoError(t, brokers[0].Broadcast(ctx, share))
	require.NoError(t, brokers[0].Broadcast(ctx, commit))

	for i := 1; i < nodeCount; i++ {
		i := i
		require.Eventually(t, func() bool {
			proofs, shares, commits := handlers[i].counts()
			return proofs == 1 && shares == 1 && commits == 1
		}, 5*time.Second, 10*time.Millisecond, "node %d", i)
	}

	handlers[1].mu.Lock()
	assert.Equal(t, proof, handlers[1].proofs[0])
	assert.Equal(t, share, handlers[1].shares[0])
	assert.Equal(t, commit, handlers[1].commits[0])
	handlers[1].mu.Unlock()

	// the publisher does not deliver its own messages to itself
	proofs, shares, commits := handlers[0].counts()
	assert.Zero(t, proofs+shares+commits)
}

func TestBrokerRecord(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)

	ms := membership(t, net.Hosts())
	served := &witness.Record{
		Epoch:     7,
		Root:      bytes.Repeat([]byte{0x07}, witness.RootSize),
		Signature: []byte("agg"),
		Status:    witness.StatusCommitted,
	}
	source := newFakeSource()
	source.records[served.Epoch] = served

	asker := brokerFor(t, net.Hosts()[0], ms)
	server := brokerFor(t, net.Hosts()[1], ms)
	require.NoError(t, asker.Start(&fakeHandler{}, newFakeSource()))
	require.NoError(t, server.Start(&fakeHandler{}, source))
	t.Cleanup(func() {
		_ = asker.Stop(ctx)
		_ = server.Stop(ctx)
	})

	rec, err := asker.Record(ctx, "witness-1", 7)
	require.NoError(t, err)
	assert.Equal(t, served, rec)

	_, err = asker.Record(ctx, "witness-1", 8)
	assert.ErrorIs(t, err, witness.ErrNotFound)

	_, err = asker.Record(ctx, "nobody", 7)
	assert.ErrorIs(t, err, quorum.ErrUnknownMember)
}

func TestDeliverGossipVerdicts(t *testing.T) {
	ctx := context.Background()
	net := mocknet.New()
	h, err := net.GenPeer()
	require.NoError(t, err)

	handler := &fakeHandler{}
	bro := New(testNetworkID, h, nil, membership(t, []host.Host{h}))
	bro.handler = handler

	remote := peer.ID("remote-peer")
	deliver := func(data []byte) pubsub.ValidationResult {
		return bro.deliverGossip(ctx, remote, &pubsub.Message{Message: &pb.Message{Data: data}})
	}
	encoded := func(msg witness.Message) []byte {
		data, err := marshalMessage(msg)
		require.NoError(t, err)
		return data
	}

	proof := testProof()
	assert.Equal(t, pubsub.ValidationAccept, deliver(encoded(proof)))

	// garbage and unknown codes never propagate
	assert.Equal(t, pubsub.ValidationReject, deliver([]byte{0xff, 0x01, 0x02}))
	assert.Equal(t, pubsub.ValidationReject, deliver([]byte{codeProof}))
	assert.Equal(t, pubsub.ValidationReject, deliver([]byte{codeProof, 0xde, 0xad}))

	// handler verdicts decide propagation of well-formed messages
	verdicts := []struct {
		err  error
		want pubsub.ValidationResult
	}{
		{nil, pubsub.ValidationAccept},
		{engine.ErrStaleEpoch, pubsub.ValidationIgnore},
		{engine.ErrAheadOfWindow, pubsub.ValidationIgnore},
		{quorum.ErrDuplicateShare, pubsub.ValidationIgnore},
		{quorum.ErrInvalidShare, pubsub.ValidationReject},
		{quorum.ErrUnknownMember, pubsub.ValidationReject},
	}
	for _, v := range verdicts {
		v := v
		handler.verdict = func(witness.Message) error { return v.err }
		assert.Equal(t, v.want, deliver(encoded(proof)), "verdict %v", v.err)
	}

	// messages from ourselves pass through without a second judgement
	handler.verdict = func(witness.Message) error { return quorum.ErrInvalidShare }
	res := bro.deliverGossip(ctx, h.ID(), &pubsub.Message{Message: &pb.Message{Data: []byte("junk")}})
	assert.Equal(t, pubsub.ValidationAccept, res)
}

func TestEnvelopeCodec(t *testing.T) {
	proof := testProof()
	share := &witness.Share{Member: "witness-3", Epoch: 2, Index: 3, Root: proof.NewRoot, Body: []byte("sig")}
	commit := &witness.Commit{Epoch: 2, Root: proof.NewRoot, Signature: []byte("agg")}

	codes := map[byte]witness.Message{
		codeProof:  proof,
		codeShare:  share,
		codeCommit: commit,
	}
	for code, msg := range codes {
		data, err := marshalMessage(msg)
		require.NoError(t, err)
		assert.Equal(t, code, data[0])

		got, err := unmarshalMessage(data)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}

	_, err := unmarshalMessage(nil)
	assert.Error(t, err)
	_, err = unmarshalMessage([]byte{0x7f, 0x00})
	assert.Error(t, err)
}
