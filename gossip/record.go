package gossip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/keyfold/witness"
	"github.com/keyfold/witness/quorum"
)

var recordProtocolID = protocol.ID("/witness/record/v1")

const serveRecordTimeout = 10 * time.Second

type recordRequest struct {
	Epoch uint64
}

type recordResponse struct {
	Found  bool
	Record *witness.Record
}

// Record requests the durable outcome of an epoch from one member.
// It returns [witness.ErrNotFound] when the member has nothing for it.
func (b *Broker) Record(ctx context.Context, member string, epoch uint64) (*witness.Record, error) {
	m, ok := b.members.ByID(member)
	if !ok {
		return nil, fmt.Errorf("%w: %q", quorum.ErrUnknownMember, member)
	}
	pid, err := peer.Decode(m.Peer)
	if err != nil {
		return nil, fmt.Errorf("member %q peer id: %w", member, err)
	}

	stream, err := b.host.NewStream(ctx, pid, b.protocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	// set stream deadline from the context deadline.
	// if it is empty, the server side timeout bounds the exchange.
	if dl, ok := ctx.Deadline(); ok {
		if err = stream.SetDeadline(dl); err != nil {
			b.log.WarnContext(ctx, "error setting deadline", "err", err)
		}
	}

	req, err := encMode.Marshal(recordRequest{Epoch: epoch})
	if err != nil {
		return nil, err
	}
	if _, err = stream.Write(req); err != nil {
		return nil, fmt.Errorf("writing record request: %w", err)
	}
	if err = stream.CloseWrite(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("reading record response: %w", err)
	}
	var resp recordResponse
	if err = cbor.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding record response: %w", err)
	}
	if !resp.Found || resp.Record == nil {
		return nil, witness.ErrNotFound
	}
	return resp.Record, nil
}

func (b *Broker) handleRecordStream(stream network.Stream) {
	if err := b.serveRecord(stream); err != nil {
		b.log.Error("serving record", "err", err)
		stream.Reset()
	}
}

func (b *Broker) serveRecord(stream network.Stream) error {
	if err := stream.SetDeadline(time.Now().Add(serveRecordTimeout)); err != nil {
		b.log.Warn("error setting deadline", "err", err)
	}

	data, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("reading record request: %w", err)
	}
	var req recordRequest
	if err = cbor.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decoding record request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), serveRecordTimeout)
	defer cancel()

	var resp recordResponse
	rec, err := b.source.Record(ctx, req.Epoch)
	switch {
	case err == nil:
		resp.Found, resp.Record = true, rec
	case errors.Is(err, witness.ErrNotFound):
	default:
		return fmt.Errorf("looking up epoch %d: %w", req.Epoch, err)
	}

	out, err := encMode.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err = stream.Write(out); err != nil {
		return fmt.Errorf("writing record response: %w", err)
	}
	// closing tells the other side we are done
	return stream.Close()
}
