package gossip

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"

	"github.com/keyfold/witness"
)

// Wire codes prefixing every gossiped envelope.
const (
	codeProof  byte = 0x01
	codeShare  byte = 0x02
	codeCommit byte = 0x03
)

// MessageID derives pubsub message identity from the payload alone. Witness
// messages authenticate themselves, so pubsub runs unsigned and identical
// envelopes dedup no matter which member relayed them.
func MessageID(pmsg *pb.Message) string {
	hash := sha256.Sum256(pmsg.GetData())
	return string(hash[:])
}

// encMode encodes canonically so that identical messages gossiped by
// different members dedup to one pubsub message.
var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("cbor encoding mode: %w", err))
	}
	return em
}()

func marshalMessage(msg witness.Message) ([]byte, error) {
	var code byte
	switch msg.(type) {
	case *witness.Proof:
		code = codeProof
	case *witness.Share:
		code = codeShare
	case *witness.Commit:
		code = codeCommit
	default:
		return nil, fmt.Errorf("unexpected message type %T", msg)
	}

	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", msg, err)
	}
	return append([]byte{code}, data...), nil
}

func unmarshalMessage(data []byte) (witness.Message, error) {
	if len(data) < 2 {
		return nil, errors.New("envelope too short")
	}

	var msg witness.Message
	switch data[0] {
	case codeProof:
		msg = &witness.Proof{}
	case codeShare:
		msg = &witness.Share{}
	case codeCommit:
		msg = &witness.Commit{}
	default:
		return nil, fmt.Errorf("unknown message code %#x", data[0])
	}

	if err := cbor.Unmarshal(data[1:], msg); err != nil {
		return nil, fmt.Errorf("decoding message %#x: %w", data[0], err)
	}
	return msg, nil
}
