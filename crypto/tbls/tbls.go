// Package tbls implements the quorum signing scheme with threshold BLS over
// the BN256 pairing, keys on G2 and signatures on G1.
package tbls

import (
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	ktbls "go.dedis.ch/kyber/v3/sign/tbls"

	"github.com/keyfold/witness/crypto"
)

type Scheme struct {
	suite *bn256.Suite
	pub   *share.PubPoly
	priv  *share.PriShare
	t, n  int
}

// NewScheme builds a scheme from the shared quorum key and an optional secret
// share. A nil share yields a follower scheme that verifies and combines but
// cannot sign.
func NewScheme(key *QuorumKey, sec *SecretShare) (*Scheme, error) {
	if key == nil {
		return nil, errors.New("tbls: nil quorum key")
	}
	suite := bn256.NewSuite()

	pub, err := key.pubPoly(suite)
	if err != nil {
		return nil, fmt.Errorf("tbls: decoding quorum key: %w", err)
	}

	var priv *share.PriShare
	if sec != nil {
		priv, err = sec.priShare(suite)
		if err != nil {
			return nil, fmt.Errorf("tbls: decoding secret share: %w", err)
		}
		if priv.I < 0 || priv.I >= key.N {
			return nil, fmt.Errorf("tbls: secret share index %d outside quorum of %d", priv.I, key.N)
		}
	}

	return &Scheme{
		suite: suite,
		pub:   pub,
		priv:  priv,
		t:     key.T,
		n:     key.N,
	}, nil
}

func (s *Scheme) SignShare(msg []byte) ([]byte, error) {
	if s.priv == nil {
		return nil, crypto.ErrNoSecretShare
	}
	return ktbls.Sign(s.suite, s.priv, msg)
}

func (s *Scheme) VerifyShare(index int, msg []byte, sig []byte) error {
	i, err := ktbls.SigShare(sig).Index()
	if err != nil {
		return fmt.Errorf("malformed signature share: %w", err)
	}
	if i != index {
		return fmt.Errorf("signature share carries index %d, expected %d", i, index)
	}
	return ktbls.Verify(s.suite, s.pub, msg, sig)
}

func (s *Scheme) Combine(msg []byte, sigs [][]byte) ([]byte, error) {
	return ktbls.Recover(s.suite, s.pub, msg, sigs, s.t, s.n)
}

func (s *Scheme) VerifyAggregate(msg []byte, sig []byte) error {
	return bls.Verify(s.suite, s.pub.Commit(), msg, sig)
}

func (s *Scheme) Index() int {
	if s.priv == nil {
		return -1
	}
	return s.priv.I
}

func (s *Scheme) Threshold() int {
	return s.t
}

func (s *Scheme) Participants() int {
	return s.n
}
