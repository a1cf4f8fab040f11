package tbls

import (
	"encoding/json"
	"fmt"
	"os"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
)

// QuorumKey is the public half of a dealt quorum key. Every member holds the
// same document; relying parties only need Commits[0], the quorum public key
// itself.
type QuorumKey struct {
	T       int      `json:"t"`
	N       int      `json:"n"`
	Commits [][]byte `json:"commits"`
}

// SecretShare is one member's private evaluation of the quorum polynomial.
// It never leaves the member's machine.
type SecretShare struct {
	Index int    `json:"index"`
	Share []byte `json:"share"`
}

// Deal samples a fresh quorum key and splits it into n secret shares, any t
// of which suffice to sign. The dealer learns the full secret, so for real
// quorums it must run once, on a trusted machine, and be wiped afterwards.
func Deal(t, n int) (*QuorumKey, []*SecretShare, error) {
	if t < 1 || t > n {
		return nil, nil, fmt.Errorf("tbls: invalid threshold %d of %d", t, n)
	}

	suite := bn256.NewSuite()
	secret := suite.G2().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())

	_, commits := pubPoly.Info()
	key := &QuorumKey{T: t, N: n, Commits: make([][]byte, len(commits))}
	for i, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, nil, fmt.Errorf("tbls: encoding commit %d: %w", i, err)
		}
		key.Commits[i] = b
	}

	priShares := priPoly.Shares(n)
	secs := make([]*SecretShare, n)
	for i, ps := range priShares {
		b, err := ps.V.MarshalBinary()
		if err != nil {
			return nil, nil, fmt.Errorf("tbls: encoding share %d: %w", ps.I, err)
		}
		secs[i] = &SecretShare{Index: ps.I, Share: b}
	}
	return key, secs, nil
}

// PublicKey returns the quorum public key, the constant term of the
// committed polynomial.
func (k *QuorumKey) PublicKey() []byte {
	if len(k.Commits) == 0 {
		return nil
	}
	return k.Commits[0]
}

func (k *QuorumKey) pubPoly(suite *bn256.Suite) (*share.PubPoly, error) {
	if k.T < 1 || k.T > k.N || len(k.Commits) != k.T {
		return nil, fmt.Errorf("inconsistent quorum key: t=%d n=%d commits=%d", k.T, k.N, len(k.Commits))
	}
	commits := make([]kyber.Point, len(k.Commits))
	for i, b := range k.Commits {
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("commit %d: %w", i, err)
		}
		commits[i] = p
	}
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits), nil
}

func (s *SecretShare) priShare(suite *bn256.Suite) (*share.PriShare, error) {
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(s.Share); err != nil {
		return nil, err
	}
	return &share.PriShare{I: s.Index, V: v}, nil
}

func LoadQuorumKey(path string) (*QuorumKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var key QuorumKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("tbls: parsing quorum key %s: %w", path, err)
	}
	return &key, nil
}

func (k *QuorumKey) WriteFile(path string) error {
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func LoadSecretShare(path string) (*SecretShare, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sec SecretShare
	if err := json.Unmarshal(data, &sec); err != nil {
		return nil, fmt.Errorf("tbls: parsing secret share %s: %w", path, err)
	}
	return &sec, nil
}

func (s *SecretShare) WriteFile(path string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
