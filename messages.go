package witness

// Message is a payload exchanged between quorum participants. It is a closed
// set: *Proof, *Share and *Commit.
type Message interface {
	message()
}

// Proof claims an epoch transition of the directory and carries the evidence
// for it. Updates are the digests of the leaf batches appended during the
// epoch; folding the chain digest from PrevRoot over Updates must reproduce
// NewRoot for the transition to be valid.
//
// A Proof is untrusted input until a local verifier accepts it.
type Proof struct {
	Epoch    uint64
	PrevRoot []byte
	NewRoot  []byte
	Updates  [][]byte
}

func (*Proof) message() {}

// Share is a single member's partial signature over the commit digest of an
// epoch. Root is the root hash the member verified locally, binding the share
// to a concrete transition rather than just an epoch number. Index is the
// member's share index within the quorum polynomial.
//
// A Share is immutable once received.
type Share struct {
	Member string
	Epoch  uint64
	Index  int
	Root   []byte
	Body   []byte
}

func (*Share) message() {}

// Commit announces an aggregated quorum signature over an epoch's root.
// It is self-contained: validity is checked against the quorum public key
// alone, with no knowledge of which t members contributed.
type Commit struct {
	Epoch     uint64
	Root      []byte
	Signature []byte
}

func (*Commit) message() {}
