package epoch

import (
	"github.com/keyfold/witness"
)

// defines types of state machine operations
type stateOpKind uint8

const (
	proofOp stateOpKind = iota
	shareOp
	parentOp
	expireOp
	committedOp
)

// stateOp defines operations on the [Epoch] state machine
type stateOp struct {
	kind   stateOpKind
	doneCh chan error

	// request data:
	proof *witness.Proof // proofOp
	share *witness.Share // shareOp
	root  []byte         // parentOp
	err   error          // committedOp

	// response data:
	res error
}

func newStateOp(kind stateOpKind) *stateOp {
	return &stateOp{kind: kind, doneCh: make(chan error, 1)}
}

// SetError sets the result on the operation and notifies that it has been done.
func (op *stateOp) SetError(err error) {
	op.res = err
	op.doneCh <- err
}
