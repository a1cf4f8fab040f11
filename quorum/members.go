// Package quorum tracks the witness membership and aggregates signature
// shares from its members into epoch commits.
package quorum

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrBadQuorumConfig is returned for membership documents a node must refuse
// to start with.
var ErrBadQuorumConfig = errors.New("quorum: invalid membership")

// Member pairs a witness identity with its share index in the quorum
// polynomial. Peer optionally carries the member's reachable address for
// direct record fetches.
type Member struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Peer  string `json:"peer,omitempty"`
}

// Members is the immutable signing set of one quorum. Share indices are
// contiguous from zero, one per member, fixed for the lifetime of the quorum
// key.
type Members struct {
	t       int
	ordered []Member
	byID    map[string]int
}

// NewMembers validates the membership and freezes it. Every share index in
// 0..n-1 must be claimed by exactly one member.
func NewMembers(t int, members []Member) (*Members, error) {
	n := len(members)
	if n == 0 {
		return nil, fmt.Errorf("%w: no members", ErrBadQuorumConfig)
	}
	if t < 1 || t > n {
		return nil, fmt.Errorf("%w: threshold %d of %d members", ErrBadQuorumConfig, t, n)
	}

	ordered := make([]Member, n)
	byID := make(map[string]int, n)
	seen := make([]bool, n)
	for _, m := range members {
		if m.ID == "" {
			return nil, fmt.Errorf("%w: member with empty id", ErrBadQuorumConfig)
		}
		if m.Index < 0 || m.Index >= n {
			return nil, fmt.Errorf("%w: member %q claims share index %d outside 0..%d",
				ErrBadQuorumConfig, m.ID, m.Index, n-1)
		}
		if seen[m.Index] {
			return nil, fmt.Errorf("%w: share index %d claimed twice", ErrBadQuorumConfig, m.Index)
		}
		if _, ok := byID[m.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate member id %q", ErrBadQuorumConfig, m.ID)
		}
		seen[m.Index] = true
		byID[m.ID] = m.Index
		ordered[m.Index] = m
	}

	return &Members{t: t, ordered: ordered, byID: byID}, nil
}

// LoadMembers reads a JSON membership document, an array of members, and
// validates it against the threshold.
func LoadMembers(path string, t int) (*Members, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var members []Member
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %s", ErrBadQuorumConfig, path, err)
	}
	return NewMembers(t, members)
}

// Len reports n, the total number of members.
func (m *Members) Len() int {
	return len(m.ordered)
}

// Threshold reports t, the number of distinct shares a commit requires.
func (m *Members) Threshold() int {
	return m.t
}

// ByID resolves a member by identity.
func (m *Members) ByID(id string) (Member, bool) {
	i, ok := m.byID[id]
	if !ok {
		return Member{}, false
	}
	return m.ordered[i], true
}

// ByIndex resolves a member by share index.
func (m *Members) ByIndex(i int) (Member, bool) {
	if i < 0 || i >= len(m.ordered) {
		return Member{}, false
	}
	return m.ordered[i], true
}

// List returns the members ordered by share index.
func (m *Members) List() []Member {
	out := make([]Member, len(m.ordered))
	copy(out, m.ordered)
	return out
}
