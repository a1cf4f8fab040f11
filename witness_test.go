package witness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest(t *testing.T) {
	root := make([]byte, RootSize)
	root[0] = 0xaa

	d := Digest(42, root)
	require.Len(t, d, RootSize)
	assert.Equal(t, d, Digest(42, root), "digest must be deterministic")

	assert.NotEqual(t, d, Digest(43, root), "digest must bind the epoch")

	other := make([]byte, RootSize)
	other[0] = 0xbb
	assert.NotEqual(t, d, Digest(42, other), "digest must bind the root")
}
