package tbls

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/witness/crypto"
)

func TestDealSignCombine(t *testing.T) {
	key, secs, err := Deal(3, 5)
	require.NoError(t, err)
	require.Len(t, secs, 5)

	schemes := make([]*Scheme, 5)
	for i, sec := range secs {
		schemes[i], err = NewScheme(key, sec)
		require.NoError(t, err)
		assert.Equal(t, i, schemes[i].Index())
		assert.Equal(t, 3, schemes[i].Threshold())
		assert.Equal(t, 5, schemes[i].Participants())
	}

	msg := []byte("epoch 7 root")
	sigs := make([][]byte, 5)
	for i, sch := range schemes {
		sigs[i], err = sch.SignShare(msg)
		require.NoError(t, err)
		require.NoError(t, schemes[0].VerifyShare(i, msg, sigs[i]))
	}

	agg, err := schemes[0].Combine(msg, sigs[:3])
	require.NoError(t, err)
	require.NoError(t, schemes[4].VerifyAggregate(msg, agg))

	// threshold BLS yields a unique signature, whichever t shares combine it
	agg2, err := schemes[1].Combine(msg, [][]byte{sigs[0], sigs[2], sigs[4]})
	require.NoError(t, err)
	assert.Equal(t, agg, agg2)

	assert.Error(t, schemes[0].VerifyAggregate([]byte("other root"), agg))
}

func TestCombineBelowThreshold(t *testing.T) {
	key, secs, err := Deal(3, 5)
	require.NoError(t, err)

	sch, err := NewScheme(key, secs[0])
	require.NoError(t, err)
	other, err := NewScheme(key, secs[1])
	require.NoError(t, err)

	msg := []byte("not enough")
	s0, err := sch.SignShare(msg)
	require.NoError(t, err)
	s1, err := other.SignShare(msg)
	require.NoError(t, err)

	_, err = sch.Combine(msg, [][]byte{s0, s1})
	assert.Error(t, err)
}

func TestSignShareDeterministic(t *testing.T) {
	key, secs, err := Deal(2, 3)
	require.NoError(t, err)

	sch, err := NewScheme(key, secs[2])
	require.NoError(t, err)

	msg := []byte("same digest twice")
	first, err := sch.SignShare(msg)
	require.NoError(t, err)
	second, err := sch.SignShare(msg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestVerifyShareIndexBinding(t *testing.T) {
	key, secs, err := Deal(2, 3)
	require.NoError(t, err)

	sch, err := NewScheme(key, secs[1])
	require.NoError(t, err)

	msg := []byte("bound to index 1")
	sig, err := sch.SignShare(msg)
	require.NoError(t, err)

	require.NoError(t, sch.VerifyShare(1, msg, sig))
	assert.Error(t, sch.VerifyShare(2, msg, sig), "share claimed under a foreign index must be rejected")

	tampered := append([]byte(nil), sig...)
	tampered[len(tampered)-1] ^= 0xff
	assert.Error(t, sch.VerifyShare(1, msg, tampered))
}

func TestFollowerScheme(t *testing.T) {
	key, secs, err := Deal(2, 3)
	require.NoError(t, err)

	follower, err := NewScheme(key, nil)
	require.NoError(t, err)
	assert.Equal(t, -1, follower.Index())

	_, err = follower.SignShare([]byte("nope"))
	assert.ErrorIs(t, err, crypto.ErrNoSecretShare)

	signer, err := NewScheme(key, secs[0])
	require.NoError(t, err)
	msg := []byte("followers still verify")
	sig, err := signer.SignShare(msg)
	require.NoError(t, err)
	require.NoError(t, follower.VerifyShare(0, msg, sig))
}

func TestKeyFilesRoundTrip(t *testing.T) {
	key, secs, err := Deal(2, 3)
	require.NoError(t, err)

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "quorum.json")
	secPath := filepath.Join(dir, "share.json")
	require.NoError(t, key.WriteFile(keyPath))
	require.NoError(t, secs[1].WriteFile(secPath))

	loadedKey, err := LoadQuorumKey(keyPath)
	require.NoError(t, err)
	assert.Equal(t, key, loadedKey)
	assert.NotEmpty(t, loadedKey.PublicKey())

	loadedSec, err := LoadSecretShare(secPath)
	require.NoError(t, err)
	assert.Equal(t, secs[1], loadedSec)

	sch, err := NewScheme(loadedKey, loadedSec)
	require.NoError(t, err)

	msg := []byte("after reload")
	sig, err := sch.SignShare(msg)
	require.NoError(t, err)
	require.NoError(t, sch.VerifyShare(1, msg, sig))
}
