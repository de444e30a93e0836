package latch

import (
	"testing"

	"github.com/erigontech/teseo/terrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlockBumpsVersion(t *testing.T) {
	l := New()
	v0, err := l.ReadVersion()
	require.NoError(t, err)

	require.NoError(t, l.Lock())
	l.Unlock()

	v1, err := l.ReadVersion()
	require.NoError(t, err)
	assert.NotEqual(t, v0, v1)
}

func TestValidateVersionAbortsOnConcurrentWrite(t *testing.T) {
	l := New()
	v, err := l.ReadVersion()
	require.NoError(t, err)

	require.NoError(t, l.Lock())
	l.Unlock()

	assert.ErrorIs(t, l.ValidateVersion(v), terrors.Abort)
}

func TestPhantomLockDoesNotBumpVersion(t *testing.T) {
	l := New()
	v0, err := l.ReadVersion()
	require.NoError(t, err)

	require.NoError(t, l.PhantomLock())
	l.PhantomUnlock()

	v1, err := l.ReadVersion()
	require.NoError(t, err)
	assert.Equal(t, v0, v1)
}

func TestInvalidateFailsAllSubsequentOps(t *testing.T) {
	l := New()
	l.Invalidate()

	assert.True(t, l.IsInvalid())
	_, err := l.ReadVersion()
	assert.ErrorIs(t, err, terrors.Abort)
	assert.ErrorIs(t, l.Lock(), terrors.Abort)
}

func TestSetPayloadRoundTrip(t *testing.T) {
	l := New()
	require.NoError(t, l.Lock())
	l.SetPayload(true)
	l.Unlock()

	assert.True(t, l.Payload())
}

func TestOptimisticAbortsOnConcurrentMutationAndRetrySucceeds(t *testing.T) {
	l := New()
	var reads int
	result, err := Optimistic(l, func() (int, error) {
		reads++
		if reads == 1 {
			// Simulate a writer sneaking in between version snapshot and
			// validation by mutating the latch from within the read.
			require.NoError(t, l.Lock())
			l.Unlock()
		}
		return 42, nil
	})
	assert.ErrorIs(t, err, terrors.Abort)
	assert.Equal(t, 0, result)

	got, err := Retry(func() (int, error) {
		return Optimistic(l, func() (int, error) { return 7, nil })
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}
