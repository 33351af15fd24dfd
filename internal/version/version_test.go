package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPinnedVersionMonotonic(t *testing.T) {
	r := NewRegistry()
	v1 := r.NewPinnedVersion()
	v2 := r.NewPinnedVersion()
	assert.Greater(t, v2, v1)
	r.Unpin(v1)
	r.Unpin(v2)
}

func TestOldestPinnedTracksMinimum(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, r.Current(), r.OldestPinned())

	v1 := r.NewPinnedVersion()
	v2 := r.NewPinnedVersion()
	require.Equal(t, v1, r.OldestPinned())

	r.Unpin(v1)
	assert.Equal(t, v2, r.OldestPinned())

	r.Unpin(v2)
	assert.Equal(t, r.Current(), r.OldestPinned())
}

func TestPinUnpinRefCounts(t *testing.T) {
	r := NewRegistry()
	v := r.NewPinnedVersion()
	r.Pin(v) // two holders of the same version now
	r.Unpin(v)
	assert.Equal(t, v, r.OldestPinned(), "still pinned once")
	r.Unpin(v)
	assert.Equal(t, r.Current(), r.OldestPinned())
}

func TestUnpinUnknownVersionIsNoop(t *testing.T) {
	r := NewRegistry()
	require.NotPanics(t, func() { r.Unpin(999) })
}

func TestPackageLevelSingleton(t *testing.T) {
	before := Current()
	v := NewPinnedVersion()
	assert.Greater(t, v, before)
	Unpin(v)
}
