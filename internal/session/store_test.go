package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLazyCreate(t *testing.T) {
	t.Parallel()

	s := NewStore(DefaultCaps())
	_, ok := s.Get("s-1")
	assert.False(t, ok, "no window before first append")

	w := s.GetOrCreate("s-1")
	require.NotNil(t, w)
	assert.Same(t, w, s.GetOrCreate("s-1"), "same window on repeat access")
	assert.Equal(t, 1, s.Len())
}

func TestStoreSessionIsolation(t *testing.T) {
	t.Parallel()

	s := NewStore(DefaultCaps())
	s.GetOrCreate("s-1").AddVisual(Observation{Kind: KindVisual, Timestamp: 1})
	s.GetOrCreate("s-2").AddVisual(Observation{Kind: KindVisual, Timestamp: 2})

	one, _ := s.Get("s-1")
	two, _ := s.Get("s-2")
	require.Len(t, one.Snapshot().Visual, 1)
	require.Len(t, two.Snapshot().Visual, 1)
	assert.Equal(t, int64(1), one.Snapshot().Visual[0].Timestamp)
	assert.Equal(t, int64(2), two.Snapshot().Visual[0].Timestamp)
}

func TestStoreDiscardIdempotent(t *testing.T) {
	t.Parallel()

	s := NewStore(DefaultCaps())
	s.GetOrCreate("s-1").AddAcoustic(Observation{Kind: KindAcoustic})

	s.Discard("s-1")
	_, ok := s.Get("s-1")
	assert.False(t, ok)

	s.Discard("s-1")
	s.Discard("never-existed")
	assert.Equal(t, 0, s.Len())

	// A discarded session starts from scratch on the next append.
	fresh := s.GetOrCreate("s-1")
	assert.Empty(t, fresh.Snapshot().Acoustic)
}
