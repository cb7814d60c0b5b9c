package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetSnapshot(ctx, "e1", []byte("one"), time.Minute))

	got, err := c.GetSnapshot(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	// Missing key is not an error.
	got, err = c.GetSnapshot(ctx, "e2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotLastWriterWins(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetSnapshot(ctx, "e1", []byte("one"), time.Minute))
	require.NoError(t, c.SetSnapshot(ctx, "e1", []byte("two"), time.Minute))

	got, err := c.GetSnapshot(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestSnapshotExpiry(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetSnapshot(ctx, "e1", []byte("one"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	got, err := c.GetSnapshot(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotDelete(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetSnapshot(ctx, "e1", []byte("one"), time.Minute))
	require.NoError(t, c.DeleteSnapshot(ctx, "e1"))

	got, err := c.GetSnapshot(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotCopiesValue(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	buf := []byte("one")
	require.NoError(t, c.SetSnapshot(ctx, "e1", buf, time.Minute))
	buf[0] = 'X'

	got, err := c.GetSnapshot(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)
}
