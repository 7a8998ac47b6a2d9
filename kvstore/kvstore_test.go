package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySaveAndLoadAll(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "chat/msg/1", []byte("a")))
	require.NoError(t, m.Save(ctx, "chat/msg/2", []byte("b")))
	require.NoError(t, m.Save(ctx, "session/1", []byte("c")))

	got, err := m.LoadAll(ctx, "chat/msg/")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got["chat/msg/1"])
	assert.Equal(t, []byte("b"), got["chat/msg/2"])

	all, err := m.LoadAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryOverwriteAndDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "k", []byte("v1")))
	require.NoError(t, m.Save(ctx, "k", []byte("v2")))

	got, err := m.LoadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got["k"])

	require.NoError(t, m.Delete(ctx, "k"))
	require.NoError(t, m.Delete(ctx, "k"), "deleting a missing key is not an error")

	got, err = m.LoadAll(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	in := []byte("original")
	require.NoError(t, m.Save(ctx, "k", in))
	in[0] = 'X'

	got, err := m.LoadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got["k"], "store must not alias caller buffers")

	got["k"][0] = 'Y'
	again, err := m.LoadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again["k"])
}
