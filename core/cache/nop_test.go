package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNop(t *testing.T) {
	n := NewNop()
	n.Put("user/u-1", "val")
	val, ok := n.Get("user/u-1")
	require.False(t, ok)
	require.Nil(t, val)
	require.Equal(t, 0, n.Len())

	require.NotPanics(t, func() { n.Delete("user/u-1") })
}
