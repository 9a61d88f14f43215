package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeBackoffDoublesUntilCap(t *testing.T) {
	min := 500 * time.Millisecond
	max := 30 * time.Second

	require.Equal(t, 500*time.Millisecond, ComputeBackoff(1, min, max))
	require.Equal(t, time.Second, ComputeBackoff(2, min, max))
	require.Equal(t, 2*time.Second, ComputeBackoff(3, min, max))
	require.Equal(t, 4*time.Second, ComputeBackoff(4, min, max))
	require.Equal(t, max, ComputeBackoff(7, min, max)) // 500ms*2^6=32s, capped at 30s
}

func TestAtBackoffCapOnlyOnceCapped(t *testing.T) {
	min := 500 * time.Millisecond
	max := 4 * time.Second

	require.False(t, AtBackoffCap(1, min, max))
	require.False(t, AtBackoffCap(2, min, max))
	require.True(t, AtBackoffCap(4, min, max)) // 500ms*2^3=4s == max
	require.True(t, AtBackoffCap(5, min, max))
}
