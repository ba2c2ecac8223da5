package tick

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiffBoundaries(t *testing.T) {
	cases := []struct {
		a, b Tick
		want int16
	}{
		{0, 1, 1},
		{1, 0, -1},
		{65535, 0, 1},
		{0, 65535, -1},
		{0, 32767, 32767},
		{0, 32768, -32768},
		{10, 10, 0},
		{65530, 5, 11},
	}
	for _, tc := range cases {
		require.Equalf(t, tc.want, Diff(tc.a, tc.b), "Diff(%d, %d)", tc.a, tc.b)
	}
}

func TestDiffIsAntisymmetric(t *testing.T) {
	for a := 0; a <= math.MaxUint16; a += 251 {
		for b := 0; b <= math.MaxUint16; b += 499 {
			ta, tb := Tick(a), Tick(b)
			require.Equalf(t, Diff(ta, tb), -Diff(tb, ta), "a=%d b=%d", a, b)
		}
	}
}

func TestOrderingAcrossWrap(t *testing.T) {
	require.True(t, Tick(65535).Before(0))
	require.True(t, Tick(0).After(65535))
	require.False(t, Tick(3).Before(3))
	require.True(t, Tick(3).AtOrBefore(3))
	require.True(t, Tick(1).Between(65530, 4))
	require.False(t, Tick(5).Between(65530, 4))
	require.Equal(t, -1, Compare(65535, 0))
	require.Equal(t, 1, Compare(0, 65535))
	require.Equal(t, 0, Compare(42, 42))
}

func TestAddAndSub(t *testing.T) {
	require.Equal(t, Tick(2), Tick(65534).Add(4))
	require.Equal(t, Tick(65534), Tick(2).Add(-4))
	require.Equal(t, int16(4), Tick(2).Sub(65534))
	require.Equal(t, Tick(0), Tick(65535).Next())
}

func TestClockAdvanceWraps(t *testing.T) {
	clock := NewClock(65534)
	clock.AdvanceBy(3)
	require.Equal(t, Tick(1), clock.Now())

	clock.Set(100)
	require.Equal(t, Tick(100), clock.Now())

	var zero Clock
	zero.AdvanceBy(1)
	require.Equal(t, Tick(1), zero.Now())
}
