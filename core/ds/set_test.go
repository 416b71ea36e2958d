package ds

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := NewSet("a", "b", "a")
	require.Equal(t, 2, s.Len())
	require.Equal(t, []string{"a", "b"}, s.Values())

	require.True(t, s.Add("c"))
	require.False(t, s.Add("a"))
	require.True(t, s.Contains("c"))

	oldest, ok := s.Oldest()
	require.True(t, ok)
	require.Equal(t, "a", oldest)

	require.True(t, s.Remove("a"))
	require.False(t, s.Remove("a"))
	require.Equal(t, []string{"b", "c"}, s.Values())

	oldest, _ = s.Oldest()
	require.Equal(t, "b", oldest)
	require.Equal(t, "[b c]", s.String())

	s.Clear()
	require.Equal(t, 0, s.Len())
	_, ok = s.Oldest()
	require.False(t, ok)
	require.True(t, s.Add("x"))
}

func TestSet_ValuesIsCopy(t *testing.T) {
	s := NewSet(1, 2, 3)
	v := s.Values()
	v[0] = 99
	require.Equal(t, []int{1, 2, 3}, s.Values())
}
