package id

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNanoID(t *testing.T) {
	nanoID, err := ClassicNanoID(8)
	require.NoError(t, err)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		v := nanoID()
		require.Len(t, v, 8)
		seen[v] = struct{}{}
	}
	require.Greater(t, len(seen), 990)

	_, err = ClassicNanoID(1)
	require.Error(t, err)
	_, err = ClassicNanoID(256)
	require.Error(t, err)
}

func BenchmarkNanoID(b *testing.B) {
	nanoID, err := ClassicNanoID(8)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = nanoID()
	}
	b.ReportAllocs()
}
