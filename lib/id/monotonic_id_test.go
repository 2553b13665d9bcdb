package id

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMonotonicNonZeroID(t *testing.T) {
	gen, err := MonotonicNonZeroID()
	require.NoError(t, err)
	prev := uint64(0)
	for i := 0; i < 1000; i++ {
		n := gen.Number()
		require.Greater(t, n, prev)
		prev = n
	}
	s := gen.Str()
	n, err := strconv.ParseUint(s, 10, 64)
	require.NoError(t, err)
	require.Equal(t, prev+1, n)
}

func TestMonotonicNonZeroID_Concurrent(t *testing.T) {
	gen, err := MonotonicNonZeroID()
	require.NoError(t, err)

	const workers, perWorker = 8, 500
	var (
		wg   sync.WaitGroup
		lock sync.Mutex
		seen = make(map[uint64]struct{}, workers*perWorker)
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, gen.Number())
			}
			lock.Lock()
			for _, v := range local {
				seen[v] = struct{}{}
			}
			lock.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*perWorker)
	_, hasZero := seen[0]
	require.False(t, hasZero)
}

func TestMonotonicNonZeroID_Overflow(t *testing.T) {
	src := &monotonicNonZeroID{val: ^uint64(0)}
	require.Equal(t, uint64(1), src.next())
}
