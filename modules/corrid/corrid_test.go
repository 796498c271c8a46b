package corrid_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msgkit/msgkit/modules/corrid"
)

func TestSequenceUnique(t *testing.T) {
	gen := corrid.NewSequence()

	const goroutines, perGoroutine = 10, 100

	var mu sync.Mutex
	seen := make(map[string]bool, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				id := gen.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, goroutines*perGoroutine)
}

func TestSequenceFormat(t *testing.T) {
	gen := corrid.NewSequence()

	first := gen.Next()
	second := gen.Next()

	prefix, _, ok := strings.Cut(first, "-")
	require.True(t, ok)
	require.Len(t, prefix, 8)
	require.True(t, strings.HasPrefix(second, prefix+"-"),
		"ids of one generator share the prefix")
	require.NotEqual(t, first, second)
}

func TestSequenceDistinctGenerators(t *testing.T) {
	a, b := corrid.NewSequence(), corrid.NewSequence()
	require.NotEqual(t, a.Next(), b.Next(),
		"distinct generators must not issue colliding ids")
}

func TestRandomUnique(t *testing.T) {
	var gen corrid.Random
	seen := make(map[string]bool, 100)
	for range 100 {
		seen[gen.Next()] = true
	}
	require.Len(t, seen, 100)
}
