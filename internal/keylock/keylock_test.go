package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New()
	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		guard   sync.Mutex
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("market-1")
			guard.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			guard.Unlock()

			guard.Lock()
			inside--
			guard.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, m.Len(), "entries are dropped once released")
}

func TestTryLock(t *testing.T) {
	m := New()
	unlock, ok := m.TryLock("a")
	require.True(t, ok)

	_, ok = m.TryLock("a")
	assert.False(t, ok)

	other, ok := m.TryLock("b")
	require.True(t, ok)
	other()

	unlock()
	again, ok := m.TryLock("a")
	require.True(t, ok)
	again()
}
