package service

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLocker(t *testing.T) {
	l := NewKeyedLocker()

	assert.True(t, l.TryLock("a"))
	assert.False(t, l.TryLock("a"))
	assert.True(t, l.TryLock("b"), "keys are independent")
	assert.Equal(t, 2, l.Held())

	l.Unlock("a")
	assert.True(t, l.TryLock("a"))
	l.Unlock("a")
	l.Unlock("b")
	l.Unlock("never-held")
	assert.Zero(t, l.Held())
}

func TestKeyedLocker_OneWinnerUnderContention(t *testing.T) {
	l := NewKeyedLocker()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryLock("job") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
