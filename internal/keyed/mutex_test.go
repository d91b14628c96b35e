package keyed_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bavix/nestbridge/internal/keyed"
)

func TestMutex_SerializesSameKey(t *testing.T) {
	t.Parallel()

	var (
		m       keyed.Mutex
		active  int32
		overlap int32
		wg      sync.WaitGroup
	)

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			m.Do("thermostat", func() {
				if atomic.AddInt32(&active, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				atomic.AddInt32(&active, -1)
			})
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(0), atomic.LoadInt32(&overlap))
}

func TestMutex_DifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	var m keyed.Mutex

	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})

	go func() {
		m.Do("b", func() {})
		close(done)
	}()

	<-done
}
