package runtime_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/dataflow/internal/runtime"
)

func TestBarrier(t *testing.T) {
	testReuse := func(parties, generations int) func(*testing.T) {
		return func(t *testing.T) {
			b := runtime.NewBarrier(parties)
			var arrived atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < parties; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for g := 1; g <= generations; g++ {
						arrived.Add(1)
						assert.NoError(t, b.Await(context.Background()))
						// nobody departs before everyone arrived
						assert.GreaterOrEqual(t, int(arrived.Load()), g*parties)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(parties*generations), arrived.Load())
		}
	}
	t.Run("single party", testReuse(1, 3))
	t.Run("three parties", testReuse(3, 5))
	t.Run("many parties", testReuse(16, 10))

	t.Run("cancel", func(t *testing.T) {
		b := runtime.NewBarrier(2)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, b.Await(ctx), context.DeadlineExceeded)

		// cancelled party left the generation
		done := make(chan error)
		go func() {
			done <- b.Await(context.Background())
		}()
		assert.NoError(t, b.Await(context.Background()))
		assert.NoError(t, <-done)
	})
}
