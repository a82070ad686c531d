package stamp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/dataflow/stamp"
)

func TestStamp(t *testing.T) {
	testIncrement := func(rate float64, steps, samples int) func(*testing.T) {
		return func(t *testing.T) {
			s := stamp.Zero
			for i := 0; i < steps; i++ {
				s = s.Increment(samples, rate)
			}
			expected := stamp.FromSamples(int64(steps*samples), rate)
			assert.True(t, s.Equal(expected), "%v != %v", s, expected)
			assert.Equal(t, int64(steps*samples), s.Samples(rate))
		}
	}
	t.Run("44100 by 512", testIncrement(44100, 1000, 512))
	t.Run("48000 by 1", testIncrement(48000, 48000, 1))
	t.Run("odd rate", testIncrement(22050.5, 333, 7))

	t.Run("decrement", func(t *testing.T) {
		s := stamp.FromSeconds(1)
		s = s.Decrement(22050, 44100)
		assert.True(t, s.Equal(stamp.FromSeconds(0.5)))
	})
	t.Run("zero rate", func(t *testing.T) {
		s := stamp.FromSeconds(2)
		assert.Equal(t, s, s.Increment(100, 0))
		assert.Equal(t, stamp.Zero, stamp.FromSamples(100, 0))
	})
	t.Run("compare", func(t *testing.T) {
		a := stamp.FromSeconds(1)
		b := stamp.FromSeconds(1 + stamp.Epsilon/2)
		c := stamp.FromSeconds(2)
		assert.True(t, a.Equal(b))
		assert.Equal(t, 0, a.Compare(b))
		assert.Equal(t, -1, a.Compare(c))
		assert.Equal(t, 1, c.Compare(a))
		assert.Equal(t, c, stamp.Max(a, c))
		assert.Equal(t, time.Second, c.Sub(a))
	})
}

type fakeTime struct {
	t time.Time
}

func (f *fakeTime) now() time.Time {
	return f.t
}

func (f *fakeTime) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func TestClock(t *testing.T) {
	t.Run("stopped", func(t *testing.T) {
		ft := &fakeTime{t: time.Unix(0, 0)}
		c := stamp.NewClock(stamp.WithNow(ft.now))
		ft.advance(time.Second)
		assert.True(t, c.Now().Equal(stamp.Zero))
	})
	t.Run("running", func(t *testing.T) {
		ft := &fakeTime{t: time.Unix(0, 0)}
		c := stamp.NewClock(stamp.WithNow(ft.now))
		c.Start()
		ft.advance(time.Second)
		assert.True(t, c.Now().Equal(stamp.FromSeconds(1)))
		c.Stop()
		ft.advance(time.Second)
		assert.True(t, c.Now().Equal(stamp.FromSeconds(1)))
		c.Start()
		ft.advance(time.Second)
		assert.True(t, c.Now().Equal(stamp.FromSeconds(2)))
	})
	t.Run("synchronize forward", func(t *testing.T) {
		ft := &fakeTime{t: time.Unix(0, 0)}
		c := stamp.NewClock(stamp.WithNow(ft.now))
		c.Start()
		ft.advance(time.Second)
		c.Synchronize(stamp.FromSeconds(3))
		assert.Equal(t, 2*time.Second, c.Correction())
		ft.advance(time.Second)
		assert.True(t, c.Now().Equal(stamp.FromSeconds(4)))
	})
	t.Run("synchronize backward never regresses", func(t *testing.T) {
		ft := &fakeTime{t: time.Unix(0, 0)}
		c := stamp.NewClock(stamp.WithNow(ft.now))
		c.Start()
		ft.advance(2 * time.Second)
		last := c.Now()
		c.Synchronize(stamp.FromSeconds(1))
		for i := 0; i < 4; i++ {
			now := c.Now()
			assert.False(t, now.Before(last), "clock regressed: %v < %v", now, last)
			last = now
			ft.advance(500 * time.Millisecond)
		}
		// wall clock caught up with the correction
		ft.advance(time.Second)
		assert.True(t, c.Now().Equal(stamp.FromSeconds(4)))
	})
}
