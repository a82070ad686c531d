/*
Package stamp provides the signal time domain of the dataflow engine.

Stamp is a point in signal time. It is constructed from seconds or from a
number of samples at a given rate and is advanced only through rate based
arithmetic:

    s := stamp.FromSamples(0, 44100)
    s = s.Increment(512, 44100)

Clock converts wall time into signal time. It keeps an additive correction
that is adjusted with Synchronize, so the clock can follow an external
reference without ever going backwards.
*/
package stamp

import (
	"fmt"
	"math"
	"time"
)

// Epsilon is the tolerance in seconds used to compare stamps. It absorbs
// floating point jitter from rate conversions.
const Epsilon = 1e-9

// Stamp is a point in the signal time domain. Zero value is the origin.
type Stamp struct {
	seconds float64
}

// Zero is the origin of signal time.
var Zero = Stamp{}

// FromSeconds returns stamp located at s seconds.
func FromSeconds(s float64) Stamp {
	return Stamp{seconds: s}
}

// FromSamples returns stamp located at n samples of provided rate. Zero
// rate results in the origin.
func FromSamples(n int64, rate float64) Stamp {
	if rate <= 0 {
		return Zero
	}
	return Stamp{seconds: float64(n) / rate}
}

// FromDuration returns stamp located at d.
func FromDuration(d time.Duration) Stamp {
	return Stamp{seconds: d.Seconds()}
}

// Seconds returns the position in seconds.
func (s Stamp) Seconds() float64 {
	return s.seconds
}

// Samples returns the position as a number of samples at provided rate.
// The value is rounded to the nearest sample.
func (s Stamp) Samples(rate float64) int64 {
	return int64(math.Round(s.seconds * rate))
}

// Increment returns stamp advanced by n samples of provided rate.
func (s Stamp) Increment(n int, rate float64) Stamp {
	if rate <= 0 || n == 0 {
		return s
	}
	return Stamp{seconds: s.seconds + float64(n)/rate}
}

// Decrement returns stamp moved back by n samples of provided rate.
func (s Stamp) Decrement(n int, rate float64) Stamp {
	if rate <= 0 || n == 0 {
		return s
	}
	return Stamp{seconds: s.seconds - float64(n)/rate}
}

// Add returns stamp moved by d.
func (s Stamp) Add(d time.Duration) Stamp {
	return Stamp{seconds: s.seconds + d.Seconds()}
}

// Sub returns the duration s-o.
func (s Stamp) Sub(o Stamp) time.Duration {
	return time.Duration((s.seconds - o.seconds) * float64(time.Second))
}

// Equal reports whether stamps are within Epsilon of each other.
func (s Stamp) Equal(o Stamp) bool {
	return math.Abs(s.seconds-o.seconds) <= Epsilon
}

// Before reports whether s is earlier than o by more than Epsilon.
func (s Stamp) Before(o Stamp) bool {
	return o.seconds-s.seconds > Epsilon
}

// After reports whether s is later than o by more than Epsilon.
func (s Stamp) After(o Stamp) bool {
	return s.seconds-o.seconds > Epsilon
}

// Compare returns -1, 0 or +1 depending on whether s is before, equal to
// or after o.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Before(o):
		return -1
	case s.After(o):
		return 1
	}
	return 0
}

// Max returns the later of two stamps.
func Max(a, b Stamp) Stamp {
	if a.Before(b) {
		return b
	}
	return a
}

func (s Stamp) String() string {
	return fmt.Sprintf("%.9fs", s.seconds)
}
