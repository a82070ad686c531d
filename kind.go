package dataflow

import (
	"fmt"

	"pipelined.dev/dataflow/stamp"
)

// Kind is the type of data exchanged by ports.
type Kind int

// Port kinds.
const (
	Signal Kind = iota
	Value
	Spectral
	Event
)

type (
	// Sample is an element of Signal data.
	Sample float64

	// TimeValue is an element of Value data.
	TimeValue struct {
		Stamp stamp.Stamp
		Value float64
	}

	// Frame is an element of Spectral data.
	Frame struct {
		Stamp stamp.Stamp
		Bins  []float64
	}

	// Occurrence is an element of Event data.
	Occurrence struct {
		Stamp stamp.Stamp
		Tag   string
	}

	// Payload is the set of types ports can carry.
	Payload interface {
		Sample | TimeValue | Frame | Occurrence
	}
)

// KindOf returns kind of the payload type.
func KindOf[T Payload]() Kind {
	var v T
	switch any(v).(type) {
	case Sample:
		return Signal
	case TimeValue:
		return Value
	case Frame:
		return Spectral
	default:
		return Event
	}
}

func (k Kind) String() string {
	switch k {
	case Signal:
		return "signal"
	case Value:
		return "value"
	case Spectral:
		return "spectral"
	case Event:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Clone returns a frame with its own copy of bins.
func (f Frame) Clone() Frame {
	if f.Bins != nil {
		f.Bins = append([]float64(nil), f.Bins...)
	}
	return f
}

// detach returns items that don't share memory with src. Only frames
// reference memory, other payloads are copied by value.
func detach[T Payload](src []T) []T {
	frames, ok := any(src).([]Frame)
	if !ok {
		return src
	}
	result := make([]Frame, len(frames))
	for i := range frames {
		result[i] = frames[i].Clone()
	}
	return any(result).([]T)
}
