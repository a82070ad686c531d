package dataflow_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/dataflow"
)

func TestKind(t *testing.T) {
	testKind := func(kind, expected dataflow.Kind, name string) func(*testing.T) {
		return func(t *testing.T) {
			assert.Equal(t, expected, kind)
			assert.Equal(t, name, kind.String())
		}
	}
	t.Run("signal", testKind(dataflow.KindOf[dataflow.Sample](), dataflow.Signal, "signal"))
	t.Run("value", testKind(dataflow.KindOf[dataflow.TimeValue](), dataflow.Value, "value"))
	t.Run("spectral", testKind(dataflow.KindOf[dataflow.Frame](), dataflow.Spectral, "spectral"))
	t.Run("event", testKind(dataflow.KindOf[dataflow.Occurrence](), dataflow.Event, "event"))
	t.Run("unknown", testKind(dataflow.Kind(42), dataflow.Kind(42), "kind(42)"))
}

func TestFrameClone(t *testing.T) {
	f := dataflow.Frame{Bins: []float64{1, 2}}
	c := f.Clone()
	c.Bins[0] = 10
	assert.Equal(t, []float64{1, 2}, f.Bins)
	assert.Nil(t, dataflow.Frame{}.Clone().Bins)
}

func TestNodeError(t *testing.T) {
	cause := errors.New("device lost")
	err := error(&dataflow.NodeError{Node: "recorder", Op: "process", Err: cause})
	assert.Equal(t, "node recorder process: device lost", err.Error())
	assert.ErrorIs(t, err, cause)
	var nodeErr *dataflow.NodeError
	assert.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "recorder", nodeErr.Node)
}
