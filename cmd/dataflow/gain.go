package main

import (
	"pipelined.dev/dataflow"
)

// gain multiplies signal by its level attribute.
type gain struct {
	dataflow.BaseNode
	In    *dataflow.InputPort[dataflow.Sample]
	Out   *dataflow.OutputPort[dataflow.Sample]
	Level *dataflow.Attribute[float64]

	buffer []dataflow.Sample
}

func newGain(name string, level float64) (*gain, error) {
	g := gain{
		BaseNode: dataflow.NewBaseNode(name),
		In:       dataflow.NewInput[dataflow.Sample]("in"),
		Out:      dataflow.NewOutput[dataflow.Sample]("out"),
		buffer:   make([]dataflow.Sample, 512),
	}
	if err := g.AddInput(g.In); err != nil {
		return nil, err
	}
	if err := g.AddOutput(g.Out); err != nil {
		return nil, err
	}
	var err error
	if g.Level, err = dataflow.NewAttribute(&g.BaseNode, "level", level); err != nil {
		return nil, err
	}
	return &g, nil
}

func (g *gain) PrepareProcessing() error {
	g.Out.SetSampleRate(g.In.SampleRate())
	return g.BaseNode.PrepareProcessing()
}

func (g *gain) CanProcess() bool {
	return g.In.Available() > 0 && g.Out.Free() > 0
}

func (g *gain) Process() error {
	n := g.In.Read(g.buffer[:min(len(g.buffer), g.Out.Free())])
	level := dataflow.Sample(g.Level.Get())
	for i := range g.buffer[:n] {
		g.buffer[i] *= level
	}
	g.Out.Write(g.buffer[:n])
	return nil
}
