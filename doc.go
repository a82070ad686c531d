/*
Package dataflow is a real-time streaming dataflow engine.

A Graph connects processing nodes with typed ports. Ports exchange
time-stamped sample buffers (Signal), scalar values (Value), spectral
frames (Spectral) and discrete events (Event). Every connection is backed
by a ring buffer owned by the input port:

    src := NewOscillator()
    gain := NewGain()
    g := dataflow.New(host)
    if err := g.Add(src, gain); err != nil {
        // handle error
    }
    if err := dataflow.Link(g, src.Out, gain.In); err != nil {
        // handle error
    }
    if err := g.Start(); err != nil {
        // handle error
    }
    defer g.Stop()

Nodes are executed by a pool of workers. A node is never executed by two
workers at the same time, so node callbacks don't need to synchronize
access to their own state. Nodes must not block in Process: a node that
can't proceed reports false from CanProcess and is skipped.

Stop flushes the graph: data buffered in connections is pushed towards
sinks until no node reports movement. Any failure in Process or Transfer
stops the whole graph without flush, the failure is available through Err
once Done is closed.
*/
package dataflow
