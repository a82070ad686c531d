package dataflow

import (
	"github.com/sirupsen/logrus"

	"pipelined.dev/dataflow/config"
	"pipelined.dev/dataflow/metric"
)

// Option configures the graph.
type Option func(*Graph)

// WithSettings sets engine settings. Invalid settings are replaced with
// defaults.
func WithSettings(s config.Settings) Option {
	return func(g *Graph) {
		g.settings = s
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(g *Graph) {
		g.logger = l
	}
}

// WithMetrics enables metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(g *Graph) {
		g.metrics = m
	}
}

// WithName sets the graph name. Name is used in logs and metrics.
func WithName(name string) Option {
	return func(g *Graph) {
		g.name = name
	}
}
