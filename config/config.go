// Package config defines settings of the dataflow engine. Settings are
// constructed once by the hosting application and passed to the graph.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Settings of the engine. Zero values are replaced with defaults by
// Validate.
type Settings struct {
	// Workers is the number of scheduler workers. Zero means the number
	// of CPUs available to the process.
	Workers int `yaml:"workers"`
	// IdleBackoff is how long a worker sleeps after a sweep without work.
	IdleBackoff Duration `yaml:"idle_backoff"`
	// BufferLatency sizes input buffers: capacity is the sample rate
	// multiplied by latency.
	BufferLatency Duration `yaml:"buffer_latency"`
	// MinBufferSize is the minimal capacity of input buffers.
	MinBufferSize int `yaml:"min_buffer_size"`
	// OutputBufferSize is the capacity of output staging buffers.
	OutputBufferSize int `yaml:"output_buffer_size"`
	// MaxFlushPasses bounds the flush fixed point on stop.
	MaxFlushPasses int `yaml:"max_flush_passes"`
	// WorkingDirectory and FileMask are used by recording nodes.
	WorkingDirectory string `yaml:"working_directory"`
	FileMask         string `yaml:"file_mask"`
	// Attributes maps node name to attribute values applied when node is
	// added to the graph.
	Attributes map[string]map[string]interface{} `yaml:"attributes"`
}

// Defaults.
const (
	DefaultIdleBackoff      = time.Millisecond
	DefaultBufferLatency    = 500 * time.Millisecond
	DefaultMinBufferSize    = 1024
	DefaultOutputBufferSize = 8192
	DefaultMaxFlushPasses   = 10000
	DefaultFileMask         = "recording-%s.wav"
)

// Duration is a time.Duration that is decoded from Go duration strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ErrInvalid is returned when settings contain invalid values.
var ErrInvalid = errors.New("invalid settings")

// Default returns settings with default values.
func Default() Settings {
	return Settings{
		IdleBackoff:      Duration(DefaultIdleBackoff),
		BufferLatency:    Duration(DefaultBufferLatency),
		MinBufferSize:    DefaultMinBufferSize,
		OutputBufferSize: DefaultOutputBufferSize,
		MaxFlushPasses:   DefaultMaxFlushPasses,
		WorkingDirectory: ".",
		FileMask:         DefaultFileMask,
	}
}

// Load reads settings from yaml file.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("error reading settings: %w", err)
	}
	return Parse(data)
}

// Parse decodes yaml settings and validates them.
func Parse(data []byte) (Settings, error) {
	var s Settings
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return Settings{}, fmt.Errorf("error decoding settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks values and fills zero values with defaults.
func (s *Settings) Validate() error {
	if s.Workers < 0 {
		return fmt.Errorf("%w: workers %d", ErrInvalid, s.Workers)
	}
	if s.IdleBackoff < 0 || s.BufferLatency < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalid)
	}
	if s.MinBufferSize < 0 || s.OutputBufferSize < 0 || s.MaxFlushPasses < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalid)
	}
	d := Default()
	if s.IdleBackoff == 0 {
		s.IdleBackoff = d.IdleBackoff
	}
	if s.BufferLatency == 0 {
		s.BufferLatency = d.BufferLatency
	}
	if s.MinBufferSize == 0 {
		s.MinBufferSize = d.MinBufferSize
	}
	if s.OutputBufferSize == 0 {
		s.OutputBufferSize = d.OutputBufferSize
	}
	if s.MaxFlushPasses == 0 {
		s.MaxFlushPasses = d.MaxFlushPasses
	}
	if s.WorkingDirectory == "" {
		s.WorkingDirectory = d.WorkingDirectory
	}
	if s.FileMask == "" {
		s.FileMask = d.FileMask
	}
	return nil
}
