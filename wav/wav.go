// Package wav provides nodes that replay and record wav files.
package wav

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"go.uber.org/multierr"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/stamp"
)

const (
	// DefaultBufferSize is the number of samples written per process
	// call.
	DefaultBufferSize = 512
	// PositionAttribute is the name of the source attribute used to
	// seek.
	PositionAttribute = "position"

	pcmFormat = 1
)

var (
	// ErrUnsupportedBitDepth is returned when unsupported bit depth is
	// used.
	ErrUnsupportedBitDepth = errors.New("only 16, 24 and 32 bit depth is supported")
	// ErrInvalidFile is returned when file is not a valid wav.
	ErrInvalidFile = errors.New("wav is not valid")
	// ErrNoSampleRate is returned when recorder input has no rate.
	ErrNoSampleRate = errors.New("sample rate is not negotiated")
)

// Source replays decoded wav file. Channels are mixed down into single
// output. Source can be moved with Position attribute and its position
// is captured by checkpoints.
type Source struct {
	dataflow.BaseNode
	Out      *dataflow.OutputPort[dataflow.Sample]
	Position *dataflow.Attribute[int]
	// BufferSize is the number of samples written per process call.
	BufferSize int

	samples   []dataflow.Sample
	rate      float64
	channels  int
	bitDepth  int
	cursor    atomic.Int64
	suspended atomic.Bool
}

// NewSource decodes the file and returns new source.
func NewSource(name, path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFile, path)
	}
	bitDepth := int(decoder.BitDepth)
	if err := validateBitDepth(bitDepth); err != nil {
		return nil, err
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	s := Source{
		BaseNode:   dataflow.NewBaseNode(name),
		Out:        dataflow.NewOutput[dataflow.Sample]("out"),
		BufferSize: DefaultBufferSize,
		samples:    downmix(buf.Data, buf.Format.NumChannels, bitDepth),
		rate:       float64(buf.Format.SampleRate),
		channels:   buf.Format.NumChannels,
		bitDepth:   bitDepth,
	}
	if err := s.AddOutput(s.Out); err != nil {
		return nil, err
	}
	if s.Position, err = dataflow.NewAttribute(&s.BaseNode, PositionAttribute, 0); err != nil {
		return nil, err
	}
	s.Position.OnChange(s.seek)
	return &s, nil
}

// SampleRate returns the rate of the file.
func (s *Source) SampleRate() float64 {
	return s.rate
}

// Channels returns the number of channels in the file.
func (s *Source) Channels() int {
	return s.channels
}

// BitDepth returns the bit depth of the file.
func (s *Source) BitDepth() int {
	return s.bitDepth
}

// Len returns the number of samples in the file.
func (s *Source) Len() int {
	return len(s.samples)
}

// Duration returns the duration of the file.
func (s *Source) Duration() time.Duration {
	return stamp.FromSamples(int64(len(s.samples)), s.rate).Sub(stamp.Zero)
}

// Cursor returns the position of the next sample to replay.
func (s *Source) Cursor() int {
	return int(s.cursor.Load())
}

// PrepareProcessing sets the rate of output.
func (s *Source) PrepareProcessing() error {
	s.Out.SetSampleRate(s.rate)
	return s.BaseNode.PrepareProcessing()
}

// StartProcessing resumes replay.
func (s *Source) StartProcessing() error {
	s.suspended.Store(false)
	return nil
}

// SuspendProcessing stops replay, so no new samples are generated while
// graph flushes.
func (s *Source) SuspendProcessing() error {
	s.suspended.Store(true)
	return nil
}

// CanProcess returns true until the end of file is reached.
func (s *Source) CanProcess() bool {
	return !s.suspended.Load() && s.Cursor() < len(s.samples) && s.Out.Free() > 0
}

// Process writes the next buffer of samples.
func (s *Source) Process() error {
	cursor := s.Cursor()
	n := min(s.BufferSize, len(s.samples)-cursor, s.Out.Free())
	if n <= 0 {
		return nil
	}
	n = s.Out.Write(s.samples[cursor : cursor+n])
	s.cursor.Add(int64(n))
	return nil
}

// CaptureState implements dataflow.Checkpointable.
func (s *Source) CaptureState() any {
	return s.Cursor()
}

// RestoreState implements dataflow.Checkpointable.
func (s *Source) RestoreState(state any) error {
	cursor, ok := state.(int)
	if !ok {
		return fmt.Errorf("invalid state of %s: %T", s.Name(), state)
	}
	s.seek(cursor)
	return nil
}

// seek moves the cursor and relocates output and graph clock to the
// new position.
func (s *Source) seek(position int) {
	position = max(0, min(position, len(s.samples)))
	at := stamp.FromSamples(int64(position), s.rate)
	s.cursor.Store(int64(position))
	s.Out.SetStamp(at)
	s.Synchronize(at)
}

// Sink records received samples into mono wav file. File is created when
// processing starts and closed when it stops.
type Sink struct {
	dataflow.BaseNode
	In *dataflow.InputPort[dataflow.Sample]

	path     string
	bitDepth int
	file     *os.File
	encoder  *wav.Encoder
	format   *audio.Format
	buffer   []dataflow.Sample
	ints     []int
	written  atomic.Int64
}

// NewSink returns new recorder of the file at path.
func NewSink(name, path string, bitDepth int) (*Sink, error) {
	if err := validateBitDepth(bitDepth); err != nil {
		return nil, err
	}
	s := Sink{
		BaseNode: dataflow.NewBaseNode(name),
		In:       dataflow.NewInput[dataflow.Sample]("in"),
		path:     path,
		bitDepth: bitDepth,
		buffer:   make([]dataflow.Sample, DefaultBufferSize),
		ints:     make([]int, DefaultBufferSize),
	}
	if err := s.AddInput(s.In); err != nil {
		return nil, err
	}
	return &s, nil
}

// Path returns the path of recorded file.
func (s *Sink) Path() string {
	return s.path
}

// Written returns the number of recorded samples.
func (s *Sink) Written() int {
	return int(s.written.Load())
}

// StartProcessing creates the file.
func (s *Sink) StartProcessing() error {
	rate := int(s.In.SampleRate())
	if rate <= 0 {
		return fmt.Errorf("%w: %s", ErrNoSampleRate, s.Name())
	}
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	s.file = f
	s.format = &audio.Format{NumChannels: 1, SampleRate: rate}
	s.encoder = wav.NewEncoder(f, rate, s.bitDepth, 1, pcmFormat)
	s.written.Store(0)
	return nil
}

// StopProcessing finalizes and closes the file.
func (s *Sink) StopProcessing() error {
	if s.file == nil {
		return nil
	}
	err := multierr.Combine(s.encoder.Close(), s.file.Close())
	s.file, s.encoder = nil, nil
	return err
}

// CanProcess returns true if there is data to record.
func (s *Sink) CanProcess() bool {
	return s.encoder != nil && s.In.Available() > 0
}

// Process encodes buffered samples.
func (s *Sink) Process() error {
	n := s.In.Read(s.buffer)
	if n == 0 {
		return nil
	}
	scale := fullScale(s.bitDepth)
	for i, v := range s.buffer[:n] {
		s.ints[i] = int(math.Max(-scale, math.Min(scale-1, math.Round(float64(v)*scale))))
	}
	err := s.encoder.Write(&audio.IntBuffer{
		Format:         s.format,
		Data:           s.ints[:n],
		SourceBitDepth: s.bitDepth,
	})
	if err != nil {
		return err
	}
	s.written.Add(int64(n))
	return nil
}

func validateBitDepth(bitDepth int) error {
	switch bitDepth {
	case 16, 24, 32:
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, bitDepth)
}

func fullScale(bitDepth int) float64 {
	return float64(int64(1) << (bitDepth - 1))
}

// downmix converts interleaved integer samples into mono samples.
func downmix(data []int, channels, bitDepth int) []dataflow.Sample {
	if channels < 1 {
		channels = 1
	}
	scale := fullScale(bitDepth) * float64(channels)
	samples := make([]dataflow.Sample, len(data)/channels)
	for i := range samples {
		var sum int
		for _, v := range data[i*channels : (i+1)*channels] {
			sum += v
		}
		samples[i] = dataflow.Sample(float64(sum) / scale)
	}
	return samples
}
