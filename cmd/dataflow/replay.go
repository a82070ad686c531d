package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"pipelined.dev/dataflow"
	dfconfig "pipelined.dev/dataflow/config"
	"pipelined.dev/dataflow/log"
	"pipelined.dev/dataflow/metric"
	"pipelined.dev/dataflow/session"
	"pipelined.dev/dataflow/stamp"
	"pipelined.dev/dataflow/wav"
)

const pollInterval = 10 * time.Millisecond

type replayCommand struct {
	in       string
	out      string
	config   string
	level    float64
	seek     time.Duration
	workers  int
	bitDepth int
	listen   string
}

func (cmd *replayCommand) Name() string {
	return "replay"
}

func (cmd *replayCommand) Help() string {
	return "Replay wav file through gain into recorded wav file"
}

func (cmd *replayCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.in, "in", "", "input wav file to replay (required)")
	fs.StringVar(&cmd.out, "out", "", "output wav file, defaults to file mask in working directory")
	fs.StringVar(&cmd.config, "config", "", "yaml settings file")
	fs.Float64Var(&cmd.level, "gain", 1, "gain level")
	fs.DurationVar(&cmd.seek, "seek", 0, "position to start replay from")
	fs.IntVar(&cmd.workers, "workers", 0, "number of workers, overrides settings")
	fs.IntVar(&cmd.bitDepth, "bitdepth", 16, "bit depth of recorded file")
	fs.StringVar(&cmd.listen, "listen", "", "address to serve metrics at")
}

func (cmd *replayCommand) Validate() error {
	var message strings.Builder
	if cmd.in == "" {
		message.WriteString("missing -in required flag\n")
	}
	if cmd.seek < 0 {
		message.WriteString("negative -seek\n")
	}
	if message.Len() > 0 {
		return errors.New(message.String())
	}
	return nil
}

func (cmd *replayCommand) settings() (dfconfig.Settings, error) {
	settings := dfconfig.Default()
	if cmd.config != "" {
		var err error
		if settings, err = dfconfig.Load(cmd.config); err != nil {
			return dfconfig.Settings{}, err
		}
	}
	if cmd.workers > 0 {
		settings.Workers = cmd.workers
	}
	return settings, nil
}

func (cmd *replayCommand) Run(w io.Writer) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	settings, err := cmd.settings()
	if err != nil {
		return err
	}
	logger := log.GetLogger()
	host := session.New(settings, session.WithLogger(logger))
	reg := prometheus.NewRegistry()
	metrics, err := metric.New(reg)
	if err != nil {
		return err
	}
	g := dataflow.New(host,
		dataflow.WithSettings(settings),
		dataflow.WithLogger(logger),
		dataflow.WithMetrics(metrics),
		dataflow.WithName("replay"),
	)

	src, err := wav.NewSource("source", cmd.in)
	if err != nil {
		return err
	}
	amp, err := newGain("gain", cmd.level)
	if err != nil {
		return err
	}
	out := cmd.out
	if out == "" {
		out = session.FilePath(host, xid.New().String())
	}
	rec, err := wav.NewSink("recorder", out, cmd.bitDepth)
	if err != nil {
		return err
	}
	if err := g.Add(src, amp, rec); err != nil {
		return err
	}
	if err := dataflow.Link(g, src.Out, amp.In); err != nil {
		return err
	}
	if err := dataflow.Link(g, amp.Out, rec.In); err != nil {
		return err
	}
	if cmd.seek > 0 {
		position := stamp.FromDuration(cmd.seek).Samples(src.SampleRate())
		if err := g.SetAttribute(src, wav.PositionAttribute, position); err != nil {
			return err
		}
	}

	if cmd.listen != "" {
		server := &http.Server{
			Addr:              cmd.listen,
			Handler:           metric.Handler(reg),
			ReadHeaderTimeout: time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
		defer server.Shutdown(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	expected := src.Len() - src.Cursor()
	if err := g.Start(); err != nil {
		return err
	}
	if err := wait(ctx, g, func() bool { return rec.Written() >= expected }); err != nil {
		return err
	}
	if err := g.Stop(); err != nil {
		return err
	}
	fmt.Fprintf(w, "recorded %d samples into %s\n", rec.Written(), out)
	return nil
}

// wait blocks until done returns true, context is cancelled or graph
// stops on its own.
func wait(ctx context.Context, g *dataflow.Graph, done func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-g.Done():
			return fmt.Errorf("graph stopped: %w", g.Err())
		case <-ticker.C:
			if done() {
				return nil
			}
		}
	}
}
