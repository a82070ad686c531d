package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"pipelined.dev/dataflow/wav"
)

type infoCommand struct {
	in string
}

func (cmd *infoCommand) Name() string {
	return "info"
}

func (cmd *infoCommand) Help() string {
	return "Show properties of wav file"
}

func (cmd *infoCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.in, "in", "", "wav file (required)")
}

func (cmd *infoCommand) Run(w io.Writer) error {
	if cmd.in == "" {
		return errors.New("missing -in required flag")
	}
	src, err := wav.NewSource("info", cmd.in)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "file: %s\n", cmd.in)
	fmt.Fprintf(w, "sample rate: %v\n", src.SampleRate())
	fmt.Fprintf(w, "channels: %d\n", src.Channels())
	fmt.Fprintf(w, "bit depth: %d\n", src.BitDepth())
	fmt.Fprintf(w, "samples: %d\n", src.Len())
	fmt.Fprintf(w, "duration: %v\n", src.Duration())
	return nil
}
