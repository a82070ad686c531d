// Command dataflow replays wav files through a processing graph.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

type config struct {
	args []string
	out  io.Writer
}

type command interface {
	Name() string
	Help() string
	Run(io.Writer) error
	Register(*flag.FlagSet)
}

var (
	successExitCode = 0
	errorExitCode   = 1
)

func commands() []command {
	return []command{&replayCommand{}, &infoCommand{}}
}

func (config *config) run() int {
	cmdName, args := parseArgs(config.args)
	if cmdName == "" {
		printUsage(config.out)
		return errorExitCode
	}

	for _, cmd := range commands() {
		if cmd.Name() != cmdName {
			continue
		}
		flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
		flags.SetOutput(config.out)
		cmd.Register(flags)
		if err := flags.Parse(args); err != nil {
			return errorExitCode
		}
		if err := cmd.Run(config.out); err != nil {
			fmt.Fprintf(config.out, "Command failed: %v\n", err)
			return errorExitCode
		}
		return successExitCode
	}
	printUsage(config.out)
	return errorExitCode
}

func main() {
	c := config{
		args: os.Args,
		out:  os.Stdout,
	}
	os.Exit(c.run())
}

func parseArgs(args []string) (string, []string) {
	if len(args) < 2 {
		return "", nil
	}
	return args[1], args[2:]
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Dataflow is a CLI wav replay host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: dataflow <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands() {
		fmt.Fprintf(w, "\t%s\t%s\n", cmd.Name(), cmd.Help())
	}
}
