// Command kclink-log is a tool for viewing and analyzing kclink protocol
// log files.
//
// Log files are created by running kclink-peer with the -protocol-log flag.
//
// Usage:
//
//	kclink-log <command> [flags] <file.klog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file to JSON or CSV format
//	filter   Filter log file and write to new file
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View all events
//	kclink-log view peer.klog
//
//	# View only pair packets
//	kclink-log view -packet-type kdeconnect.pair peer.klog
//
//	# Filter one device and save to new file
//	kclink-log filter -device-id phone1 -o phone1.klog peer.klog
//
//	# Export plugin and device errors as CSV
//	kclink-log export -format csv -layer plugin,device -category error peer.klog
//
//	# Show statistics
//	kclink-log stats peer.klog
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/kclink/kclink-go/cmd/kclink-log/commands"
	"github.com/kclink/kclink-go/pkg/log"
)

type command struct {
	name     string
	synopsis string
	// flags registers command-specific flags and returns the action to run
	// once the selection and file argument are known.
	flags func(fs *flag.FlagSet) func(path string, filter log.Filter) error
}

var commandTable = []command{
	{"view", "View log file in human-readable format", func(*flag.FlagSet) func(string, log.Filter) error {
		return func(path string, filter log.Filter) error {
			return commands.RunView(path, filter, os.Stdout)
		}
	}},
	{"export", "Export log file to JSON lines or CSV", func(fs *flag.FlagSet) func(string, log.Filter) error {
		format := fs.String("format", "jsonl", "output format (jsonl, csv)")
		output := fs.String("o", "", "output file (default: stdout)")
		return func(path string, filter log.Filter) error {
			return commands.RunExport(path, *format, *output, filter, os.Stdout)
		}
	}},
	{"filter", "Write matching events to a new log file", func(fs *flag.FlagSet) func(string, log.Filter) error {
		output := fs.String("o", "", "output file (required)")
		return func(path string, filter log.Filter) error {
			if *output == "" {
				return errors.New("output file (-o) required")
			}
			n, err := commands.RunFilter(path, *output, filter)
			if err != nil {
				return err
			}
			fmt.Printf("Filtered %d events to %s\n", n, *output)
			return nil
		}
	}},
	{"stats", "Show statistics about the log file", func(*flag.FlagSet) func(string, log.Filter) error {
		return func(path string, filter log.Filter) error {
			return commands.RunStats(path, filter, os.Stdout)
		}
	}},
}

func usage() string {
	u := "kclink-log - kclink protocol log analyzer\n\nUsage:\n  kclink-log <command> [flags] <file.klog>\n\nCommands:\n"
	for _, c := range commandTable {
		u += fmt.Sprintf("  %-8s %s\n", c.name, c.synopsis)
	}
	return u + "\nUse \"kclink-log <command> -help\" for more information about a command.\n"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage())
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "help" || name == "-h" || name == "-help" || name == "--help" {
		fmt.Print(usage())
		return
	}
	for _, c := range commandTable {
		if c.name == name {
			if err := c.run(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "kclink-log %s: %v\n", name, err)
				os.Exit(1)
			}
			return
		}
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage())
	os.Exit(2)
}

func (c command) run(args []string) error {
	fs := flag.NewFlagSet(c.name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "kclink-log %s - %s\n\nUsage:\n  kclink-log %s [flags] <file.klog>\n\nFlags:\n",
			c.name, c.synopsis, c.name)
		fs.PrintDefaults()
	}
	var sel commands.Selection
	sel.Register(fs)
	action := c.flags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one log file required")
	}
	filter, err := sel.Filter()
	if err != nil {
		return err
	}
	return action(fs.Arg(0), filter)
}
