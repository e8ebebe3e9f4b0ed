package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/doublegate/Impulse-7.1-sub003/engine"
	"github.com/doublegate/Impulse-7.1-sub003/internal/cli"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

var (
	opts      cli.Options
	dir       = flag.String("d", ".", "directory to store received files")
	overwrite = flag.Bool("o", false, "overwrite existing files")
	name      = flag.String("name", "xmodem.bin", "file name for Xmodem, which carries none")
	size      = flag.Int64("size", 0, "truncate an Xmodem file to this size")
	help      = flag.Bool("h", false, "show help")
	version   = flag.Bool("version", false, "show version")
)

const versionString = "grz version 0.2.0"

func main() {
	opts.Register(flag.CommandLine)
	flag.Parse()

	if *help {
		showUsage(0)
	}

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	if st, err := os.Stat(*dir); err != nil || !st.IsDir() {
		fmt.Fprintf(os.Stderr, "%s: %s is not a directory\n", os.Args[0], *dir)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx))
}

func run(ctx context.Context) int {
	logger, closeLog, err := opts.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		return 1
	}
	defer closeLog()

	eopts, err := opts.Engine(logger, opts.Reporter(os.Stderr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		return 2
	}
	eopts = append(eopts, engine.WithXmodemFile(*name, *size))

	l, err := opts.OpenLink()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		return 1
	}
	defer l.Close()

	sink := &transfer.DirSink{Dir: *dir, Overwrite: *overwrite}
	logger.Info("grz: receiving into %s", *dir)
	out, err := engine.Receive(ctx, opts.Traced(l, logger), sink, eopts...)
	logger.Info("grz: %s", cli.Summary(out))
	if err != nil {
		if !opts.Quiet {
			fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		}
		return 1
	}
	return 0
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - receive files with Xmodem, Ymodem or Zmodem

Usage: %s [options]

Without -x, -y, -g or -z a Zmodem sender is recognized by its first
bytes; otherwise the first protocol of -prefs other than Zmodem polls.

Options:
`, versionString, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  %s                         # auto detect over stdin/stdout
  %s -y -d incoming          # Ymodem batch into ./incoming
  %s -x -name boot.img       # Xmodem-CRC, stored as boot.img
`, os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
