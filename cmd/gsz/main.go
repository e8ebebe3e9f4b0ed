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
	opts    cli.Options
	help    = flag.Bool("h", false, "show help")
	version = flag.Bool("version", false, "show version")
)

const versionString = "gsz version 0.2.0"

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

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "%s: no files specified\n", os.Args[0])
		showUsage(1)
	}
	for _, name := range files {
		info, err := os.Stat(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
			os.Exit(1)
		}
		if info.IsDir() {
			fmt.Fprintf(os.Stderr, "%s: %s is a directory\n", os.Args[0], name)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, files))
}

func run(ctx context.Context, files []string) int {
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

	l, err := opts.OpenLink()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		return 1
	}
	defer l.Close()

	logger.Info("gsz: sending %d files", len(files))
	out, err := engine.Send(ctx, opts.Traced(l, logger), transfer.Files(files...), eopts...)
	logger.Info("gsz: %s", cli.Summary(out))
	if err != nil {
		if !opts.Quiet {
			fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		}
		return 1
	}
	return 0
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - send files with Xmodem, Ymodem or Zmodem

Usage: %s [options] file...

Without -x, -y, -g or -z the protocol is picked from the receiver's
first bytes.

Options:
`, versionString, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  %s file.txt                     # auto detect over stdin/stdout
  %s -x -k firmware.bin           # Xmodem-1K
  %s -telnet bbs.example:23 *.zip # Zmodem to a telnet BBS
`, os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
