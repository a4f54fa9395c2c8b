package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/danmuck/evhandl/internal/bscsim"
	"github.com/danmuck/evhandl/internal/logging"
)

type options struct {
	listen       string
	scenario     string
	writeExample bool
	logLevel     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bscsim: %v\n", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("bscsim", pflag.ContinueOnError)
	fs.StringVarP(&opts.listen, "listen", "l", "127.0.0.1:6000", "Address the simulated event handler listens on")
	fs.StringVarP(&opts.scenario, "scenario", "s", "", "YAML scenario file; built-in defaults when empty")
	fs.BoolVar(&opts.writeExample, "write-example", false, "Print an annotated scenario and exit")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error, off")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.writeExample {
		_, err := io.WriteString(out, bscsim.Template())
		return err
	}

	logging.ConfigureRuntime()
	if opts.logLevel != "" && !logging.SetLevel(opts.logLevel) {
		return fmt.Errorf("unknown log level %q", opts.logLevel)
	}

	sc := bscsim.DefaultScenario()
	if opts.scenario != "" {
		if sc, err = bscsim.LoadScenario(opts.scenario); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Str("scenario", sc.Name).Msg("bscsim listening")
	return bscsim.NewServer(sc).Serve(ctx, ln)
}
