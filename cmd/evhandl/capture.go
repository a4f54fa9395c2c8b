package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/evhandl/internal/config"
	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/protocol/identity"
	"github.com/danmuck/evhandl/internal/session"
	"github.com/danmuck/evhandl/internal/sink"
	"github.com/danmuck/evhandl/internal/supervisor"
)

const (
	CellsOptionName      = "cells"
	IMSIOptionName       = "imsi"
	TLLIOptionName       = "tlli"
	FileOptionName       = "file"
	MaxSizeOptionName    = "max-size"
	MaxMinutesOptionName = "max-minutes"
	CompressOptionName   = "compress"
)

// captureKind binds a command name to its protocol variant and file naming.
type captureKind struct {
	kind        protocol.CommandKind
	suffix      string
	defaultFile string
	short       string
	example     string
}

var (
	captureGMLog = captureKind{
		kind:        protocol.CommandGMLog,
		suffix:      ".gml",
		defaultFile: "logfile_gmlog.gml",
		short:       "Capture GMLog events, optionally filtered by cell, IMSI or TLLI",
		example:     "evhandl gmlog 10.0.0.1 6000 1,2,3 -i 240991234567890 -f trace.gml -s 100 -m 30",
	}
	captureRPMO = captureKind{
		kind:        protocol.CommandRPMO,
		suffix:      ".rpm",
		defaultFile: "logfile_rpmo.rpm",
		short:       "Capture R-PMO events for a list of cells",
		example:     "evhandl rpmo 10.0.0.1 6000 4,5 -c 12,13,14 -f cells.rpm",
	}
)

type captureFlags struct {
	cells      string
	imsi       string
	tlli       string
	file       string
	maxSizeMB  uint64
	maxMinutes uint32
	compress   string
}

func newCaptureCommand(a *app, ck captureKind) *cobra.Command {
	var f captureFlags
	cmd := &cobra.Command{
		Use:     ck.kind.String() + " <ip> <port> <eid[,eid...]>",
		Short:   ck.short,
		Example: ck.example,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, comp, err := a.buildOptions(cmd, ck, f, args)
			if err != nil {
				return err
			}
			return a.capture(cmd.Context(), opts, comp)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.cells, CellsOptionName, "c", "", "Cell pointer list, comma separated; 65535 selects all cells")
	if ck.kind == protocol.CommandGMLog {
		flags.StringVarP(&f.imsi, IMSIOptionName, "i", "", "IMSI filter, 14 or 15 digits")
		flags.StringVarP(&f.tlli, TLLIOptionName, "t", "", "TLLI filter, up to 10 digits")
		cmd.MarkFlagsMutuallyExclusive(CellsOptionName, IMSIOptionName, TLLIOptionName)
	}
	flags.StringVarP(&f.file, FileOptionName, "f", "", fmt.Sprintf("Capture file ending in %s, or - for stdout (default %s)", ck.suffix, ck.defaultFile))
	flags.Uint64VarP(&f.maxSizeMB, MaxSizeOptionName, "s", 0, "Stop when the capture reaches this many megabytes (max 10000)")
	flags.Uint32VarP(&f.maxMinutes, MaxMinutesOptionName, "m", 0, "Stop after this many minutes (max 60)")
	flags.StringVar(&f.compress, CompressOptionName, "", "Compress the capture: none, zstd or lz4")
	return cmd
}

func (a *app) buildOptions(cmd *cobra.Command, ck captureKind, f captureFlags, args []string) (config.Options, sink.Compression, error) {
	opts := config.Options{Kind: ck.kind, Host: strings.TrimSpace(args[0])}

	port, err := config.ParsePort(args[1])
	if err != nil {
		return opts, 0, err
	}
	opts.Port = port

	if opts.EventIDs, err = config.ParseEventList(args[2]); err != nil {
		return opts, 0, err
	}

	if cmd.Flags().Changed(CellsOptionName) {
		if opts.Cells, err = config.ParseCellList(f.cells); err != nil {
			return opts, 0, err
		}
	}
	switch {
	case cmd.Flags().Changed(IMSIOptionName):
		filter, err := identity.IMSIFilter(f.imsi)
		if err != nil {
			return opts, 0, err
		}
		opts.Identity = &filter
	case cmd.Flags().Changed(TLLIOptionName):
		filter, err := identity.TLLIFilter(f.tlli)
		if err != nil {
			return opts, 0, err
		}
		opts.Identity = &filter
	}

	megabytes, minutes := a.settings.MaxFileSizeMB, a.settings.MaxLoggingMinutes
	if cmd.Flags().Changed(MaxSizeOptionName) {
		megabytes = f.maxSizeMB
	}
	if cmd.Flags().Changed(MaxMinutesOptionName) {
		minutes = f.maxMinutes
	}
	if opts.Limits, err = config.LimitsFromUnits(megabytes, minutes); err != nil {
		return opts, 0, err
	}

	compName := a.settings.Compress
	if cmd.Flags().Changed(CompressOptionName) {
		compName = f.compress
	}
	comp, err := sink.ParseCompression(compName)
	if err != nil {
		return opts, 0, protocol.Wrap(protocol.KindInvalidConfiguration, "compress", err)
	}

	if opts.Output, err = a.resolveOutput(cmd.Context(), ck, f.file, comp); err != nil {
		return opts, 0, err
	}
	return opts, comp, opts.Validate()
}

// progressWriter keeps operator text out of a capture written to stdout.
func (a *app) progressWriter(opts config.Options) io.Writer {
	if opts.Output == sink.Stdout {
		return a.errOut
	}
	return a.out
}

func (a *app) sessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = a.settings.ConnectTimeout
	cfg.HandshakeTimeout = a.settings.HandshakeTimeout
	return cfg
}

// capture runs one session to its outcome. The sink and transport are
// released on every path before the outcome is returned.
func (a *app) capture(ctx context.Context, opts config.Options, comp sink.Compression) (err error) {
	if !a.keepCaps {
		dropped, derr := a.dropCapabilities()
		if derr != nil {
			return derr
		}
		log.Debug().Bool("dropped", dropped).Msg("CAP_SYS_RESOURCE cleared")
	}

	progress := a.progressWriter(opts)
	out, err := a.openSink(opts.Output, comp)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	fmt.Fprintf(progress, "\nOpen connection to: %s...", opts.Host)
	s, err := session.Dial(ctx, opts.Addr(), a.sessionConfig(), out)
	if err != nil {
		fmt.Fprintln(progress)
		return err
	}
	defer func() {
		_ = s.Terminate()
	}()
	fmt.Fprintf(progress, "done\n\n")

	fmt.Fprintf(progress, "Sending connection request to application (%s)...", opts.Kind)
	reply, err := s.Connect(ctx)
	if err != nil {
		fmt.Fprintln(progress)
		return err
	}
	fmt.Fprintf(progress, "connected\n\n")
	log.Info().
		Str("peer", opts.Addr()).
		Uint8("protocol_version", reply.ProtocolVersion).
		Uint8("application_version", reply.ApplicationVersion).
		Str("output", out.Name()).
		Msg("session established")

	for _, req := range opts.Requests() {
		fmt.Fprintf(progress, "Sending Event subscription request for event = %d...", req.EventID)
		if err := s.Subscribe(ctx, req); err != nil {
			fmt.Fprintln(progress)
			return err
		}
		fmt.Fprintln(progress, "ok")
	}
	logSubscriptions(opts)

	fmt.Fprintf(progress, "\n%s\n\n", supervisor.QuitPrompt)
	return supervisor.Run(ctx, s, out, supervisor.Config{
		Limits:         opts.Limits,
		ReportInterval: a.settings.ReportInterval,
		Input:          a.in,
		Progress:       progress,
	})
}

// openSink writes a stdout capture through the app's writer so the
// command stays testable.
func (a *app) openSink(path string, comp sink.Compression) (*sink.Sink, error) {
	if path == sink.Stdout {
		return sink.New("stdout", a.out, comp, &sink.Counters{})
	}
	return sink.Open(path, comp, &sink.Counters{})
}

func logSubscriptions(opts config.Options) {
	ev := log.Debug().Stringer("cells", opts.Cells)
	if opts.Identity != nil {
		ev = ev.Stringer("filter", opts.Identity.Kind)
	}
	ev.Int("events", len(opts.EventIDs)).Msg("subscriptions active")
}
