// Command tsforge assembles a transport-stream processing pipeline from
// an input plugin, an ordered chain of processor plugins, and an output
// plugin, and runs it to completion: slog setup, signal handling, and an
// errgroup-supervised set of stage goroutines.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/plugins/fileinput"
	"github.com/zsiec/tsforge/internal/plugins/fileoutput"
	"github.com/zsiec/tsforge/internal/plugins/mux"
	"github.com/zsiec/tsforge/internal/plugins/nullinput"
	"github.com/zsiec/tsforge/internal/plugins/passthrough"
	"github.com/zsiec/tsforge/internal/plugins/quicio"
	"github.com/zsiec/tsforge/internal/plugins/scrambler"
	"github.com/zsiec/tsforge/internal/plugins/srtio"
)

var version = "dev"

// config holds every flag this binary accepts. Only the flags relevant to
// the selected -input/-output/-processors values are consulted.
type config struct {
	input      string
	output     string
	processors string

	inputFile           string
	inputRepeat         int
	inputJointTerm      bool
	inputSRTAddr        string
	inputSRTStreamID    string
	inputNullCount      uint64
	inputNullBitrate    uint64

	outputFile         string
	outputAppend       bool
	outputSRTAddr      string
	outputSRTStreamID  string
	outputQUICAddr     string

	bitrate uint64

	muxSecondaryFile string
	muxRepeat        int
	muxInterPkt      uint64
	muxInterTimeMs   uint64
	muxBitrate       uint64
	muxForcePID      uint
	muxUpdateCC      bool
	muxPTSPID        uint
	muxCheckPIDConflict bool

	pmtPID          uint
	scrambleVideo   bool
	scrambleAudio   bool
	cpDurationMs    int
	delayStartMs    int
	ecmgAddr        string
	channelID       uint
	streamID        uint
	ecmID           uint
	synchronousECMG bool
}

func parseFlags() *config {
	c := &config{}
	flag.StringVar(&c.input, "input", "null", "input plugin: file, null, srt")
	flag.StringVar(&c.output, "output", "file", "output plugin: file, srt, quic")
	flag.StringVar(&c.processors, "processors", "", "comma-separated processor chain: mux, scrambler, passthrough")

	flag.StringVar(&c.inputFile, "input-file", "", "file input: path to read (empty = stdin)")
	flag.IntVar(&c.inputRepeat, "input-repeat", 0, "file input: re-read count (0 = once, <0 = forever)")
	flag.BoolVar(&c.inputJointTerm, "input-joint-termination", false, "input opts into joint termination and votes at EOF (EOF still ends the pipeline)")
	flag.StringVar(&c.inputSRTAddr, "input-srt-addr", ":6000", "srt input: local listen address")
	flag.StringVar(&c.inputSRTStreamID, "input-srt-streamid", "", "srt input: required caller streamid (empty = accept any)")
	flag.Uint64Var(&c.inputNullCount, "input-null-count", 0, "null input: packet count (0 = unbounded)")
	flag.Uint64Var(&c.inputNullBitrate, "input-null-bitrate", 0, "null input: paced bits/second (0 = unpaced)")

	flag.StringVar(&c.outputFile, "output-file", "", "file output: path to write (empty = stdout)")
	flag.BoolVar(&c.outputAppend, "output-append", false, "file output: append instead of truncate")
	flag.StringVar(&c.outputSRTAddr, "output-srt-addr", "", "srt output: remote address to dial")
	flag.StringVar(&c.outputSRTStreamID, "output-srt-streamid", "", "srt output: streamid presented to the remote listener")
	flag.StringVar(&c.outputQUICAddr, "output-quic-addr", ":4443", "quic output: local listen address")

	flag.Uint64Var(&c.bitrate, "bitrate", 0, "force the pipeline-wide bitrate in bits/second (0 = auto-discover)")

	flag.StringVar(&c.muxSecondaryFile, "mux-file", "", "mux processor: secondary packet file")
	flag.IntVar(&c.muxRepeat, "mux-repeat", 0, "mux processor: secondary file repeat count (0 = infinite)")
	flag.Uint64Var(&c.muxInterPkt, "mux-inter-packet", 0, "mux processor: primary packets between inserts")
	flag.Uint64Var(&c.muxInterTimeMs, "mux-inter-time-ms", 0, "mux processor: ms between inserts")
	flag.Uint64Var(&c.muxBitrate, "mux-bitrate", 0, "mux processor: target insertion bitrate")
	flag.UintVar(&c.muxForcePID, "mux-force-pid", 0, "mux processor: rewrite inserted packets to this PID (0 = don't)")
	flag.BoolVar(&c.muxUpdateCC, "mux-update-cc", true, "mux processor: rewrite continuity counters on inserted packets")
	flag.UintVar(&c.muxPTSPID, "mux-pts-pid", uint(mux.PTSPIDUnspecified), "mux processor: PID to track PTS/PCR timing on (default: auto-discover from the first PCR seen)")
	flag.BoolVar(&c.muxCheckPIDConflict, "mux-check-pid-conflict", true, "mux processor: abort if an inserted packet's PID collides with a primary-stream PID")

	flag.UintVar(&c.pmtPID, "pmt-pid", 0, "scrambler processor: target service's PMT PID")
	flag.BoolVar(&c.scrambleVideo, "scramble-video", true, "scrambler processor: scramble video components")
	flag.BoolVar(&c.scrambleAudio, "scramble-audio", false, "scrambler processor: scramble audio components")
	flag.IntVar(&c.cpDurationMs, "cp-duration-ms", 10_000, "scrambler processor: crypto-period duration")
	flag.IntVar(&c.delayStartMs, "delay-start-ms", 0, "scrambler processor: fallback delay_start if the ECMG doesn't negotiate one")
	flag.StringVar(&c.ecmgAddr, "ecmg-addr", "", "scrambler processor: ECMG address (host:port)")
	flag.UintVar(&c.channelID, "ecmg-channel-id", 1, "scrambler processor: SimulCrypt channel_id")
	flag.UintVar(&c.streamID, "ecmg-stream-id", 1, "scrambler processor: SimulCrypt stream_id")
	flag.UintVar(&c.ecmID, "ecmg-ecm-id", 1, "scrambler processor: SimulCrypt ECM_id")
	flag.BoolVar(&c.synchronousECMG, "ecmg-synchronous", true, "scrambler processor: use synchronous CW_provision/ECM_response")

	flag.Parse()
	return c
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	c := parseFlags()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	in, err := buildInput(c)
	if err != nil {
		slog.Error("building input plugin", "error", err)
		os.Exit(1)
	}
	out, err := buildOutput(c)
	if err != nil {
		slog.Error("building output plugin", "error", err)
		os.Exit(1)
	}
	procs, err := buildProcessors(c)
	if err != nil {
		slog.Error("building processor chain", "error", err)
		os.Exit(1)
	}

	opts := pipeline.DefaultOptions()
	opts.Bitrate = c.bitrate

	pl, err := pipeline.New(opts, in, procs, out, log)
	if err != nil {
		slog.Error("constructing pipeline", "error", err)
		os.Exit(1)
	}

	slog.Info("tsforge starting",
		"version", version,
		"input", c.input,
		"output", c.output,
		"processors", c.processors,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pl.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pipeline error", "error", err)
		os.Exit(1)
	}
	slog.Info("tsforge exiting")
}

func buildInput(c *config) (pipeline.InputStage, error) {
	switch c.input {
	case "file":
		return fileinput.New(fileinput.Options{
			Path:             c.inputFile,
			Repeat:           c.inputRepeat,
			JointTermination: c.inputJointTerm,
		}), nil
	case "null":
		return nullinput.New(nullinput.Options{
			Count:            c.inputNullCount,
			Bitrate:          c.inputNullBitrate,
			JointTermination: c.inputJointTerm,
		}), nil
	case "srt":
		return srtio.NewInput(srtio.InputOptions{
			Addr:             c.inputSRTAddr,
			StreamID:         c.inputSRTStreamID,
			JointTermination: c.inputJointTerm,
		}), nil
	default:
		return nil, fmt.Errorf("unknown -input %q (want file, null, or srt)", c.input)
	}
}

func buildOutput(c *config) (pipeline.OutputStage, error) {
	switch c.output {
	case "file":
		return fileoutput.New(fileoutput.Options{
			Path:   c.outputFile,
			Append: c.outputAppend,
		}), nil
	case "srt":
		if c.outputSRTAddr == "" {
			return nil, errors.New("-output srt requires -output-srt-addr")
		}
		return srtio.NewOutput(srtio.OutputOptions{
			Addr:     c.outputSRTAddr,
			StreamID: c.outputSRTStreamID,
		}), nil
	case "quic":
		return quicio.New(quicio.Options{Addr: c.outputQUICAddr}), nil
	default:
		return nil, fmt.Errorf("unknown -output %q (want file, srt, or quic)", c.output)
	}
}

func buildProcessors(c *config) ([]pipeline.ProcessorStage, error) {
	if c.processors == "" {
		return nil, nil
	}

	names := strings.Split(c.processors, ",")
	procs := make([]pipeline.ProcessorStage, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		switch name {
		case "passthrough":
			procs = append(procs, passthrough.New())

		case "mux":
			if c.muxSecondaryFile == "" {
				return nil, errors.New("-processors mux requires -mux-file")
			}
			src, err := mux.NewFileSource(c.muxSecondaryFile, c.muxRepeat, 0)
			if err != nil {
				return nil, err
			}
			procs = append(procs, mux.New(mux.Options{
				Source:           src,
				Bitrate:          c.muxBitrate,
				InterPkt:         c.muxInterPkt,
				InterTimeMs:      c.muxInterTimeMs,
				PTSPID:           uint16(c.muxPTSPID),
				ForcePID:         c.muxForcePID != 0,
				ForcePIDValue:    uint16(c.muxForcePID),
				UpdateCC:         c.muxUpdateCC,
				CheckPIDConflict: c.muxCheckPIDConflict,
			}))

		case "scrambler":
			if c.ecmgAddr == "" {
				return nil, errors.New("-processors scrambler requires -ecmg-addr")
			}
			procs = append(procs, scrambler.New(scrambler.Options{
				PMTPID:          uint16(c.pmtPID),
				ScrambleVideo:   c.scrambleVideo,
				ScrambleAudio:   c.scrambleAudio,
				NeedCP:          true,
				NeedECM:         true,
				SynchronousECMG: c.synchronousECMG,
				CPDuration:      time.Duration(c.cpDurationMs) * time.Millisecond,
				DelayStart:      time.Duration(c.delayStartMs) * time.Millisecond,
				ECMGAddr:        c.ecmgAddr,
				ChannelID:       uint16(c.channelID),
				StreamID:        uint16(c.streamID),
				ECMID:           uint16(c.ecmID),
			}))

		default:
			return nil, fmt.Errorf("unknown processor %q (want mux, scrambler, or passthrough)", name)
		}
	}
	return procs, nil
}
