// Command defmt-print decodes a defmt byte stream against an ELF image and
// prints each rendered log frame to stdout. The stream is read from a file,
// from stdin ("-"), or from a TCP address such as an RTT bridge, and is
// reframed according to the `_defmt_encoding_` symbol baked into the image.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/defmtd/defmt/internal/decodeframe"
	defmtelf "github.com/defmtd/defmt/internal/elf"
	"github.com/defmtd/defmt/internal/render"
	"github.com/defmtd/defmt/internal/stream"
	"github.com/defmtd/defmt/internal/table"
)

func main() {
	elfPath := flag.String("elf", "", "path to the firmware ELF image (required)")
	input := flag.String("input", "-", `stream source: a file path, or "-" for stdin`)
	tcpAddr := flag.String("tcp", "", `read the stream from this TCP address instead of -input (e.g. "127.0.0.1:19021")`)
	ignoreVersion := flag.Bool("ignore-version", false, "skip the wire-format version check against the ELF")
	noColor := flag.Bool("no-color", false, "disable ANSI coloring of level tags")
	showLoc := flag.Bool("locations", false, "append file:line source locations from DWARF to each frame")
	logLevel := flag.String("log-level", "warn", "log level: debug | info | warn | error")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if *elfPath == "" {
		fmt.Fprintln(os.Stderr, "defmt-print: -elf is required")
		flag.Usage()
		os.Exit(2)
	}

	elfData, err := os.ReadFile(*elfPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "defmt-print: %v\n", err)
		os.Exit(1)
	}

	tb, err := defmtelf.Parse(elfData, !*ignoreVersion)
	if err != nil {
		fmt.Fprintf(os.Stderr, "defmt-print: %v\n", err)
		os.Exit(1)
	}
	if tb == nil {
		fmt.Fprintf(os.Stderr, "defmt-print: %s contains no defmt data\n", *elfPath)
		os.Exit(1)
	}

	var locs defmtelf.Locations
	if *showLoc {
		locs, err = defmtelf.GetLocations(elfData, tb)
		if err != nil {
			fmt.Fprintf(os.Stderr, "defmt-print: %v\n", err)
			os.Exit(1)
		}
	}

	src, err := openSource(*input, *tcpAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "defmt-print: %v\n", err)
		os.Exit(1)
	}
	defer src.Close()

	if err := printFrames(src, tb, locs, !*noColor, logger); err != nil {
		fmt.Fprintf(os.Stderr, "defmt-print: %v\n", err)
		os.Exit(1)
	}
}

// openSource returns the reader the stream bytes come from: the TCP address
// if one was given, otherwise the file path or stdin.
func openSource(input, tcpAddr string) (io.ReadCloser, error) {
	if tcpAddr != "" {
		conn, err := net.DialTimeout("tcp", tcpAddr, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", tcpAddr, err)
		}
		return conn, nil
	}
	if input == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(input)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// printFrames pumps src through the stream decoder, rendering every decoded
// frame to stdout until src is exhausted.
func printFrames(src io.Reader, tb *table.Table, locs defmtelf.Locations, colored bool, logger *slog.Logger) error {
	dec := stream.New(tb)
	renderer := render.New(tb)

	// An rzcobs stream recovers from a malformed frame at the next
	// delimiter; a raw stream has no delimiter to resynchronise on, so
	// Malformed is fatal there.
	canRecover := tb.Encoding().CanRecover()

	buf := make([]byte, 4096)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			dec.Received(buf[:n])
			if err := drain(dec, renderer, locs, colored, canRecover, logger); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

// drain renders every complete frame currently buffered in dec.
func drain(dec stream.Decoder, renderer *render.Renderer, locs defmtelf.Locations, colored, canRecover bool, logger *slog.Logger) error {
	for {
		frame, err := dec.Decode()
		if err != nil {
			if errors.Is(err, decodeframe.ErrUnexpectedEOF) {
				return nil
			}
			if !canRecover {
				return fmt.Errorf("raw stream corrupted: %w", err)
			}
			// The rzcobs decoder has already advanced past the bad frame,
			// so just report it and keep going.
			logger.Warn("skipping malformed frame", slog.Any("error", err))
			continue
		}

		line, err := renderer.RenderFrame(frame, colored)
		if err != nil {
			logger.Warn("skipping unrenderable frame", slog.Any("error", err))
			continue
		}
		if loc, ok := locs[frame.Index]; ok {
			line = fmt.Sprintf("%s (%s:%d)", line, loc.File, loc.Line)
		}
		fmt.Println(line)
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
