// Command m2ts2ts reorders a BDAV M2TS random-access transport stream and
// strips its timestamps, producing a plain MPEG-2 TS.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/snapetech/tswrite/internal/m2ts"
	"github.com/snapetech/tswrite/internal/metrics"
)

func main() {
	inputPath := flag.String("input", "-", "input M2TS file, - for stdin")
	outputPath := flag.String("output", "-", "output TS file, - for stdout")
	window := flag.Int("window", m2ts.DefaultWindow, "reorder window depth")
	quiet := flag.Bool("quiet", false, "suppress progress reporting")
	metricsAddr := flag.String("metrics-addr", "", "optional /metrics listen address")
	flag.Parse()

	if err := run(*inputPath, *outputPath, *window, *quiet, *metricsAddr); err != nil {
		log.Fatalf("m2ts2ts: %v", err)
	}
}

func run(inputPath, outputPath string, window int, quiet bool, metricsAddr string) error {
	var reg *metrics.Registry
	if metricsAddr != "" {
		reg = metrics.NewRegistry()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := reg.ListenAndServe(ctx, metricsAddr); err != nil {
				log.Printf("m2ts2ts: metrics listener: %v", err)
			}
		}()
	}

	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := openOutput(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := m2ts.NewBuffer(window)
	frame := make([]byte, m2ts.M2TSPacketSize)
	var read, written int64

	for {
		if _, err := io.ReadFull(in, frame); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}
		read++

		tsPkt, popped, err := buf.Push(frame)
		if err != nil {
			return fmt.Errorf("push: %w", err)
		}
		if popped {
			if _, err := out.Write(tsPkt); err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
			written++
		}
		if reg != nil {
			reg.SetM2TSWindowOccupancy(buf.Len())
		}
		if !quiet && read%10000 == 0 {
			log.Printf("m2ts2ts: %d packets read, %d written", read, written)
		}
	}

	for _, tsPkt := range buf.Drain() {
		if _, err := out.Write(tsPkt); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
		written++
	}

	if !quiet {
		log.Printf("m2ts2ts: done: %d packets read, %d written", read, written)
	}
	return nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" || path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input %q: %w", path, err)
	}
	return f, nil
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "-" || path == "" {
		return nopWriteCloser{os.Stdout}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o777)
	if err != nil {
		return nil, fmt.Errorf("open output %q: %w", path, err)
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
