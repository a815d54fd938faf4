// Command spanbuf-load generates synthetic span trees through the buffer and
// flush engine, and prints every emitted trace to stdout as JSON lines. It's
// a workload driver for eyeballing flush behavior under different policy
// settings.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/oklog/run"
	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/peterbourgon/spanbuf"
	"github.com/peterbourgon/spanbuf/internal/sbdebug"
)

func main() {
	var (
		ctx    = context.Background()
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdout, stderr, args)
	switch {
	case err == nil:
		os.Exit(0)
	case errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var flags struct {
		workers       int
		traces        int
		fanout        int
		depth         int
		straggle      float64
		minSpans      int
		maxSpans      int
		flushTimeout  time.Duration
		hardCap       int
		statsInterval time.Duration
		emitBuf       int
		debug         bool
	}

	fs := ff.NewFlags("spanbuf-load")
	{
		fs.AddFlag(ff.CoreFlagConfig{ShortName: 'w', LongName: "workers", Value: ffval.NewValueDefault(&flags.workers, 4), Usage: "concurrent trace-generating workers"})
		fs.AddFlag(ff.CoreFlagConfig{ShortName: 'n', LongName: "traces", Value: ffval.NewValueDefault(&flags.traces, 10), Usage: "traces per worker, 0 for unlimited"})
		fs.AddFlag(ff.CoreFlagConfig{ShortName: 'f', LongName: "fanout", Value: ffval.NewValueDefault(&flags.fanout, 8), Usage: "sibling subtrees per trace"})
		fs.AddFlag(ff.CoreFlagConfig{ShortName: 'd', LongName: "depth", Value: ffval.NewValueDefault(&flags.depth, 3), Usage: "spans per subtree"})
		fs.AddFlag(ff.CoreFlagConfig{ /*          */ LongName: "straggle", Value: ffval.NewValueDefault(&flags.straggle, 0.1), Usage: "fraction of subtrees left unfinished until trace end"})
		fs.AddFlag(ff.CoreFlagConfig{ /*          */ LongName: "flush-min", Value: ffval.NewValueDefault(&flags.minSpans, 8), Usage: "min buffered spans before a timeout flush"})
		fs.AddFlag(ff.CoreFlagConfig{ /*          */ LongName: "flush-max", Value: ffval.NewValueDefault(&flags.maxSpans, 16), Usage: "buffered spans above which a flush is attempted"})
		fs.AddFlag(ff.CoreFlagConfig{ /*          */ LongName: "flush-timeout", Value: ffval.NewValueDefault(&flags.flushTimeout, time.Second), Usage: "max trace age before a flush is attempted"})
		fs.AddFlag(ff.CoreFlagConfig{ /*          */ LongName: "hard-cap", Value: ffval.NewValueDefault(&flags.hardCap, 10000), Usage: "hard span cap per context"})
		fs.AddFlag(ff.CoreFlagConfig{ /*          */ LongName: "stats", Value: ffval.NewValueDefault(&flags.statsInterval, 10*time.Second), Usage: "debug stats reporting interval"})
		fs.AddFlag(ff.CoreFlagConfig{ /*          */ LongName: "emitbuf", Value: ffval.NewValueDefault(&flags.emitBuf, 100), Usage: "emitted trace buffer size"})
		fs.AddFlag(ff.CoreFlagConfig{ /*          */ LongName: "debug", Value: ffval.NewValue(&flags.debug), Usage: "log debug information", NoDefault: true})
	}

	if err := ff.Parse(fs, args); err != nil {
		fmt.Fprintf(stderr, "%s\n", ffhelp.Flags(fs, usage))
		if errors.Is(err, ff.ErrHelp) {
			err = nil
		}
		return err
	}

	var info, debug *log.Logger
	{
		info = log.New(stderr, "", log.LstdFlags)
		if flags.debug {
			debug = log.New(stderr, "[DEBUG] ", log.LstdFlags|log.Lmsgprefix)
		} else {
			debug = log.New(io.Discard, "", 0)
		}
	}

	debug.Printf("workers %d", flags.workers)
	debug.Printf("traces %d", flags.traces)
	debug.Printf("fanout %d", flags.fanout)
	debug.Printf("depth %d", flags.depth)
	debug.Printf("flush-min %d", flags.minSpans)
	debug.Printf("flush-max %d", flags.maxSpans)
	debug.Printf("flush-timeout %s", flags.flushTimeout)
	debug.Printf("hard-cap %d", flags.hardCap)

	emitted := make(chan spanbuf.Spans, flags.emitBuf)

	tracer := spanbuf.NewTracer(spanbuf.TracerConfig{
		Emit: func(spans spanbuf.Spans) {
			select {
			case emitted <- spans:
			default: // never stall a finishing span on a slow consumer
			}
		},
		Flush: spanbuf.FlusherConfig{
			MinSpans: flags.minSpans,
			MaxSpans: flags.maxSpans,
			Timeout:  flags.flushTimeout,
		},
		MaxSpans: flags.hardCap,
	})

	var g run.Group

	for i := 0; i < flags.workers; i++ {
		i := i
		workerCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return runWorker(workerCtx, tracer, workerConfig{
				ID:       i,
				Traces:   flags.traces,
				Fanout:   flags.fanout,
				Depth:    flags.depth,
				Straggle: flags.straggle,
				Debug:    debug,
			})
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			enc := json.NewEncoder(stdout)
			for {
				select {
				case spans := <-emitted:
					enc.Encode(encodeTrace(spans))
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			ticker := time.NewTicker(flags.statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					info.Printf("spans new=%d emit=%d drop=%d, flushes partial=%d complete=%d, resets=%d",
						sbdebug.SpanNewCount.Load(),
						sbdebug.SpanEmitCount.Load(),
						sbdebug.SpanDropCount.Load(),
						sbdebug.PartialFlushCount.Load(),
						sbdebug.CompleteFlushCount.Load(),
						sbdebug.ContextResetCount.Load(),
					)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, os.Interrupt, os.Kill))
	}

	return g.Run()
}

type workerConfig struct {
	ID       int
	Traces   int
	Fanout   int
	Depth    int
	Straggle float64
	Debug    *log.Logger
}

// runWorker generates trace trees: one root, cfg.Fanout sibling subtrees of
// cfg.Depth spans each. Most subtrees finish before the next sibling starts,
// which is what gives the flusher something to slice; a cfg.Straggle fraction
// stay open until the end of the trace.
func runWorker(ctx context.Context, tracer *spanbuf.Tracer, cfg workerConfig) error {
	rng := rand.New(rand.NewSource(int64(cfg.ID) + time.Now().UnixNano()))

	for n := 0; cfg.Traces == 0 || n < cfg.Traces; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		traceCtx, root := tracer.StartSpan(ctx, fmt.Sprintf("worker-%d-trace-%d", cfg.ID, n))

		var stragglers []spanbuf.Span
		for i := 0; i < cfg.Fanout; i++ {
			subCtx, top := tracer.StartSpan(traceCtx, fmt.Sprintf("subtree-%d", i))

			leaves := make([]spanbuf.Span, 0, cfg.Depth)
			for j := 1; j < cfg.Depth; j++ {
				_, leaf := tracer.StartSpan(subCtx, fmt.Sprintf("op-%d-%d", i, j))
				leaves = append(leaves, leaf)
			}

			if rng.Float64() < cfg.Straggle {
				// Leave the whole subtree open until trace end,
				// queued in finish order: leaves first, then top.
				for j := len(leaves) - 1; j >= 0; j-- {
					stragglers = append(stragglers, leaves[j])
				}
				stragglers = append(stragglers, top)
				cfg.Debug.Printf("worker %d: trace %d: subtree %d straggling", cfg.ID, n, i)
				continue
			}

			// Finish leaves-first, then the subtree top.
			for j := len(leaves) - 1; j >= 0; j-- {
				leaves[j].Finish()
			}
			top.Finish()
		}

		for _, s := range stragglers {
			s.Finish()
		}
		root.Finish()
	}

	cfg.Debug.Printf("worker %d: done", cfg.ID)
	return nil
}

type traceJSON struct {
	TraceID string     `json:"trace_id"`
	Spans   []spanJSON `json:"spans"`
}

type spanJSON struct {
	SpanID   string    `json:"span_id"`
	ParentID string    `json:"parent_id,omitempty"`
	Name     string    `json:"name"`
	Start    time.Time `json:"start"`
}

func encodeTrace(spans spanbuf.Spans) traceJSON {
	tj := traceJSON{Spans: make([]spanJSON, 0, len(spans))}
	if len(spans) > 0 {
		tj.TraceID = spans[0].TraceID().String()
	}
	for _, s := range spans {
		sj := spanJSON{
			SpanID: s.ID().String(),
			Name:   s.Name(),
			Start:  s.Started(),
		}
		if s.ParentID() != (ulid.ULID{}) {
			sj.ParentID = s.ParentID().String()
		}
		tj.Spans = append(tj.Spans, sj)
	}
	return tj
}

const usage = "Generate synthetic span trees and print emitted traces as JSON lines."
