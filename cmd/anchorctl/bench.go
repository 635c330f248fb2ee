package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/phroun/anchorage"
)

// BenchResult is one measured phase.
type BenchResult struct {
	Name     string
	Duration time.Duration
	Ops      int
	Extra    string
}

func (r BenchResult) String() string {
	if r.Ops > 0 {
		opsPerSec := float64(r.Ops) / r.Duration.Seconds()
		if r.Extra != "" {
			return fmt.Sprintf("%-36s %12v  (%d ops, %.2f ops/sec) %s", r.Name, r.Duration.Round(time.Microsecond), r.Ops, opsPerSec, r.Extra)
		}
		return fmt.Sprintf("%-36s %12v  (%d ops, %.2f ops/sec)", r.Name, r.Duration.Round(time.Microsecond), r.Ops, opsPerSec)
	}
	if r.Extra != "" {
		return fmt.Sprintf("%-36s %12v  %s", r.Name, r.Duration.Round(time.Microsecond), r.Extra)
	}
	return fmt.Sprintf("%-36s %12v", r.Name, r.Duration.Round(time.Microsecond))
}

type benchConfig struct {
	size    int
	edits   int
	anchors int
	readers int
	seed    uint64
}

func newBenchCmd() *cobra.Command {
	var bc benchConfig
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure edit throughput with concurrent snapshot readers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			return runBench(cmd.Context(), rt, bc, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&bc.size, "size", 64*1024, "initial document size in runes")
	cmd.Flags().IntVar(&bc.edits, "edits", 5000, "number of edits")
	cmd.Flags().IntVar(&bc.anchors, "anchors", 1000, "number of document anchors")
	cmd.Flags().IntVar(&bc.readers, "readers", 4, "concurrent snapshot readers")
	cmd.Flags().Uint64Var(&bc.seed, "seed", 1, "random seed")
	return cmd
}

func runBench(ctx context.Context, rt *app, bc benchConfig, out io.Writer) error {
	fmt.Fprintln(out, "anchorage benchmark")
	fmt.Fprintln(out, "===================")
	fmt.Fprintf(out, "Go version: %s, GOMAXPROCS: %d\n", runtime.Version(), runtime.GOMAXPROCS(0))
	fmt.Fprintf(out, "Size: %d runes, edits: %d, anchors: %d, readers: %d\n\n", bc.size, bc.edits, bc.anchors, bc.readers)

	rng := rand.New(rand.NewPCG(bc.seed, bc.seed^0x9e3779b97f4a7c15))
	var results []BenchResult

	start := time.Now()
	doc, err := rt.lib.CreateDocument(ctx, anchorage.DocumentOptions{Content: strings.Repeat("lorem ipsum\n", bc.size/12+1)[:bc.size]})
	if err != nil {
		return err
	}
	results = append(results, BenchResult{Name: "Create document", Duration: time.Since(start)})

	start = time.Now()
	err = rt.lib.Mutate(ctx, doc.ID(), func(m *anchorage.Mutation) error {
		for i := range bc.anchors {
			stick := anchorage.StickLeft
			if i%2 == 1 {
				stick = anchorage.StickRight
			}
			if _, err := m.CreateAnchor(rng.IntN(m.Text().Len()+1), anchorage.LifetimeDocument, stick); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	results = append(results, BenchResult{Name: "Create anchors", Duration: time.Since(start), Ops: bc.anchors})

	var reads atomic.Int64
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	for range bc.readers {
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				snap, err := rt.lib.Document(gctx, doc.ID())
				if err != nil {
					return err
				}
				n := snap.Text().Len()
				for _, a := range snap.Anchors().Anchors() {
					if a.Offset < 0 || a.Offset > n {
						return fmt.Errorf("anchor %s at %d outside text of %d runes", a.ID, a.Offset, n)
					}
				}
				reads.Add(1)
			}
		})
	}

	start = time.Now()
	var editErr error
	for range bc.edits {
		editErr = rt.lib.Mutate(ctx, doc.ID(), func(m *anchorage.Mutation) error {
			n := m.Text().Len()
			at := rng.IntN(n + 1)
			if rng.IntN(3) == 0 && n > 0 {
				return m.Delete(at, min(n, at+1+rng.IntN(8)))
			}
			return m.Insert(at, "edit")
		})
		if editErr != nil {
			break
		}
	}
	elapsed := time.Since(start)
	close(done)
	if err := g.Wait(); err != nil {
		return err
	}
	if editErr != nil {
		return editErr
	}
	results = append(results, BenchResult{Name: "Edits", Duration: elapsed, Ops: bc.edits})
	results = append(results, BenchResult{Name: "Concurrent snapshot reads", Duration: elapsed, Ops: int(reads.Load())})

	final, err := rt.lib.Document(ctx, doc.ID())
	if err != nil {
		return err
	}
	start = time.Now()
	replayed, err := final.Edits().Replay(final.Initial())
	if err != nil {
		return err
	}
	results = append(results, BenchResult{
		Name:     "Replay log",
		Duration: time.Since(start),
		Ops:      final.Edits().Len(),
		Extra:    fmt.Sprintf("matches=%v", replayed == final.Text()),
	})

	for _, r := range results {
		fmt.Fprintln(out, r)
	}
	fmt.Fprintln(out)
	return printCounters(rt, out)
}

// printCounters writes every counter of the app's registry.
func printCounters(rt *app, out io.Writer) error {
	families, err := rt.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			fmt.Fprintf(out, "%s%s %.0f\n", mf.GetName(), labels(m), m.GetCounter().GetValue())
		}
	}
	return nil
}

func labels(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
