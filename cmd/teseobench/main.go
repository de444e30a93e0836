// Command teseobench drives a scripted workload against a teseo.Graph and
// reports the resulting teseo.Stats snapshot: insert a batch of vertices,
// then a batch of random edges, then run a handful of scans, timing each
// phase. It exists to exercise the memstore end to end the way the
// teacher repo's own cmd/ benchmarks exercise a full node (spec.md §4
// "cmd/teseobench").
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erigontech/teseo/config"
	"github.com/erigontech/teseo/teseo"
)

var (
	flagConfigPath string
	flagVertices   int
	flagEdges      int
	flagScans      int
	flagUndirected bool
	flagSeed       int64
)

func main() {
	root := &cobra.Command{
		Use:   "teseobench",
		Short: "Run a scripted insert/scan workload against an in-memory graph store",
		RunE:  run,
	}
	root.Flags().StringVar(&flagConfigPath, "config", "", "path to a TOML config file (optional; defaults used if omitted)")
	root.Flags().IntVar(&flagVertices, "vertices", 100_000, "number of vertices to insert")
	root.Flags().IntVar(&flagEdges, "edges", 500_000, "number of random edges to insert")
	root.Flags().IntVar(&flagScans, "scans", 1_000, "number of random-vertex scans to run")
	root.Flags().BoolVar(&flagUndirected, "undirected", false, "insert edges undirected")
	root.Flags().Int64Var(&flagSeed, "seed", 1, "random seed")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	cfg := config.Default()
	if flagConfigPath != "" {
		cfg, err = config.Load(flagConfigPath)
		if err != nil {
			return err
		}
	}

	g, err := teseo.Open(cfg, log)
	if err != nil {
		return err
	}
	defer g.Close() //nolint:errcheck

	rng := rand.New(rand.NewSource(flagSeed))

	start := time.Now()
	tx := g.StartTransaction(false)
	for v := 0; v < flagVertices; v++ {
		if err := tx.InsertVertex(uint64(v)); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info("inserted vertices", zap.Int("count", flagVertices), zap.Duration("elapsed", time.Since(start)))

	start = time.Now()
	tx = g.StartTransaction(false)
	for e := 0; e < flagEdges; e++ {
		src := uint64(rng.Intn(flagVertices))
		dst := uint64(rng.Intn(flagVertices))
		if src == dst {
			continue
		}
		weight := rng.Float64()
		if err := tx.InsertEdge(src, dst, weight, flagUndirected); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info("inserted edges", zap.Int("count", flagEdges), zap.Duration("elapsed", time.Since(start)))

	start = time.Now()
	tx = g.StartTransaction(true)
	var totalDegree int
	for i := 0; i < flagScans; i++ {
		v := uint64(rng.Intn(flagVertices))
		if err := tx.Scan(v, func(_, _ uint64, _ float64) bool {
			totalDegree++
			return true
		}); err != nil {
			return err
		}
	}
	tx.Rollback()
	log.Info("ran scans", zap.Int("count", flagScans), zap.Int("edgesVisited", totalDegree), zap.Duration("elapsed", time.Since(start)))

	tx = g.StartTransaction(true)
	stats := g.Stats()
	tx.Rollback()
	fmt.Printf("vertices=%d edges=%d leaves=%d segments=%d denseSegments=%d\n",
		stats.NumVertices, stats.NumEdges, stats.NumLeaves, stats.NumSegments, stats.NumDenseSegments)

	return nil
}
