package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"weft/internal/catalog"
	"weft/internal/engine"
	"weft/internal/topology"
)

var (
	runSimulate bool
	runMaxTicks int
	runWatch    bool
)

var runCmd = &cobra.Command{
	Use:   "run [topology.yaml]",
	Short: "Run a topology to convergence",
	Long: `Loads a topology definition and advances it tick by tick until no
verb produces a change. With --simulate every active task completes
automatically each tick, exercising the pure control flow. With --watch
the run repeats whenever the definition file changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runTopology,
}

func init() {
	runCmd.Flags().BoolVar(&runSimulate, "simulate", false, "auto-complete active tasks each tick")
	runCmd.Flags().IntVar(&runMaxTicks, "max-ticks", 0, "tick budget (0 = config default)")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "re-run when the file changes")
}

func runTopology(cmd *cobra.Command, args []string) error {
	path := args[0]
	if !runWatch {
		return runOnce(cmd.Context(), path)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if err := runOnce(ctx, path); err != nil {
		// A broken definition should not kill watch mode.
		logger.Warn("run failed", zap.Error(err))
	}
	w, err := engine.NewWatcher(path, logger, func() {
		if err := runOnce(ctx, path); err != nil {
			logger.Warn("run failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	logger.Info("watching for changes", zap.String("path", path))
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runOnce(ctx context.Context, path string) error {
	store, err := topology.LoadFile(path)
	if err != nil {
		return err
	}
	maxTicks := cfg.Engine.MaxTicks
	if runMaxTicks > 0 {
		maxTicks = runMaxTicks
	}
	eng := engine.New(store, engine.Options{
		Catalog:      catalog.Default(),
		Logger:       logger,
		Parallelism:  cfg.Engine.Parallelism,
		MaxTicks:     maxTicks,
		AutoComplete: runSimulate || cfg.Engine.AutoComplete,
	})

	results, err := eng.Run(ctx)
	for _, r := range results {
		fmt.Printf("tick %3d  delta %3d\n", r.Tick, r.DeltaSize)
	}
	if err != nil {
		var dw *engine.DeadlockWarning
		if errors.As(err, &dw) {
			fmt.Printf("converged after %d ticks, deadlocked: %v\n", len(results), dw.Pending)
			return nil
		}
		return err
	}
	fmt.Printf("converged after %d ticks (case %s)\n", len(results), eng.CaseID())
	printStatuses(eng.Snapshot())
	return nil
}

func printStatuses(snap *topology.Snapshot) {
	for _, n := range snap.Nodes() {
		fmt.Printf("  %-24s %s\n", n.ID, n.Status)
	}
}
