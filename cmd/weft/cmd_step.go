package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"weft/internal/catalog"
	"weft/internal/engine"
	"weft/internal/topology"
)

var (
	stepTicks    int
	stepSimulate bool
)

var stepCmd = &cobra.Command{
	Use:   "step [topology.yaml]",
	Short: "Advance a topology a fixed number of ticks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := topology.LoadFile(args[0])
		if err != nil {
			return err
		}
		eng := engine.New(store, engine.Options{
			Catalog:      catalog.Default(),
			Logger:       logger,
			Parallelism:  cfg.Engine.Parallelism,
			AutoComplete: stepSimulate,
		})
		for i := 0; i < stepTicks; i++ {
			res, err := eng.Step(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("tick %3d  delta %3d  converged %v\n", res.Tick, res.DeltaSize, res.Converged)
			if res.Converged {
				break
			}
		}
		printStatuses(eng.Snapshot())
		return nil
	},
}

func init() {
	stepCmd.Flags().IntVarP(&stepTicks, "ticks", "n", 1, "ticks to advance")
	stepCmd.Flags().BoolVar(&stepSimulate, "simulate", false, "auto-complete active tasks each tick")
}
