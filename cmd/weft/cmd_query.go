package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"weft/internal/inspect"
	"weft/internal/topology"
)

var queryList bool

var queryCmd = &cobra.Command{
	Use:   "query [topology.yaml] [predicate]",
	Short: "Query the Datalog projection of a marking",
	Long: `Projects the topology's current marking into a Mangle fact base and
prints the facts of one derived predicate — reachable, live, waiting,
voided, completed, live_upstream — or a base wf_* predicate.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := inspect.New()
		if err != nil {
			return err
		}
		if queryList || len(args) == 1 {
			for _, p := range a.Predicates() {
				fmt.Println(p)
			}
			return nil
		}
		store, err := topology.LoadFile(args[0])
		if err != nil {
			return err
		}
		if err := a.Load(store.Snapshot()); err != nil {
			return err
		}
		facts, err := a.Facts(args[1])
		if err != nil {
			return err
		}
		for _, f := range facts {
			fmt.Println(f)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().BoolVar(&queryList, "list", false, "list declared predicates")
}
