package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"weft/internal/topology"
)

var validateCmd = &cobra.Command{
	Use:   "validate [topology.yaml]",
	Short: "Check a topology definition for structural errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := topology.LoadFile(args[0])
		if err != nil {
			return err
		}
		errs := store.Validate()
		if len(errs) == 0 {
			fmt.Println("ok")
			return nil
		}
		for _, e := range errs {
			fmt.Println(e)
		}
		return fmt.Errorf("%d structural error(s)", len(errs))
	},
}
