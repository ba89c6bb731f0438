package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"weft/internal/topology"
)

var exportCmd = &cobra.Command{
	Use:   "export [topology.yaml]",
	Short: "Re-serialize a topology in canonical form",
	Long: `Loads a topology and prints it back in canonical order: nodes in
declaration order, default-valued fields omitted. Useful for normalizing
hand-written definitions and for diffing markings.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := topology.LoadFile(args[0])
		if err != nil {
			return err
		}
		data, err := store.Export().Marshal()
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}
