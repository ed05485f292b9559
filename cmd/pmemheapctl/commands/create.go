package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pbalcer/nvml/heap"
	"github.com/pbalcer/nvml/pmem"
)

var createSize int64

var createCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create and format a new pmemheap pool file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		b, err := pmem.OpenFileBackend(path, createSize)
		if err != nil {
			return fmt.Errorf("open backend: %w", err)
		}
		h, err := heap.Create(b, createSize, heapConfigFromViper())
		if err != nil {
			b.Close()
			return fmt.Errorf("create pool: %w", err)
		}
		defer h.Close()
		fmt.Printf("created pool %s (%d bytes)\n", path, createSize)
		return nil
	},
}

func init() {
	createCmd.Flags().Int64Var(&createSize, "size", 64<<20, "pool size in bytes")
}
