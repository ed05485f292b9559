package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Print a pool's live allocator statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openPool(args[0])
		if err != nil {
			return fmt.Errorf("open pool: %w", err)
		}
		defer h.Close()

		fmt.Printf("stats.heap.allocated    = %d\n", h.AllocatedBytes())
		fmt.Printf("stats.heap.freed        = %d\n", h.FreedBytes())
		fmt.Printf("stats.heap.active_zones = %d\n", h.ActiveZones())
		for _, c := range h.Classes().Classes() {
			fmt.Printf("heap.alloc_class.%d.desc = unit_size=%d\n", c.ID, c.UnitSize)
		}
		return nil
	},
}
