package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var openCheck bool

var openCmd = &cobra.Command{
	Use:   "open <path>",
	Short: "Open an existing pool, replaying its redo logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openPool(args[0])
		if err != nil {
			return fmt.Errorf("open pool: %w", err)
		}
		defer h.Close()
		fmt.Printf("opened pool %s\n", args[0])
		if openCheck {
			fmt.Printf("active_zones=%d allocated=%d freed=%d\n", h.ActiveZones(), h.AllocatedBytes(), h.FreedBytes())
		}
		return nil
	},
}

func init() {
	openCmd.Flags().BoolVar(&openCheck, "check", false, "print post-recovery stats after opening")
}
