package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pbalcer/nvml/ctl"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Get or set a pool's control-path keys (spec.md §6.3)",
}

var ctlGetCmd = &cobra.Command{
	Use:   "get <path> <key>",
	Short: "Read a control-path key, e.g. stats.heap.allocated",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openPool(args[0])
		if err != nil {
			return fmt.Errorf("open pool: %w", err)
		}
		defer h.Close()

		v, err := ctl.New(h).Get(args[1])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var ctlSetCmd = &cobra.Command{
	Use:   "set <path> <key> <value>",
	Short: "Write a control-path key, e.g. debug.test_wo",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openPool(args[0])
		if err != nil {
			return fmt.Errorf("open pool: %w", err)
		}
		defer h.Close()

		value, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("value must be an unsigned integer: %w", err)
		}
		return ctl.New(h).Set(args[1], value)
	},
}

func init() {
	ctlCmd.AddCommand(ctlGetCmd)
	ctlCmd.AddCommand(ctlSetCmd)
}
