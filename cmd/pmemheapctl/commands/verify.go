package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// verifyCmd opens a pool end-to-end - replaying every lane's redo log and
// rebuilding the free-space containers from on-media chunk headers - and
// reports success or the first structural error encountered. It is
// "open --check" taken to its logical conclusion: a non-zero exit and a
// PoolCorrupt/PoolIncompatible error is the pool failing verification.
var verifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Open a pool and verify it recovers cleanly",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openPool(args[0])
		if err != nil {
			return fmt.Errorf("verify failed: %w", err)
		}
		defer h.Close()
		fmt.Println("OK")
		return nil
	},
}
