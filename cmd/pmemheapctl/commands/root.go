// Package commands implements the pmemheapctl CLI command tree, grounded
// on marmos91-dittofs/cmd/dittofs/commands' cobra root-command layout:
// one package-level rootCmd, subcommands registered from init(), a
// --config persistent flag resolved through viper.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version is injected at build time via -ldflags.
	Version = "dev"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "pmemheapctl",
	Short: "pmemheapctl - inspect and operate pmemheap pools",
	Long: `pmemheapctl creates, opens, inspects and tunes pmemheap pools - the
crash-safe transactional object-store heap this repo implements.

Use "pmemheapctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML; defaults for chunk_size, chunks_per_zone, ...)")
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(ctlCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("pmemheapctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/pmemheapctl")
	}
	viper.SetEnvPrefix("PMEMHEAP")
	viper.AutomaticEnv()
	viper.SetDefault("chunk_size", 1<<20)
	viper.SetDefault("chunks_per_zone", 1024)
	viper.SetDefault("info_slots", 64)
	viper.SetDefault("num_lanes", 64)
	viper.SetDefault("lane_log_cap", 8)
	viper.SetDefault("pool_name", "default")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")

	// A missing config file is fine - every key above has a default.
	_ = viper.ReadInConfig()
}

// Execute runs the root command; called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print pmemheapctl's version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(os.Stdout, Version)
		return nil
	},
}
