// Package cmd implements the ensemble CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/neurastack/ensemble/internal/config"
	"github.com/neurastack/ensemble/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Multi-model LLM ensemble orchestration runtime",
	Long: `Ensemble fans a prompt out to several LLM providers in parallel,
votes among the replies, synthesizes one answer, and caches the result.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		debug, _ := cmd.Flags().GetBool("debug")
		log.Setup(cfg.Log.File, cfg.Log.Debug || debug)
		cmd.SetContext(withConfig(cmd.Context(), cfg))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to JSON config file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
