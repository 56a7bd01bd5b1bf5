// Command flowctl drives a workflow execution engine (package
// github.com/latticeflow/abiflow/flow) from a declarative plan file.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "flowctl",
	Short: "Drive a scientific workflow engine from a declarative plan",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("workdir", "", "override the run's workdir (defaults to the plan's own, or the snapshot's)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("metrics", false, "expose Prometheus metrics on the default registry")

	for _, name := range []string{"workdir", "verbose", "metrics"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("flowctl")
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd, resumeCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
