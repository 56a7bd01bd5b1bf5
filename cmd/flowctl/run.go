package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/latticeflow/abiflow/flow"
	"github.com/latticeflow/abiflow/flow/emit"
)

var runCmd = &cobra.Command{
	Use:   "run <plan.json>",
	Short: "Build a flow from a plan file and run it to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadPlan(args[0])
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		if dir := viper.GetString("workdir"); dir != "" {
			p.Workdir = dir
		}

		f, _, err := buildFlow(p)
		if err != nil {
			return fmt.Errorf("build flow: %w", err)
		}
		f.AddEmitter(emit.NewLogEmitter(os.Stderr, viper.GetBool("verbose")))
		if viper.GetBool("metrics") {
			f.SetMetrics(flow.NewMetrics(prometheus.DefaultRegisterer))
		}

		slog.Info("run starting", "run_id", f.RunID, "workdir", f.Workdir, "workflows", len(f.Works()))
		if err := f.Run(context.Background()); err != nil {
			_ = f.Dump()
			return fmt.Errorf("run: %w", err)
		}
		if err := f.Dump(); err != nil {
			return fmt.Errorf("dump snapshot: %w", err)
		}
		slog.Info("run complete", "run_id", f.RunID)
		return nil
	},
}
