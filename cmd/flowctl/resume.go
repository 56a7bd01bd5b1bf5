package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/latticeflow/abiflow/flow"
	"github.com/latticeflow/abiflow/flow/emit"
	"github.com/latticeflow/abiflow/flow/manager"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <plan.json>",
	Short: "Reload a flow's snapshot and continue running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadPlan(args[0])
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		if dir := viper.GetString("workdir"); dir != "" {
			p.Workdir = dir
		}

		// A fresh build against the same plan, in a freshly started
		// process, allocates the same sequence of node ids the original
		// run did (the id counter starts at zero each process). That
		// throwaway flow is discarded; only its node-id -> argv table is
		// kept, since that table is what the snapshot's real tasks need.
		_, commands, err := buildFlow(p)
		if err != nil {
			return fmt.Errorf("rebuild command table: %w", err)
		}

		snapshotPath := filepath.Join(p.Workdir, "__workflow__.json")
		f, err := flow.Load(snapshotPath, nil)
		if err != nil {
			return fmt.Errorf("load snapshot %s: %w", snapshotPath, err)
		}

		resolve := func(t *flow.Task) ([]string, []string, error) {
			argv, ok := commands[t.NodeID()]
			if !ok {
				return nil, nil, newPlanError("no command registered for resumed task " + strconv.Itoa(t.NodeID()))
			}
			return argv, nil, nil
		}
		localManager := manager.NewLocalManager(resolve)
		for _, w := range f.Works() {
			w.SetManager(localManager)
			for _, t := range w.Tasks() {
				if t.Manager == nil {
					t.Manager = localManager.DeepCopy()
				}
			}
		}
		f.AddEmitter(emit.NewLogEmitter(os.Stderr, viper.GetBool("verbose")))

		slog.Info("resume starting", "run_id", f.RunID, "workdir", f.Workdir)
		if err := f.Run(context.Background()); err != nil {
			_ = f.Dump()
			return fmt.Errorf("run: %w", err)
		}
		if err := f.Dump(); err != nil {
			return fmt.Errorf("dump snapshot: %w", err)
		}
		slog.Info("resume complete", "run_id", f.RunID)
		return nil
	},
}
