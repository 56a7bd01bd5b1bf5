package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/latticeflow/abiflow/flow"
)

var statusCmd = &cobra.Command{
	Use:   "status <plan.json>",
	Short: "Print the status of every workflow and task in a flow's snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadPlan(args[0])
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		if dir := viper.GetString("workdir"); dir != "" {
			p.Workdir = dir
		}

		snapshotPath := filepath.Join(p.Workdir, "__workflow__.json")
		f, err := flow.Load(snapshotPath, nil)
		if err != nil {
			return fmt.Errorf("load snapshot %s: %w", snapshotPath, err)
		}

		fmt.Printf("run %s  workdir %s\n", f.RunID, f.Workdir)
		for i, w := range f.Works() {
			fmt.Printf("work_%d  %s  cpus(reserved=%d allocated=%d inuse=%d)\n",
				i, w.Status(), w.NCPUsReserved(), w.NCPUsAllocated(), w.NCPUsInUse())
			for j, t := range w.Tasks() {
				fmt.Printf("  task_%d  %s  kind=%s ncpus=%d\n", j, t.CurrentStatus(), t.Kind, t.NCPUs)
			}
		}
		return nil
	},
}
