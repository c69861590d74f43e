package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/scenario"
)

var (
	stressFlags    scenarioFlags
	stressRuns     int
	stressParallel int
	stressAddr     string
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Play the fork scenario many times on independent kernels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if stressRuns < 1 {
			return fmt.Errorf("--runs must be at least 1, got %d", stressRuns)
		}
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		if err := stressFlags.apply(cmd, cfg); err != nil {
			return err
		}

		bus := events.NewBus(logger)
		m := newCollector(bus)
		if stressAddr != "" {
			stop, err := serveMetrics(stressAddr, m, logger)
			if err != nil {
				return err
			}
			defer stop()
		}
		res, err := scenario.Stress(cmd.Context(), scenarioConfig(cfg), stressRuns, stressParallel, scenario.Deps{
			Logger:  logger,
			Metrics: m,
			Bus:     bus,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d runs, %d failed\n", res.Runs, res.Failed)
		for _, rep := range res.Reports {
			if rep.Check() != nil {
				fmt.Fprintf(out, "run %s: check failed\n", rep.RunID)
			}
		}
		if cfg.Metrics.Dump {
			if err := m.WriteText(out); err != nil {
				return err
			}
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d of %d runs failed", res.Failed, res.Runs)
		}
		return nil
	},
}

func init() {
	stressFlags.register(stressCmd)
	stressCmd.Flags().IntVar(&stressRuns, "runs", 100, "number of runs")
	stressCmd.Flags().IntVar(&stressParallel, "parallel", 0, "runs at once (0: unbounded)")
	stressCmd.Flags().StringVar(&stressAddr, "metrics-addr", "", "serve /metrics on this address while the runs last")
	rootCmd.AddCommand(stressCmd)
}
