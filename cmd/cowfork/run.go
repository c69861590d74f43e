package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/metrics"
	"github.com/kahiteam/cowfork/internal/scenario"
	"github.com/kahiteam/cowfork/internal/version"
)

// scenarioFlags override the [scenario] and [fork] sections of the config.
type scenarioFlags struct {
	pages      int
	children   int
	offset     int
	noRollback bool
	metrics    bool
}

func (f *scenarioFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.pages, "pages", 0, "pages the parent fills before forking")
	cmd.Flags().IntVar(&f.children, "children", 0, "children to fork")
	cmd.Flags().IntVar(&f.offset, "offset", -1, "byte offset the parent writes to after forking")
	cmd.Flags().BoolVar(&f.noRollback, "no-rollback", false, "leave a half-built child behind when fork fails")
	cmd.Flags().BoolVar(&f.metrics, "metrics", false, "print metrics in Prometheus text format after the run")
}

// apply copies the flags that were set onto cfg and revalidates it.
func (f *scenarioFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("pages") {
		cfg.Scenario.Pages = f.pages
	}
	if flags.Changed("children") {
		cfg.Scenario.Children = f.children
	}
	if flags.Changed("offset") {
		cfg.Scenario.WriteOffset = f.offset
	}
	if flags.Changed("no-rollback") {
		rollback := !f.noRollback
		cfg.Fork.Rollback = &rollback
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Dump = f.metrics
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func scenarioConfig(cfg *config.Config) scenario.Config {
	rollback := true
	if cfg.Fork.Rollback != nil {
		rollback = *cfg.Fork.Rollback
	}
	return scenario.Config{
		Pages:       cfg.Scenario.Pages,
		Children:    cfg.Scenario.Children,
		WriteOffset: cfg.Scenario.WriteOffset,
		Frames:      cfg.Machine.Frames,
		MaxEnvs:     cfg.Machine.MaxEnvs,
		ConsoleSize: cfg.Machine.ConsoleSize,
		Rollback:    rollback,
	}
}

// newCollector returns a collector fed by bus.
func newCollector(bus *events.Bus) *metrics.Collector {
	m := metrics.New()
	m.SetBuildInfo(version.Version, version.Go())
	m.Observe(bus)
	return m
}

var allEvents = []events.EventType{
	events.EnvCreated,
	events.EnvStatusChanged,
	events.EnvDestroyed,
	events.PageFaultDelivered,
	events.PageFaultFatal,
}

// traceEvents prints every kernel event to w, one line each, until the
// returned function is called.
func traceEvents(bus *events.Bus, w io.Writer) func() {
	ids := bus.SubscribeAll(func(e events.Event) {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("event ")
		b.WriteString(string(e.Type))
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Data[k])
		}
		fmt.Fprintln(w, b.String())
	}, allEvents...)
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}

var (
	runFlags   scenarioFlags
	runTrace   bool
	runConsole bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fork a process and show which pages each side sees before and after a write",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		if err := runFlags.apply(cmd, cfg); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		bus := events.NewBus(logger)
		m := newCollector(bus)
		if runTrace {
			defer traceEvents(bus, out)()
		}

		rep, err := scenario.Run(cmd.Context(), scenarioConfig(cfg), scenario.Deps{
			Logger:  logger,
			Metrics: m,
			Bus:     bus,
		})
		if err != nil {
			return err
		}
		if err := rep.WriteText(out); err != nil {
			return err
		}
		if runConsole {
			fmt.Fprintln(out, "console:")
			for _, line := range rep.Console {
				fmt.Fprintln(out, "  "+line)
			}
		}
		if cfg.Metrics.Dump {
			if err := m.WriteText(out); err != nil {
				return err
			}
		}
		if err := rep.Check(); err != nil {
			return fmt.Errorf("run %s failed its check", rep.RunID)
		}
		return nil
	},
}

func init() {
	runFlags.register(runCmd)
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "print kernel events as they happen")
	runCmd.Flags().BoolVar(&runConsole, "console", false, "print the kernel console after the run")
	rootCmd.AddCommand(runCmd)
}
