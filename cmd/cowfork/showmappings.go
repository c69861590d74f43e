package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/monitor"
	"github.com/kahiteam/cowfork/internal/scenario"
)

var (
	smFlags scenarioFlags
	smStart string
	smEnd   string
	smPhase string
	smDump  int
	smColor string
)

var showMappingsCmd = &cobra.Command{
	Use:     "showmappings",
	Aliases: []string{"sm"},
	Short:   "Print the page mappings of every process during the fork scenario",
	Long: `showmappings plays the fork scenario and prints, for the parent and each
child, the pages mapped in [--start, --end) with their frame, permissions,
reference count and content digest. Copy-on-write pages are yellow and
private writable pages green when the output is a terminal.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		if err := smFlags.apply(cmd, cfg); err != nil {
			return err
		}
		sc := scenarioConfig(cfg)

		start, end := uintptr(abi.UText), abi.UText+uintptr(sc.Pages)*abi.PageSize
		if smStart != "" {
			if start, err = parseAddr(smStart); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
		}
		if smEnd != "" {
			if end, err = parseAddr(smEnd); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
		}
		if end <= start {
			return fmt.Errorf("empty range [0x%08x, 0x%08x)", start, end)
		}

		var phases map[string]bool
		switch smPhase {
		case "both":
			phases = map[string]bool{scenario.PhaseForked: true, scenario.PhaseWritten: true}
		case scenario.PhaseForked, scenario.PhaseWritten:
			phases = map[string]bool{smPhase: true}
		default:
			return fmt.Errorf("invalid --phase %q (want forked, written or both)", smPhase)
		}

		out := cmd.OutOrStdout()
		var color bool
		switch smColor {
		case "auto":
			color = colorOutput(out)
		case "always":
			color = true
		case "never":
		default:
			return fmt.Errorf("invalid --color %q (want auto, always or never)", smColor)
		}

		writeVA := abi.UText + uintptr(sc.WriteOffset)
		inspect := func(phase string, k *kernel.Kernel, envs []abi.EnvID) error {
			if !phases[phase] {
				return nil
			}
			fmt.Fprintf(out, "== %s ==\n", phase)
			for _, env := range envs {
				fmt.Fprintf(out, "env %s\n", env)
				if err := monitor.ShowMappings(out, k, env, start, end, color); err != nil {
					return err
				}
				if smDump > 0 {
					if err := monitor.DumpPage(out, k, env, writeVA, smDump, color); err != nil {
						return err
					}
				}
			}
			return nil
		}

		bus := events.NewBus(logger)
		_, err = scenario.Run(cmd.Context(), sc, scenario.Deps{
			Logger:  logger,
			Metrics: newCollector(bus),
			Bus:     bus,
			Inspect: inspect,
		})
		return err
	},
}

// parseAddr accepts a virtual address in hex, with or without 0x.
func parseAddr(s string) (uintptr, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uintptr(v), nil
}

func init() {
	smFlags.register(showMappingsCmd)
	showMappingsCmd.Flags().StringVar(&smStart, "start", "", "first virtual address, hex (default: first scenario page)")
	showMappingsCmd.Flags().StringVar(&smEnd, "end", "", "end virtual address, hex, exclusive (default: past the last scenario page)")
	showMappingsCmd.Flags().StringVar(&smPhase, "phase", "both", "when to print: forked, written or both")
	showMappingsCmd.Flags().IntVar(&smDump, "dump", 0, "also dump this many bytes at the write address")
	showMappingsCmd.Flags().StringVar(&smColor, "color", "auto", "colour output: auto, always or never")
	rootCmd.AddCommand(showMappingsCmd)
}
