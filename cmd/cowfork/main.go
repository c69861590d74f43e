package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "cowfork",
	Short:         "cowfork -- user-level copy-on-write fork on a simulated paging kernel",
	Long:          "cowfork duplicates processes copy-on-write from user space and shows, page by page, what each process sees.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $COWFORK_CONFIG, ./cowfork.toml, /etc/cowfork/cowfork.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (json, text)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration, applies the logging flags and builds the
// logger every command shares.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, path, warnings, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		if !logging.ValidLevel(logLevel) {
			return nil, nil, fmt.Errorf("invalid --log-level %q", logLevel)
		}
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		if logFormat != "json" && logFormat != "text" {
			return nil, nil, fmt.Errorf("invalid --log-format %q", logFormat)
		}
		cfg.Log.Format = logFormat
	}

	logger := logging.New(logging.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	for _, w := range warnings {
		logger.Warn(w, "config", path)
	}
	if path != "" {
		logger.Debug("config loaded", "config", path)
	}
	return cfg, logger, nil
}

// colorOutput reports whether w is a terminal.
func colorOutput(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
