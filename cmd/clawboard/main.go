package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/clawboard/internal/config"
	"github.com/basket/clawboard/internal/persistence"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var home string
	root := &cobra.Command{
		Use:           "clawboard",
		Short:         "Kanban board and token usage ledger for agent teams",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if home != "" {
				return os.Setenv("CLAWBOARD_HOME", home)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&home, "home", "", "data directory (default $CLAWBOARD_HOME or ~/.clawboard)")

	root.AddCommand(serveCmd())
	root.AddCommand(reportCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(doctorCmd())
	return root
}

// openStore loads config and opens the board database without the bus.
func openStore() (config.Config, *persistence.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, fmt.Errorf("config load: %w", err)
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return cfg, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, store, nil
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
