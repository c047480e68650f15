// Package cli implements lotctl, the operator command line for fiscal lot leases.
package cli

import (
	"context"
	"fmt"

	appfiscal "github.com/erp/fiscalsync/internal/application/fiscal"
	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/infrastructure/scheduler"
	"github.com/spf13/cobra"
)

// Sweeper runs one reconciliation sweep
type Sweeper interface {
	SweepNow(ctx context.Context) (*scheduler.SweepReport, error)
}

// Env is what the commands operate on. Close releases it.
type Env struct {
	Lots    *appfiscal.LotService
	Sweeper Sweeper
	Close   func() error
}

// Opener builds an Env from a config file path ("" searches the defaults)
type Opener func(ctx context.Context, configPath string, verbose bool) (*Env, error)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	open Opener
}

// ValidFormats defines the allowed output formats
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the lotctl root command
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "lotctl",
		Short: "Inspect and reconcile fiscal document leases",
		Long: `lotctl claims, finishes and inspects the leases that track fiscal
document submissions, and reconciles documents with the fiscal authority.

Families: 01 (invoices), 91 (credit notes), 92 (debit notes).`,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./config.toml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewClaimCommand(opts))
	cmd.AddCommand(NewFinishCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewCandidatesCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// withEnv opens the Env, runs fn and closes it
func (o *RootOptions) withEnv(cmd *cobra.Command, fn func(*Env) error) error {
	env, err := o.open(cmd.Context(), o.ConfigPath, o.Verbose)
	if err != nil {
		_ = o.formatter(cmd).Error("CONFIG_ERROR", err.Error())
		return WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	defer func() {
		if env.Close != nil {
			_ = env.Close()
		}
	}()
	return fn(env)
}

// parseFamily validates a family argument before any store is opened
func parseFamily(out *OutputFormatter, code string) (fiscal.Family, error) {
	f, err := fiscal.ParseFamily(code)
	if err != nil {
		_ = out.Error("INVALID_FAMILY", err.Error())
		return "", WrapExitError(ExitCommandError, "invalid family", err)
	}
	return f, nil
}
