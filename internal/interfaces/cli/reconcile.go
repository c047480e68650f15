package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	appfiscal "github.com/erp/fiscalsync/internal/application/fiscal"
	"github.com/erp/fiscalsync/internal/infrastructure/scheduler"
	"github.com/spf13/cobra"
)

// ReconcileOptions holds flags for the reconcile command
type ReconcileOptions struct {
	*RootOptions
	FromFile string
}

// NewReconcileCommand creates the reconcile command
func NewReconcileCommand(root *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "reconcile <family> [id...]",
		Short: "Resync a batch of documents with the fiscal authority",
		Long: `Resync a batch of documents of one family with the fiscal authority and
record each outcome on its lease. One rejected document does not stop the batch.
Exits 1 when any document was rejected.`,
		Example: `  lotctl reconcile 01 1 2 3
  lotctl reconcile 92 --from-file ids.txt
  lotctl candidates 01 --format json | jq -r '.data[].external_id' | lotctl reconcile 01 --from-file -`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			family, err := parseFamily(out, args[0])
			if err != nil {
				return err
			}
			ids := args[1:]
			if opts.FromFile != "" {
				more, err := readIDs(cmd, opts.FromFile)
				if err != nil {
					_ = out.Error("INVALID_INPUT", err.Error())
					return WrapExitError(ExitCommandError, "failed to read ids", err)
				}
				ids = append(ids, more...)
			}

			return opts.withEnv(cmd, func(env *Env) error {
				report, err := env.Lots.ReconcileFamily(cmd.Context(), ids, family)
				if err != nil {
					return out.Fail("reconcile failed", err)
				}
				if err := out.Success(report, formatBatch(report)); err != nil {
					return err
				}
				if len(report.Failed) > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d document(s) rejected", len(report.Failed)))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.FromFile, "from-file", "f", "", "read ids from a file, one per line (- for stdin)")
	return cmd
}

// readIDs reads one id per line, skipping blanks and # comments
func readIDs(cmd *cobra.Command, path string) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, sc.Err()
}

func formatBatch(r *appfiscal.BatchReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "family %s: %d succeeded, %d failed", r.Family, len(r.Succeeded), len(r.Failed))
	if r.PersistErrors > 0 {
		fmt.Fprintf(&b, ", %d not recorded", r.PersistErrors)
	}
	for _, f := range r.Failed {
		fmt.Fprintf(&b, "\n  %s: %s", f.ID, f.Message)
	}
	return b.String()
}

// NewSweepCommand creates the sweep command
func NewSweepCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep over every family",
		Long: `Run one reconciliation sweep over every family, exactly as the server's
scheduled sweeper does. The run is skipped when another replica holds the sweep lock.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := root.formatter(cmd)
			return root.withEnv(cmd, func(env *Env) error {
				if env.Sweeper == nil {
					_ = out.Error("INVALID_STATE", "sweeper is disabled")
					return NewExitError(ExitCommandError, "sweeper is disabled")
				}
				report, err := env.Sweeper.SweepNow(cmd.Context())
				if errors.Is(err, scheduler.ErrSweepInProgress) {
					_ = out.Error("SWEEP_IN_PROGRESS", err.Error())
					return WrapExitError(ExitFailure, "sweep skipped", err)
				}
				if err != nil {
					return out.Fail("sweep failed", err)
				}
				if err := out.Success(report, formatSweep(report)); err != nil {
					return err
				}
				if failed := sweepFailures(report); failed > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d document(s) rejected or families failed", failed))
				}
				return nil
			})
		},
	}
}

func sweepFailures(r *scheduler.SweepReport) int {
	n := 0
	for _, f := range r.Families {
		if f.Error != "" {
			n++
		}
		if f.Report != nil {
			n += len(f.Report.Failed)
		}
	}
	return n
}

func formatSweep(r *scheduler.SweepReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sweep %s finished in %s", r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, f := range r.Families {
		fmt.Fprintf(&b, "\n  family %s: %d candidate(s)", f.Family, f.Candidates)
		if f.Report != nil {
			fmt.Fprintf(&b, ", %d succeeded, %d failed", len(f.Report.Succeeded), len(f.Report.Failed))
		}
		if f.Error != "" {
			fmt.Fprintf(&b, ", error: %s", f.Error)
		}
	}
	return b.String()
}
