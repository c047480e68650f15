package cli

import (
	"fmt"
	"strings"
	"time"

	appfiscal "github.com/erp/fiscalsync/internal/application/fiscal"
	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/spf13/cobra"
)

// NewClaimCommand creates the claim command
func NewClaimCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <family> <id>",
		Short: "Register or reclaim a document lease",
		Example: `  lotctl claim 01 1042
  lotctl claim 91 77 --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := root.formatter(cmd)
			family, err := parseFamily(out, args[0])
			if err != nil {
				return err
			}
			return root.withEnv(cmd, func(env *Env) error {
				reg, err := env.Lots.RegisterOrClaim(cmd.Context(), args[1], family)
				if err != nil {
					return out.Fail("claim failed", err)
				}
				verb := "reclaimed"
				if reg.Created {
					verb = "registered"
				}
				return out.Success(reg, fmt.Sprintf("%s %s/%s, lease expires %s",
					verb, family, args[1], formatTime(reg.Lease.LeaseExpiresAt)))
			})
		},
	}
}

// FinishOptions holds flags for the finish command
type FinishOptions struct {
	*RootOptions
	Failed bool
}

// NewFinishCommand creates the finish command
func NewFinishCommand(root *RootOptions) *cobra.Command {
	opts := &FinishOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "finish <family> <id>",
		Short: "Record the outcome of a document's processing",
		Example: `  lotctl finish 01 1042
  lotctl finish 01 1042 --failed`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			family, err := parseFamily(out, args[0])
			if err != nil {
				return err
			}
			return opts.withEnv(cmd, func(env *Env) error {
				res, err := env.Lots.Finish(cmd.Context(), args[1], family, !opts.Failed)
				if err != nil {
					return out.Fail("finish failed", err)
				}
				state := fiscal.StateDone
				if !res.Success {
					state = fiscal.StateError
				}
				text := fmt.Sprintf("%s/%s marked %s", family, args[1], state)
				if !res.Applied {
					text = fmt.Sprintf("%s/%s unchanged", family, args[1])
				}
				return out.Success(res, text)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "record a failure instead of a success")
	return cmd
}

// NewShowCommand creates the show command
func NewShowCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <family> <id>",
		Short:         "Show a document lease",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := root.formatter(cmd)
			family, err := parseFamily(out, args[0])
			if err != nil {
				return err
			}
			return root.withEnv(cmd, func(env *Env) error {
				lease, err := env.Lots.Lookup(cmd.Context(), args[1], family)
				if err != nil {
					return out.Fail("lookup failed", err)
				}
				view := appfiscal.NewLeaseView(lease)
				return out.Success(view, formatLease(view))
			})
		},
	}
}

// CandidatesOptions holds flags for the candidates command
type CandidatesOptions struct {
	*RootOptions
	StaleOnly bool
	Limit     int
}

// NewCandidatesCommand creates the candidates command
func NewCandidatesCommand(root *RootOptions) *cobra.Command {
	opts := &CandidatesOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:           "candidates <family>",
		Short:         "List the leases the next sweep would resync",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			family, err := parseFamily(out, args[0])
			if err != nil {
				return err
			}
			return opts.withEnv(cmd, func(env *Env) error {
				filter := fiscal.CandidateFilter{IncludeActive: !opts.StaleOnly, Limit: opts.Limit}
				leases, err := env.Lots.Candidates(cmd.Context(), family, filter)
				if err != nil {
					return out.Fail("list failed", err)
				}
				views := make([]*appfiscal.LeaseView, len(leases))
				lines := make([]string, 0, len(leases)+1)
				lines = append(lines, fmt.Sprintf("%d candidate(s) in family %s", len(leases), family))
				for i := range leases {
					views[i] = appfiscal.NewLeaseView(&leases[i])
					lines = append(lines, "  "+formatLease(views[i]))
				}
				return out.Success(views, strings.Join(lines, "\n"))
			})
		},
	}

	cmd.Flags().BoolVar(&opts.StaleOnly, "stale-only", false, "skip Processing leases that have not expired")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of leases (0 = no limit)")
	return cmd
}

func formatLease(v *appfiscal.LeaseView) string {
	return fmt.Sprintf("%s %s started %s expires %s",
		v.ExternalID, v.State, formatTime(v.LeaseStartedAt), formatTime(v.LeaseExpiresAt))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
