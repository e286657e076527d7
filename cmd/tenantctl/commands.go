package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/events"
	redisstore "github.com/gosuda/tenantry/internal/store/redis"
	"github.com/gosuda/tenantry/internal/tenancy"
)

// errPartial is returned when a sweep left some tenants unprovisioned.
var errPartial = errors.New("some tenants are still not ready") //nolint:gochecknoglobals // sentinel error

type rootOptions struct {
	open   openFunc
	output string
}

// with connects an operator for the duration of fn.
func (o *rootOptions) with(cmd *cobra.Command, fn func(op operator) error) error {
	op, closeFn, err := o.open(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(op)
}

func newRootCommand(open openFunc) *cobra.Command {
	opts := &rootOptions{open: open}

	cmd := &cobra.Command{
		Use:           "tenantctl",
		Short:         "Operate tenant schemas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("unknown output format %q", opts.output)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	cmd.AddCommand(
		newMigrateCommand(opts),
		newListCommand(opts),
		newStatusCommand(opts),
		newProvisionCommand(opts),
		newReconcileCommand(opts),
		newDeleteCommand(opts),
		newEventsCommand(opts),
		newAuditCommand(opts),
	)
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate-central",
		Short: "Apply pending central schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pending []string
			err := opts.with(cmd, func(op operator) error {
				var err error
				if pending, err = op.PendingCentral(cmd.Context()); err != nil {
					return err
				}
				if dryRun {
					return nil
				}
				return op.MigrateCentral(cmd.Context())
			})
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]any{"pending": pending, "applied": !dryRun}, func(w io.Writer) {
				verb := "applied"
				if dryRun {
					verb = "pending"
				}
				if len(pending) == 0 {
					fmt.Fprintln(w, "central schema is up to date")
					return
				}
				for _, id := range pending {
					fmt.Fprintf(w, "%s\t%s\n", verb, id)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants and their provisioning status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var tenants []*domain.Tenant
			err := opts.with(cmd, func(op operator) error {
				var err error
				tenants, err = op.List(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), tenants, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tSTATUS\tLAST ERROR")
				for _, t := range tenants {
					fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Status, t.LastError)
				}
			})
		},
	}
}

type statusView struct {
	Tenant       *domain.Tenant `json:"tenant"`
	Schema       string         `json:"schema"`
	SchemaExists bool           `json:"schema_exists"`
	Hosts        []string       `json:"hosts"`
	Pending      []string       `json:"pending_migrations"`
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <tenant-id>",
		Short: "Show a tenant's status, domains and pending migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in *tenancy.Inspection
			err := opts.with(cmd, func(op operator) error {
				var err error
				in, err = op.Inspect(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			view := statusView{
				Tenant:       in.Tenant,
				Schema:       in.Schema,
				SchemaExists: in.SchemaExists,
				Hosts:        nonNil(in.Hosts),
				Pending:      nonNil(in.Pending),
			}
			return opts.print(cmd.OutOrStdout(), view, func(w io.Writer) {
				fmt.Fprintf(w, "tenant\t%s\n", in.Tenant.ID)
				fmt.Fprintf(w, "status\t%s\n", in.Tenant.Status)
				if in.Tenant.LastError != "" {
					fmt.Fprintf(w, "last error\t%s\n", in.Tenant.LastError)
				}
				fmt.Fprintf(w, "schema\t%s (exists: %t)\n", in.Schema, in.SchemaExists)
				fmt.Fprintf(w, "domains\t%s\n", strings.Join(in.Hosts, ", "))
				fmt.Fprintf(w, "pending migrations\t%s\n", strings.Join(in.Pending, ", "))
			})
		},
	}
}

func newProvisionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision <tenant-id>...",
		Short: "Create or resume provisioning of tenant schemas",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(op operator) error {
				var errs []error
				for _, id := range args {
					if err := op.Provision(cmd.Context(), id); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", id, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s ready\n", id)
				}
				return errors.Join(errs...)
			})
		},
	}
}

type reconcileView struct {
	Attempted int               `json:"attempted"`
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed"`
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Retry provisioning for every tenant that is not ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var report *tenancy.ReconcileReport
			err := opts.with(cmd, func(op operator) error {
				var err error
				report, err = op.Reconcile(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			view := reconcileView{Attempted: report.Attempted, Succeeded: nonNil(report.Succeeded), Failed: report.Failed}
			if view.Failed == nil {
				view.Failed = map[string]string{}
			}
			if err := opts.print(cmd.OutOrStdout(), view, func(w io.Writer) { printReport(w, report) }); err != nil {
				return err
			}
			if len(report.Failed) > 0 {
				return errPartial
			}
			return nil
		},
	}
}

func printReport(w io.Writer, report *tenancy.ReconcileReport) {
	fmt.Fprintf(w, "attempted\t%d\n", report.Attempted)
	for _, id := range report.Succeeded {
		fmt.Fprintf(w, "ready\t%s\n", id)
	}
	failed := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		fmt.Fprintf(w, "failed\t%s\t%s\n", id, report.Failed[id])
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	var schemaOnly, yes bool
	cmd := &cobra.Command{
		Use:   "delete <tenant-id>",
		Short: "Delete a tenant and drop its schema",
		Long: "Delete removes the tenant record with its domains and account, then drops the tenant schema.\n" +
			"With --schema-only it drops the schema of a tenant whose record is already gone.\n" +
			"Dropped data cannot be recovered.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete %s without --yes", args[0])
			}
			err := opts.with(cmd, func(op operator) error {
				if schemaOnly {
					return op.DropSchema(cmd.Context(), args[0])
				}
				return op.Delete(cmd.Context(), args[0])
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&schemaOnly, "schema-only", false, "only drop the schema of an already removed tenant")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cmd
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream tenant lifecycle events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			return opts.with(cmd, func(op operator) error {
				return op.Watch(cmd.Context(), tenantID, func(ev events.Event) {
					if opts.output == "json" {
						_ = enc.Encode(ev)
						return
					}
					line := fmt.Sprintf("%s %s %s", ev.At.Format(time.RFC3339), ev.Kind, ev.TenantID)
					if ev.Error != "" {
						line += " error=" + ev.Error
					}
					fmt.Fprintln(out, line)
				})
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "only show events for this tenant")
	return cmd
}

func newAuditCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit <tenant-id>",
		Short: "Show the newest audit entries of a tenant, including deleted ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []*domain.AuditEntry
			err := opts.with(cmd, func(op operator) error {
				var err error
				entries, err = op.Audit(cmd.Context(), args[0], limit)
				return err
			})
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []*domain.AuditEntry{}
			}
			return opts.print(cmd.OutOrStdout(), entries, func(w io.Writer) {
				fmt.Fprintln(w, "TIME\tACTOR\tACTION")
				for _, e := range entries {
					actor := e.ActorType
					if e.ActorID != "" {
						actor += ":" + e.ActorID
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), actor, e.Action)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of entries to show")
	return cmd
}

func lifecycleChannel(tenantID string) string {
	if tenantID == "" {
		return redisstore.LifecycleChannel
	}
	return redisstore.TenantChannel(tenantID)
}

// print writes v as JSON or renders text through a tab writer.
func (o *rootOptions) print(out io.Writer, v any, text func(io.Writer)) error {
	if o.output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
