package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailmove/internal/jobs"
	"github.com/Martian-dev/mailmove/internal/model"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Create and control migration jobs",
		Long: `Job commands work directly on the store. start, resume and retry only
change the status; a running "mailmove serve" picks the job up on its next
scheduler tick.`,
	}
	cmd.AddCommand(
		newJobCreateCmd(),
		newJobListCmd(),
		newJobShowCmd(),
		newJobLogsCmd(),
		newJobOpCmd("start", "Start a draft or scheduled job", (*jobs.Service).Start),
		newJobOpCmd("pause", "Pause a running job", (*jobs.Service).Pause),
		newJobOpCmd("resume", "Resume a paused job", (*jobs.Service).Resume),
		newJobOpCmd("cancel", "Cancel a job", (*jobs.Service).Cancel),
		newJobOpCmd("retry", "Retry a failed job", (*jobs.Service).Retry),
	)
	return cmd
}

func newJobCreateCmd() *cobra.Command {
	var (
		req       jobs.CreateRequest
		dataTypes []string
		at        string
	)
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create a migration job",
		Example: `  mailmove job create --name ana --source <id> --target <id> --types emails,contacts`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range dataTypes {
				dt, err := model.ParseDataType(name)
				if err != nil {
					return err
				}
				switch dt {
				case model.DataTypeEmails:
					req.DataTypes.Emails = true
				case model.DataTypeContacts:
					req.DataTypes.Contacts = true
				case model.DataTypeCalendars:
					req.DataTypes.Calendars = true
				}
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				req.ScheduledAt = &t
			}
			svc, err := controlService()
			if err != nil {
				return err
			}
			job, err := svc.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "job name")
	f.StringVar(&req.Description, "description", "", "free text description")
	f.StringVar(&req.SourceAccountID, "source", "", "source account id")
	f.StringVar(&req.TargetAccountID, "target", "", "target account id")
	f.StringSliceVar(&dataTypes, "types", nil, "data types to migrate (emails, contacts, calendars); all when empty")
	f.StringVar(&at, "at", "", "schedule the start (RFC 3339)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newJobListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := controlService()
			if err != nil {
				return err
			}
			list, err := svc.List(cmd.Context(), model.Status(status))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPHASE\tPROGRESS")
			for _, j := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\n", j.ID, j.Name, j.Status, j.Phase, j.ProgressPercent)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	return cmd
}

func newJobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := controlService()
			if err != nil {
				return err
			}
			job, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			p, err := svc.Progress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job, p)
			return nil
		},
	}
}

func printJob(out io.Writer, job *model.Job, p model.Progress) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", job.ID)
	fmt.Fprintf(w, "Name:\t%s\n", job.Name)
	fmt.Fprintf(w, "Source:\t%s\n", job.SourceAccountID)
	fmt.Fprintf(w, "Target:\t%s\n", job.TargetAccountID)
	fmt.Fprintf(w, "Status:\t%s\n", p.Status)
	fmt.Fprintf(w, "Phase:\t%s\n", p.Phase)
	fmt.Fprintf(w, "Progress:\t%d%%\n", p.OverallPercent)
	if job.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", job.LastError)
	}
	_ = w.Flush()

	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nTYPE\tTOTAL\tMIGRATED\tFAILED\tPERCENT")
	for _, row := range []struct {
		dt model.DataType
		tp model.TypeProgress
	}{
		{model.DataTypeEmails, p.Emails},
		{model.DataTypeContacts, p.Contacts},
		{model.DataTypeCalendars, p.Events},
	} {
		if !job.DataTypes.Enabled(row.dt) {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d%%\n", row.dt, row.tp.Total, row.tp.Migrated, row.tp.Failed, row.tp.Percent)
	}
	_ = w.Flush()
}

func newJobLogsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show the newest log entries of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := controlService()
			if err != nil {
				return err
			}
			entries, err := svc.Logs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Level, e.DataType, e.Message)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of entries")
	return cmd
}

func newJobOpCmd(use, short string, op func(*jobs.Service, context.Context, string) (*model.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := controlService()
			if err != nil {
				return err
			}
			job, err := op(svc, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
			return nil
		},
	}
}
