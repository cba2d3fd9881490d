package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/service"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Browse and triage recorded jobs",
	}

	var status, source string
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out, err := appInstance.Engine().ListJobs(cmd.Context(), service.JobFilter{
				Status: jobs.JobStatus(status),
				Source: source,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().StringVar(&source, "source", "", "filter by source")

	var markStatus string
	var score float64
	mark := &cobra.Command{
		Use:   "mark JOB_ID",
		Short: "Set a job's status and/or match score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			statusSet, scoreSet := cmd.Flags().Changed("status"), cmd.Flags().Changed("score")
			if !statusSet && !scoreSet {
				return errors.New("--status or --score required")
			}
			engine := appInstance.Engine()
			var rec jobs.JobRecord
			if statusSet {
				if rec, err = engine.UpdateJobStatus(cmd.Context(), args[0], jobs.JobStatus(markStatus)); err != nil {
					return err
				}
			}
			if scoreSet {
				if rec, err = engine.UpdateJobScore(cmd.Context(), args[0], score); err != nil {
					return err
				}
			}
			return printJSON(cmd, rec)
		},
	}
	mark.Flags().StringVar(&markStatus, "status", "", "new status: new, reviewed, applied or rejected")
	mark.Flags().Float64Var(&score, "score", 0, "match score in [0,1]")

	cmd.AddCommand(list, mark)
	return cmd
}
