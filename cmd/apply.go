package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/api"
	"github.com/JakeFAU/autoapply/internal/service"
)

const cliOwner = "cli"

func newApplyCmd() *cobra.Command {
	var jobID, resumeID, sessionID string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Submit an application for a recorded job",
		Long: `Drives a browser through the job's application form. Without --session a
one-off session is started and ended around the application.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if jobID == "" || resumeID == "" {
				return errors.New("--job and --resume are required")
			}
			engine := appInstance.Engine()
			ctx := cmd.Context()

			if sessionID == "" {
				sess, err := engine.StartSession(ctx, cliOwner)
				if err != nil {
					return fmt.Errorf("start session: %w", err)
				}
				sessionID = sess.ID
				defer func() {
					if _, err := engine.EndSession(ctx, sess.ID); err != nil {
						appInstance.Logger().Warn("failed to end session", zap.String("session_id", sess.ID), zap.Error(err))
					}
				}()
			}
			return printApplyResult(cmd, engine.ApplyToJob(ctx, jobID, resumeID, sessionID))
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&resumeID, "resume", "", "resume id")
	cmd.Flags().StringVar(&sessionID, "session", "", "existing session id")
	return cmd
}

func newResumeTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume-task TASK_ID",
		Short: "Continue an interrupted application from its last recorded step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return printApplyResult(cmd, appInstance.Engine().ResumeTask(cmd.Context(), args[0]))
		},
	}
}

// printApplyResult prints any task that exists, even a failed one. Only a
// request that produced no task is a command error.
func printApplyResult(cmd *cobra.Command, res service.ApplyResult) error {
	if res.TaskID == "" && res.Err != nil {
		return res.Err
	}
	return printJSON(cmd, api.NewApplyResponse(res))
}
