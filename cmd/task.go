package cmd

import (
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect application tasks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get TASK_ID",
		Short: "Print a task with its step history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			task, err := appInstance.Engine().GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	})
	return cmd
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage browser sessions",
	}

	var owner string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := appInstance.Engine().StartSession(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(cmd, sess)
		},
	}
	start.Flags().StringVar(&owner, "owner", cliOwner, "session owner")

	end := &cobra.Command{
		Use:   "end SESSION_ID",
		Short: "End a session and release its browsers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := appInstance.Engine().EndSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, sess)
		},
	}

	tasks := &cobra.Command{
		Use:   "tasks SESSION_ID",
		Short: "List the tasks of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			list, err := appInstance.Engine().ListTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	}

	cmd.AddCommand(start, end, tasks)
	return cmd
}
