package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Manage stored resumes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add FILE",
		Short: "Store a resume described by a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read resume: %w", err)
			}
			var r jobs.Resume
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("decode resume %s: %w", args[0], err)
			}
			if err := appInstance.Engine().SaveResume(cmd.Context(), r); err != nil {
				return err
			}
			return printJSON(cmd, r)
		},
	}, &cobra.Command{
		Use:   "get RESUME_ID",
		Short: "Print a stored resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			r, err := appInstance.Engine().GetResume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, r)
		},
	})
	return cmd
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the sqlite store into store.backup_dir",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			path, err := appInstance.Backup(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
}
