package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/rollcall/internal/types"
)

var backupAll bool

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupStatusCmd, backupDrainCmd, backupNowCmd, backupRemoteCmd, backupClearCmd, backupAutoCmd)
	backupNowCmd.Flags().BoolVar(&backupAll, "all", false, "also re-deliver sessions already backed up")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Inspect and drive remote backups",
}

var backupStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the backup queue and last backup time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app) error {
			a.monitor.Poll(ctx)
			st, err := a.driver.Status(ctx)
			if err != nil {
				return err
			}

			last := "never"
			if st.LastBackup != nil {
				last = st.LastBackup.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(os.Stdout, "Online:      %t\n", st.Online)
			fmt.Fprintf(os.Stdout, "Auto backup: %t\n", st.AutoBackup)
			fmt.Fprintf(os.Stdout, "Last backup: %s\n", last)
			fmt.Fprintf(os.Stdout, "Pending:     %d\n", st.Pending)
			if st.Pending == 0 {
				return nil
			}

			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tFILE\tRETRIES\tQUEUED\tLAST ERROR")
			for _, j := range st.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					j.ID, j.FileName, j.RetryCount,
					j.QueuedAt.Local().Format("2006-01-02 15:04:05"), j.LastError)
			}
			return w.Flush()
		})
	},
}

var backupDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver queued backups now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app) error {
			res, err := a.driver.Reconcile(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Delivered %d, failed %d, dropped %d, %d remaining.\n",
				res.Succeeded, res.Failed, res.Dropped, res.Remaining)
			return nil
		})
	},
}

var backupNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Back up every ended session that is not yet backed up",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app) error {
			list, err := a.manager.History(ctx)
			if err != nil {
				return err
			}
			var todo []*types.Session
			for _, s := range list {
				if s.InProgress() || len(s.Entries) == 0 {
					continue
				}
				if s.BackedUp && !backupAll {
					continue
				}
				todo = append(todo, s)
			}
			if len(todo) == 0 {
				fmt.Println("Nothing to back up.")
				return nil
			}

			report, err := a.driver.BackupNow(ctx, todo)
			fmt.Fprintf(os.Stdout, "Delivered %d, queued %d.\n", report.Delivered, report.Queued)
			return err
		})
	},
}

var backupRemoteCmd = &cobra.Command{
	Use:   "remote <type>",
	Short: "List exports stored remotely",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := types.ParseSessionType(args[0])
		if err != nil {
			return err
		}
		return withApp(false, func(ctx context.Context, a *app) error {
			objects, err := a.driver.ListRemote(ctx, typ)
			if err != nil {
				return err
			}
			if len(objects) == 0 {
				fmt.Println("No remote exports.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tVERSION")
			for _, o := range objects {
				fmt.Fprintf(w, "%s\t%d\t%s\n", o.Name, o.Size, o.Version)
			}
			return w.Flush()
		})
	},
}

var backupClearCmd = &cobra.Command{
	Use:   "clear <type>",
	Short: "Move remote exports of a session type to the archive directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := types.ParseSessionType(args[0])
		if err != nil {
			return err
		}
		return withApp(false, func(ctx context.Context, a *app) error {
			res, err := a.driver.ClearRemote(ctx, typ)
			switch {
			case res.Total == 0 && err == nil:
				fmt.Println("No remote exports to clear.")
			case res.Failed == 0 && res.Total > 0:
				fmt.Fprintf(os.Stdout, "Moved all %d exports to the archive.\n", res.Moved)
			case res.Total > 0:
				fmt.Fprintf(os.Stdout, "Moved %d of %d exports to the archive, %d failed.\n", res.Moved, res.Total, res.Failed)
			}
			return err
		})
	},
}

var backupAutoCmd = &cobra.Command{
	Use:   "auto [on|off]",
	Short: "Show or toggle automatic backup of ended sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app) error {
			if len(args) == 0 {
				fmt.Fprintf(os.Stdout, "Auto backup: %t\n", a.driver.AutoBackup(ctx))
				return nil
			}
			on, err := parseToggle(args[0])
			if err != nil {
				return err
			}
			if err := a.driver.SetAutoBackup(ctx, on); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Auto backup set to %t.\n", on)
			return nil
		})
	},
}

func parseToggle(s string) (bool, error) {
	switch s {
	case "on", "enable", "enabled":
		return true, nil
	case "off", "disable", "disabled":
		return false, nil
	}
	on, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return on, nil
}
