package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/rollcall/internal/lifecycle"
	"github.com/user/rollcall/internal/types"
)

var (
	manualEntry bool
	listType    string
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionStartCmd, sessionAddCmd, sessionRemoveCmd, sessionEndCmd, sessionCurrentCmd, sessionListCmd, sessionShowCmd)
	sessionAddCmd.Flags().BoolVar(&manualEntry, "manual", false, "record the entry as typed in rather than scanned")
	sessionListCmd.Flags().StringVar(&listType, "type", "", "only list sessions of this type (scanner or checklist)")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run and inspect attendance sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <type> <location>",
	Short: "Start a scanner or checklist session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := types.ParseSessionType(args[0])
		if err != nil {
			return err
		}
		return withApp(false, func(ctx context.Context, a *app) error {
			sess, err := a.manager.Start(ctx, typ, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Started %s session %s at %s.\n", sess.SessionType, sess.ID, sess.Location)
			return nil
		})
	},
}

var sessionAddCmd = &cobra.Command{
	Use:   "add <type> <content>",
	Short: "Record an entry in the live session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := types.ParseSessionType(args[0])
		if err != nil {
			return err
		}
		return withApp(false, func(ctx context.Context, a *app) error {
			entry, added, err := a.manager.AddEntry(ctx, typ, args[1], manualEntry)
			if err != nil {
				return err
			}
			if !added {
				fmt.Fprintf(os.Stdout, "Already recorded: %s (entry %s).\n", entry.Content, entry.ID)
				return nil
			}
			fmt.Fprintf(os.Stdout, "Recorded %s (entry %s).\n", entry.Content, entry.ID)
			return nil
		})
	},
}

var sessionRemoveCmd = &cobra.Command{
	Use:   "remove <type> <entry id|content>",
	Short: "Remove an entry from the live session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := types.ParseSessionType(args[0])
		if err != nil {
			return err
		}
		return withApp(false, func(ctx context.Context, a *app) error {
			removed, err := a.manager.RemoveEntry(ctx, typ, args[1])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("entry not found: %s", args[1])
			}
			fmt.Fprintf(os.Stdout, "Removed %s.\n", args[1])
			return nil
		})
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <type>",
	Short: "End the live session and back it up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := types.ParseSessionType(args[0])
		if err != nil {
			return err
		}
		return withApp(false, func(ctx context.Context, a *app) error {
			a.monitor.Poll(ctx)
			out, err := a.manager.End(ctx, typ)
			if out != nil {
				printOutcome(out)
			}
			return err
		})
	},
}

func printOutcome(out *lifecycle.Outcome) {
	sess := out.Session
	switch {
	case out.Delivered:
		fmt.Fprintf(os.Stdout, "Session %s (%d entries) backed up.\n", sess.ID, len(sess.Entries))
	case out.Queued:
		fmt.Fprintf(os.Stdout, "Session %s (%d entries) queued for backup.\n", sess.ID, len(sess.Entries))
	default:
		fmt.Fprintf(os.Stdout, "Session %s had no entries, nothing to back up.\n", sess.ID)
	}
}

var sessionCurrentCmd = &cobra.Command{
	Use:   "current <type>",
	Short: "Show the live session of a type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := types.ParseSessionType(args[0])
		if err != nil {
			return err
		}
		return withApp(false, func(ctx context.Context, a *app) error {
			sess, err := a.manager.Current(ctx, typ)
			if err != nil {
				return err
			}
			return printJSON(sess)
		})
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter types.SessionType
		if listType != "" {
			t, err := types.ParseSessionType(listType)
			if err != nil {
				return err
			}
			filter = t
		}
		return withApp(false, func(ctx context.Context, a *app) error {
			list, err := a.manager.History(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tLOCATION\tSTATUS\tENTRIES\tBACKED UP\tCREATED")
			shown := 0
			for _, s := range list {
				if filter != "" && s.SessionType != filter {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
					s.ID,
					s.SessionType,
					s.Location,
					s.Status,
					len(s.Entries),
					s.BackedUp,
					s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				)
				shown++
			}
			if shown == 0 {
				fmt.Println("No sessions found.")
				return nil
			}
			return w.Flush()
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored session with its entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app) error {
			sess, err := a.manager.Get(ctx, types.SessionID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(sess)
		})
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
