package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/rollcall/internal/types"
)

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.AddCommand(recoverDetectCmd, recoverConfirmCmd, recoverDeclineCmd)
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Answer the recovery prompt for an interrupted session",
	Long: `Each recover command is a cold start: prompts recorded by earlier
processes are forgotten, so an interrupted session is offered again.`,
}

var recoverDetectCmd = &cobra.Command{
	Use:   "detect [type]",
	Short: "Show interrupted sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typs := types.SessionTypes
		if len(args) == 1 {
			t, err := types.ParseSessionType(args[0])
			if err != nil {
				return err
			}
			typs = []types.SessionType{t}
		}
		return withApp(true, func(ctx context.Context, a *app) error {
			found := 0
			for _, typ := range typs {
				sess, ok := a.manager.Detect(ctx, typ)
				if !ok {
					continue
				}
				found++
				fmt.Fprintf(os.Stdout, "Interrupted %s session %s at %s, started %s, %d entries.\n",
					sess.SessionType, sess.ID, sess.Location,
					sess.CreatedAt.Local().Format("2006-01-02 15:04:05"), len(sess.Entries))
			}
			if found == 0 {
				fmt.Println("Nothing to recover.")
				return nil
			}
			fmt.Println("Run 'rollcall recover confirm <type>' to resume or 'rollcall recover decline <type>' to close and back up.")
			return nil
		})
	},
}

var recoverConfirmCmd = &cobra.Command{
	Use:   "confirm <type>",
	Short: "Resume the interrupted session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := types.ParseSessionType(args[0])
		if err != nil {
			return err
		}
		return withApp(true, func(ctx context.Context, a *app) error {
			sess, ok := a.manager.Detect(ctx, typ)
			if !ok {
				return fmt.Errorf("no interrupted %s session: %w", typ, types.ErrNotFound)
			}
			if err := a.manager.Resume(ctx, sess); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Resumed %s session %s (%d entries).\n", sess.SessionType, sess.ID, len(sess.Entries))
			return nil
		})
	},
}

var recoverDeclineCmd = &cobra.Command{
	Use:   "decline <type>",
	Short: "Close the interrupted session and back it up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := types.ParseSessionType(args[0])
		if err != nil {
			return err
		}
		return withApp(true, func(ctx context.Context, a *app) error {
			sess, ok := a.manager.Detect(ctx, typ)
			if !ok {
				return fmt.Errorf("no interrupted %s session: %w", typ, types.ErrNotFound)
			}
			a.monitor.Poll(ctx)
			out, err := a.manager.Discard(ctx, sess)
			if out != nil {
				printOutcome(out)
			}
			return err
		})
	},
}
