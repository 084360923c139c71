package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const cmdTimeout = 10 * time.Minute

var (
	userFlag   string
	statusFlag string
	beforeFlag string
	yesFlag    bool
)

func init() {
	consolidateCmd.Flags().StringVarP(&userFlag, "user", "u", "", "user id (required)")
	_ = consolidateCmd.MarkFlagRequired("user")

	snapshotCmd.Flags().StringVarP(&userFlag, "user", "u", "", "user id (required)")
	_ = snapshotCmd.MarkFlagRequired("user")

	decayRecencyCmd.Flags().StringVarP(&userFlag, "user", "u", "", "user id (default: all users)")

	conflictsCmd.Flags().StringVarP(&userFlag, "user", "u", "", "user id (required)")
	conflictsCmd.Flags().StringVarP(&statusFlag, "status", "s", "pending", "status filter: pending, resolved, ignored or all")
	_ = conflictsCmd.MarkFlagRequired("user")

	purgeCmd.Flags().StringVarP(&userFlag, "user", "u", "", "user id (required)")
	purgeCmd.Flags().StringVarP(&beforeFlag, "before", "b", "", "only delete memories created before this RFC 3339 timestamp or YYYY-MM-DD date")
	purgeCmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "skip the confirmation prompt")
	_ = purgeCmd.MarkFlagRequired("user")
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run the consolidation pass for one user now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
		defer cancel()

		run, err := a.engine.RunForUser(ctx, userFlag)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("consolidation for %s already in progress", userFlag)
		}
		return printJSON(run)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print a user's personality snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
		defer cancel()

		snapshot, err := a.persona.GetSnapshot(ctx, userFlag)
		if err != nil {
			return err
		}
		return printJSON(snapshot)
	},
}

var decayRecencyCmd = &cobra.Command{
	Use:   "decay-recency",
	Short: "Recompute recency scores, for one user or everyone",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
		defer cancel()

		users := []string{userFlag}
		if userFlag == "" {
			users, err = a.persona.Users(ctx)
			if err != nil {
				return err
			}
		}
		total := 0
		for _, userID := range users {
			n, err := a.memories.RefreshRecency(ctx, userID)
			if err != nil {
				return fmt.Errorf("refresh recency for %s: %w", userID, err)
			}
			total += n
		}
		fmt.Printf("updated %d memories across %d users\n", total, len(users))
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List a user's memory conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
		defer cancel()

		status := statusFlag
		if status == "all" {
			status = ""
		}
		conflicts, err := a.runs.Conflicts(ctx, userFlag, status)
		if err != nil {
			return err
		}
		return printJSON(conflicts)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete a user's memories, all of them or only those created before a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		var before time.Time
		if beforeFlag != "" {
			t, err := parseCutoff(beforeFlag)
			if err != nil {
				return err
			}
			before = t
		}
		if !yesFlag {
			if beforeFlag != "" {
				fmt.Printf("This permanently deletes memories for %s created before %s. Re-run with --yes to confirm.\n", userFlag, before.Format(time.RFC3339))
			} else {
				fmt.Printf("This permanently deletes all data for %s. Re-run with --yes to confirm.\n", userFlag)
			}
			return nil
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
		defer cancel()

		// Abort any in-flight nightly run before rows start disappearing.
		a.engine.Cancel(userFlag)

		if beforeFlag != "" {
			n, err := a.memories.PurgeBefore(ctx, userFlag, before)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d memories for %s created before %s\n", n, userFlag, before.Format(time.RFC3339))
			return nil
		}

		if err := a.memories.PurgeUser(ctx, userFlag); err != nil {
			return err
		}
		if err := a.persona.PurgeUser(ctx, userFlag); err != nil {
			return err
		}
		if err := a.runs.DeleteUser(ctx, userFlag); err != nil {
			return err
		}
		fmt.Printf("purged %s\n", userFlag)
		return nil
	},
}

// parseCutoff accepts an RFC 3339 timestamp or a bare date, taken as
// midnight UTC.
func parseCutoff(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --before value %q: expected RFC 3339 timestamp or YYYY-MM-DD", s)
	}
	return t, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
