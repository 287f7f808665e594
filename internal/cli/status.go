package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/store"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show readiness and the last sync of every platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				ctx := cmd.Context()
				runs, err := a.db.LatestSyncRuns(ctx)
				if err != nil {
					return err
				}
				last := make(map[string]store.SyncRun, len(runs))
				for _, r := range runs {
					last[r.Platform] = r
				}
				unread, err := a.db.UnreadCount(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "store: %s (%s), %s unread\n\n", a.cfg.Storage.Path, a.db.Backend(), humanize.Comma(int64(unread)))

				accounts, err := a.db.ListAccounts(ctx)
				if err != nil {
					return err
				}
				connected := make(map[string]bool)
				for _, acct := range accounts {
					connected[acct.Platform] = acct.Connected
				}

				now := time.Now()
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PLATFORM\tACCOUNT\tLAST SYNC\tITEMS\tRESULT")
				for _, p := range source.Platforms {
					account := "-"
					if connected[string(p)] {
						account = "connected"
					}
					run, ok := last[string(p)]
					if !ok {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p, account, "never", "-", "-")
						continue
					}
					result := "ok"
					if !run.OK() {
						result = run.ErrKind
						if run.Error != "" {
							result += ": " + run.Error
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p, account, humanize.RelTime(run.StartedAt, now, "ago", "from now"), run.Count, result)
				}
				return w.Flush()
			})
		},
	}
}

func newPruneCmd(opts *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete posts older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 0 {
				return fmt.Errorf("--days must not be negative, got %d", days)
			}
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				retain := a.cfg.Storage.Retention()
				if cmd.Flags().Changed("days") {
					retain = time.Duration(days) * 24 * time.Hour
				}
				if retain == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Retention is disabled, nothing pruned.")
					return nil
				}
				cutoff := time.Now().Add(-retain)
				n, err := a.db.PruneOlderThan(cmd.Context(), cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s posts older than %s.\n", humanize.Comma(n), humanize.Time(cutoff))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default storage.retain_days)")
	return cmd
}
