package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/peekr/internal/digest"
	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/syncer"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var (
		platform string
		format   string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch the latest items from every connected platform",
		Long:  "sync runs every ready platform concurrently. With --platform it syncs that platform alone, even when it is not ready, so the reason is shown.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			formatter, err := digest.New(format, !opts.noColor)
			if err != nil {
				return err
			}
			var only source.Platform
			if platform != "" {
				if only, err = source.ParsePlatform(platform); err != nil {
					return err
				}
			}

			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				start := time.Now()
				var results map[source.Platform]syncer.Result
				if only != "" {
					r := a.orch.SyncOne(cmd.Context(), only)
					results = map[source.Platform]syncer.Result{only: r}
				} else {
					results = a.orch.SyncAll(cmd.Context())
				}
				summary := syncer.Summarize(results)
				if err := formatter.Report(cmd.OutOrStdout(), digest.ReportInput{
					Summary: summary,
					Elapsed: time.Since(start),
				}); err != nil {
					return err
				}
				if only != "" && len(summary.Failures) > 0 {
					return fmt.Errorf("sync %s failed", only)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "sync one platform: "+platformList())
	cmd.Flags().StringVar(&format, "format", "", "output format: terminal, json, markdown")
	return cmd
}

func platformList() string {
	names := make([]string, 0, len(source.Platforms))
	for _, p := range source.Platforms {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}
