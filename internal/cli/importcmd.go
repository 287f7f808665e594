package cli

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/store"
)

type opml struct {
	Body opmlBody `xml:"body"`
}

type opmlBody struct {
	Outlines []opmlOutline `xml:"outline"`
}

type opmlOutline struct {
	XMLURL   string        `xml:"xmlUrl,attr"`
	Text     string        `xml:"text,attr"`
	Outlines []opmlOutline `xml:"outline"`
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file.opml>",
		Short: "Follow the RSS feeds listed in an OPML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read OPML: %w", err)
			}
			feedURLs, err := parseOPML(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(feedURLs) == 0 {
				fmt.Fprintln(out, "No feed URLs found in OPML file.")
				return nil
			}

			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				ctx := cmd.Context()
				acct, err := a.db.GetAccount(ctx, string(source.RSS))
				if err != nil {
					return err
				}
				if acct == nil {
					acct = &store.Account{Platform: string(source.RSS), DisplayName: defaultDisplayName(source.RSS)}
				}

				newFeeds, skipped := mergeFeeds(store.SplitConfig(acct.ConfigData), feedURLs)
				if len(newFeeds) == 0 {
					fmt.Fprintf(out, "All %d feeds already followed, nothing to add.\n", skipped)
					return nil
				}
				if dryRun {
					printNewFeeds(out, newFeeds, skipped)
					return nil
				}

				acct.ConfigData = store.JoinConfig(append(store.SplitConfig(acct.ConfigData), newFeeds...))
				if !acct.Connected {
					acct.Connected = true
					acct.ConnectedAt = time.Now()
				}
				if err := a.db.SaveAccount(ctx, *acct); err != nil {
					return err
				}
				fmt.Fprintf(out, "Added %d feeds, skipped %d duplicates.\n", len(newFeeds), skipped)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be added without saving")
	return cmd
}

func parseOPML(data []byte) ([]string, error) {
	var doc opml
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse OPML: %w", err)
	}
	return extractFeedURLs(doc.Body.Outlines), nil
}

func extractFeedURLs(outlines []opmlOutline) []string {
	var urls []string
	for _, o := range outlines {
		u := strings.TrimSpace(o.XMLURL)
		if u != "" && (strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")) {
			urls = append(urls, u)
		}
		// Nested outlines are folders.
		urls = append(urls, extractFeedURLs(o.Outlines)...)
	}
	return urls
}

// mergeFeeds returns the urls not yet followed, in file order, and how many
// were skipped as duplicates.
func mergeFeeds(existing, urls []string) (added []string, skipped int) {
	seen := make(map[string]bool, len(existing))
	for _, f := range existing {
		seen[f] = true
	}
	for _, u := range urls {
		if seen[u] {
			skipped++
			continue
		}
		seen[u] = true
		added = append(added, u)
	}
	return added, skipped
}

func printNewFeeds(out io.Writer, feeds []string, skipped int) {
	fmt.Fprintf(out, "Would add %d feeds (skipping %d duplicates):\n", len(feeds), skipped)
	for _, f := range feeds {
		fmt.Fprintf(out, "  + %s\n", f)
	}
}
