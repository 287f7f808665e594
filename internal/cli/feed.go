package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/peekr/internal/digest"
	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/store"
)

const defaultFeedLimit = 50

func newFeedCmd(opts *rootOptions) *cobra.Command {
	var (
		platform string
		sourceID string
		limit    int
		format   string
		unread   bool
	)
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Show stored posts, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			formatter, err := digest.New(format, !opts.noColor)
			if err != nil {
				return err
			}
			if platform != "" {
				if _, err := source.ParsePlatform(platform); err != nil {
					return err
				}
			}

			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				ctx := cmd.Context()
				var (
					posts   []store.Post
					filters []string
				)
				switch {
				case sourceID != "":
					posts, err = a.db.QueryBySourceID(ctx, sourceID, limit)
					filters = append(filters, "source="+sourceID)
				case platform != "":
					posts, err = a.db.QueryBySource(ctx, platform, limit)
					filters = append(filters, "platform="+platform)
				default:
					posts, err = a.db.QueryAll(ctx, limit)
				}
				if err != nil {
					return err
				}
				if unread {
					posts = unreadOnly(posts)
					filters = append(filters, "unread")
				}

				count, err := a.db.UnreadCount(ctx)
				if err != nil {
					return err
				}
				return formatter.Feed(cmd.OutOrStdout(), digest.FeedInput{
					Posts:  posts,
					Unread: count,
					Filter: strings.Join(filters, ", "),
					Now:    time.Now(),
				})
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "only posts of one platform: "+platformList())
	cmd.Flags().StringVar(&sourceID, "source", "", "only posts of one followed source id")
	cmd.Flags().IntVar(&limit, "limit", defaultFeedLimit, "maximum number of posts, 0 for all")
	cmd.Flags().StringVar(&format, "format", "", "output format: terminal, json, markdown")
	cmd.Flags().BoolVar(&unread, "unread", false, "hide posts already marked read")
	return cmd
}

func unreadOnly(posts []store.Post) []store.Post {
	out := posts[:0]
	for _, p := range posts {
		if !p.IsRead {
			out = append(out, p)
		}
	}
	return out
}

func newReadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>...",
		Short: "Mark posts as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64)
				if err != nil {
					return fmt.Errorf("invalid post id %q", arg)
				}
				ids = append(ids, id)
			}
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				for _, id := range ids {
					if err := a.db.MarkRead(cmd.Context(), id); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %d posts read.\n", len(ids))
				return nil
			})
		},
	}
}
