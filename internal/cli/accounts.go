package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/store"
)

func newAccountsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List, connect and disconnect platform accounts",
	}
	cmd.AddCommand(newAccountsListCmd(opts), newAccountsConnectCmd(opts), newAccountsDisconnectCmd(opts))
	return cmd
}

func newAccountsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the account of every platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				accounts, err := a.db.ListAccounts(cmd.Context())
				if err != nil {
					return err
				}
				byPlatform := make(map[string]store.Account, len(accounts))
				for _, acct := range accounts {
					byPlatform[acct.Platform] = acct
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PLATFORM\tSTATUS\tNAME\tSOURCES")
				for _, p := range source.Platforms {
					acct, ok := byPlatform[string(p)]
					status := "not connected"
					if ok && acct.Connected {
						status = "connected"
					}
					refs := "-"
					if ok && acct.ConfigData != "" {
						refs = strings.Join(store.SplitConfig(acct.ConfigData), ", ")
					}
					name := "-"
					if ok && acct.DisplayName != "" {
						name = acct.DisplayName
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p, status, name, refs)
				}
				return w.Flush()
			})
		},
	}
}

func newAccountsConnectCmd(opts *rootOptions) *cobra.Command {
	var (
		sources []string
		name    string
		add     bool
	)
	cmd := &cobra.Command{
		Use:   "connect <platform>",
		Short: "Connect a polling platform and set the sources it follows",
		Long: `connect marks youtube, facebook or rss as connected and stores the followed sources:
  youtube:  channel ids (UC...), @handles or channel URLs
  facebook: page ids or usernames
  rss:      feed URLs
For telegram it sets the followed channels; the account becomes connected after 'peekr telegram login'.
WhatsApp is linked with 'peekr whatsapp pair'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := source.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			if platform == source.WhatsApp {
				return errors.New("whatsapp is linked with: peekr whatsapp pair")
			}

			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				ctx := cmd.Context()
				existing, err := a.db.GetAccount(ctx, string(platform))
				if err != nil {
					return err
				}
				acct := store.Account{Platform: string(platform)}
				if existing != nil {
					acct = *existing
				}

				refs := sources
				if add {
					refs = append(store.SplitConfig(acct.ConfigData), sources...)
				}
				acct.ConfigData = store.JoinConfig(refs)
				if name != "" {
					acct.DisplayName = name
				}
				if acct.DisplayName == "" {
					acct.DisplayName = defaultDisplayName(platform)
				}
				if platform != source.Telegram && !acct.Connected {
					acct.Connected = true
					acct.ConnectedAt = time.Now()
				}
				if err := a.db.SaveAccount(ctx, acct); err != nil {
					return err
				}

				n := len(store.SplitConfig(acct.ConfigData))
				fmt.Fprintf(cmd.OutOrStdout(), "%s: following %d sources.\n", platform, n)
				if platform == source.Telegram && !acct.Connected {
					fmt.Fprintln(cmd.OutOrStdout(), "Run 'peekr telegram login' to authorize.")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&sources, "sources", nil, "followed sources, comma separated")
	cmd.Flags().StringVar(&name, "name", "", "display name for the account")
	cmd.Flags().BoolVar(&add, "add", false, "add to the followed sources instead of replacing them")
	return cmd
}

func newAccountsDisconnectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <platform>",
		Short: "Remove the account of a platform",
		Long:  "disconnect deletes the stored account. Telegram and WhatsApp sessions are logged out as well. Stored posts are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := source.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				ctx := cmd.Context()
				switch platform {
				case source.Telegram:
					err = telegramLogOut(ctx, a)
				case source.WhatsApp:
					err = whatsappLogOut(ctx, a)
				default:
					err = a.db.DeleteAccount(ctx, string(platform))
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s disconnected.\n", platform)
				return nil
			})
		},
	}
}

func defaultDisplayName(p source.Platform) string {
	switch p {
	case source.YouTube:
		return "YouTube"
	case source.Facebook:
		return "Facebook"
	case source.RSS:
		return "RSS"
	case source.Telegram:
		return "Telegram"
	case source.WhatsApp:
		return "WhatsApp"
	}
	return string(p)
}
