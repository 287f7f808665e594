package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/peekr/internal/source"
)

func newTelegramCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Manage the Telegram session",
	}
	cmd.AddCommand(newTelegramLoginCmd(opts), newTelegramLogoutCmd(opts))
	return cmd
}

func newTelegramLoginCmd(opts *rootOptions) *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize peekr with your Telegram account",
		Long:  "login walks through phone number, login code and, when enabled, the cloud password. PEEKR_TELEGRAM_API_ID and PEEKR_TELEGRAM_API_HASH must be set.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				p := &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.OutOrStdout()}
				return telegramLogin(cmd.Context(), a.telegram.Session(), p, phone)
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number in international format, prompted when empty")
	return cmd
}

func newTelegramLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the Telegram session and remove the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				if err := telegramLogOut(cmd.Context(), a); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out of Telegram.")
				return nil
			})
		},
	}
}

// telegramLogin answers each step the session asks for until it is
// authorized or fails.
func telegramLogin(ctx context.Context, session *source.AuthSession, p *prompter, phone string) error {
	st, err := session.Start(ctx)
	if err != nil {
		return err
	}
	for {
		switch st.Kind {
		case source.AuthAuthorized:
			fmt.Fprintln(p.out, "Telegram authorized.")
			return nil
		case source.AuthFailed:
			return fmt.Errorf("telegram login failed: %s", st.Reason)
		case source.AuthAwaitingPrimaryIdentifier:
			if phone == "" {
				if phone, err = p.ask("Phone number: "); err != nil {
					return err
				}
			}
			st, err = session.SubmitPrimaryIdentifier(ctx, phone)
			phone = ""
		case source.AuthAwaitingVerificationCode:
			var code string
			if code, err = p.ask("Login code: "); err != nil {
				return err
			}
			st, err = session.SubmitVerificationCode(ctx, code)
		case source.AuthAwaitingSecondFactor:
			var password string
			if password, err = p.ask("Cloud password: "); err != nil {
				return err
			}
			st, err = session.SubmitSecondFactor(ctx, password)
		default:
			return fmt.Errorf("telegram login: unexpected state %s", st)
		}
		if err != nil {
			return err
		}
	}
}

func telegramLogOut(ctx context.Context, a *app) error {
	session := a.telegram.Session()
	acct, err := a.db.GetAccount(ctx, string(source.Telegram))
	if err != nil {
		return err
	}
	if acct != nil && acct.Connected {
		// Restore the stored session so the provider can revoke it.
		if _, err := session.Start(ctx); err != nil {
			a.log.Warn("telegram session not restored", "error", err)
		}
	}
	return session.LogOut(ctx)
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) ask(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errors.New("input closed")
		}
		return "", err
	}
	if line == "" {
		return "", errors.New("empty answer")
	}
	return line, nil
}
