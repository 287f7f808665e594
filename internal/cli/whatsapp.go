package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/ppiankov/peekr/internal/bridge"
	"github.com/ppiankov/peekr/internal/source"
)

const whatsappLinkWait = 10 * time.Second

func newWhatsAppCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whatsapp",
		Short: "Link WhatsApp through the companion bridge",
		Long:  "The companion bridge is a separate process speaking JSON over a websocket (sources.whatsapp.bridge_url). peekr never reconnects to it on its own.",
	}
	cmd.AddCommand(newWhatsAppPairCmd(opts), newWhatsAppLogoutCmd(opts))
	return cmd
}

func newWhatsAppPairCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Show the pairing QR code and store incoming messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				return whatsappPair(cmd.Context(), a.bridge, cmd.OutOrStdout())
			})
		},
	}
}

func newWhatsAppLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Unlink WhatsApp and remove the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				if err := whatsappLogOut(cmd.Context(), a); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out of WhatsApp.")
				return nil
			})
		},
	}
}

// whatsappPair connects once and reports state changes until ctx is done or
// the companion goes away.
func whatsappPair(ctx context.Context, b *bridge.Bridge, out io.Writer) error {
	states, unsubscribe := b.Subscribe()
	defer unsubscribe()

	if err := b.Connect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Connecting to the companion bridge...")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Stopped.")
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			switch st.Kind {
			case bridge.AwaitingPairingCode:
				fmt.Fprintln(out, "Scan this code in WhatsApp > Linked devices:")
				qrterminal.GenerateHalfBlock(st.PairingCode, qrterminal.L, out)
			case bridge.Connected:
				fmt.Fprintf(out, "Linked as %s. Storing messages, press Ctrl-C to stop.\n", st.Name)
			case bridge.Disconnected:
				return fmt.Errorf("whatsapp: %w: %s (run 'peekr whatsapp pair' to reconnect)", source.ErrNotConnected, st.Reason)
			case bridge.Failed:
				return fmt.Errorf("whatsapp: %s", st.Reason)
			}
		}
	}
}

// whatsappLogOut asks a reachable companion to unlink. The stored account is
// removed even when the companion is down.
func whatsappLogOut(ctx context.Context, a *app) error {
	states, unsubscribe := a.bridge.Subscribe()
	defer unsubscribe()

	if err := a.bridge.Connect(ctx); err != nil {
		a.log.Warn("companion unreachable, removing the account only", "error", err)
		return a.db.DeleteAccount(ctx, string(source.WhatsApp))
	}

	wait, cancel := context.WithTimeout(ctx, whatsappLinkWait)
	defer cancel()
	for settled := false; !settled; {
		select {
		case <-wait.Done():
			settled = true
		case st := <-states:
			settled = st.Kind != bridge.Connecting
		}
	}
	return a.bridge.Disconnect(ctx)
}
