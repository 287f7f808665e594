package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ppiankov/peekr/internal/bridge"
	"github.com/ppiankov/peekr/internal/syncer"
)

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	var whatsapp bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync on the configured interval until interrupted",
		Long:  "daemon runs a sync cycle immediately and then every sync.interval, pruning posts older than storage.retain_days. With --whatsapp it also connects the companion bridge once; a lost bridge connection is reported and left down.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				ctx := cmd.Context()

				var wg sync.WaitGroup
				if whatsapp {
					states, unsubscribe := a.bridge.Subscribe()
					defer unsubscribe()
					wg.Add(1)
					go func() {
						defer wg.Done()
						logBridgeStates(ctx, a, states)
					}()
					if err := a.bridge.Connect(ctx); err != nil {
						a.log.Error("whatsapp bridge", "error", err)
					}
				}

				sched := syncer.NewScheduler(a.orch, a.cfg.Sync.Interval.Duration,
					syncer.WithNotifier(syncer.LogNotifier{Logger: a.log}),
					syncer.WithRetention(a.db, a.cfg.Storage.Retention()),
					syncer.WithSchedulerLogger(a.log),
				)
				fmt.Fprintf(cmd.OutOrStdout(), "peekr daemon: syncing every %s, press Ctrl-C to stop.\n", a.cfg.Sync.Interval.Duration)

				err := sched.Run(ctx)
				wg.Wait()
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&whatsapp, "whatsapp", false, "also connect the WhatsApp companion bridge")
	return cmd
}

func logBridgeStates(ctx context.Context, a *app, states <-chan bridge.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			switch st.Kind {
			case bridge.AwaitingPairingCode:
				a.log.Warn("whatsapp is not linked, run 'peekr whatsapp pair'")
			case bridge.Connected:
				a.log.Info("whatsapp linked", "name", st.Name)
			case bridge.Disconnected, bridge.Failed:
				a.log.Error("whatsapp bridge down, restart the daemon to reconnect", "state", st.Kind.String(), "reason", st.Reason)
			}
		}
	}
}
