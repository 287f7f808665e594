package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ppiankov/peekr/internal/config"
	"github.com/ppiankov/peekr/internal/secret"
	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/store"
)

const (
	bridgeProbeTimeout = 3 * time.Second
	staleSyncAge       = 24 * time.Hour
)

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credentials and dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doctor(cmd.Context(), cmd.OutOrStdout(), opts.configDir)
		},
	}
}

func doctor(ctx context.Context, out io.Writer, configDir string) error {
	ok := true
	check := func(pass bool, format string, args ...any) {
		printCheck(out, pass, format, args...)
		ok = ok && pass
	}

	// Config dir
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		check(false, "config directory %s (run 'peekr init')", configDir)
	} else {
		check(true, "config directory %s", configDir)
	}

	// Config file
	cfg, err := config.Load(configDir)
	if err != nil {
		check(false, "%s: %v", config.DefaultConfigFile, err)
		return fmt.Errorf("some checks failed")
	}
	check(true, "%s (sync every %s, timeout %s)", config.DefaultConfigFile, cfg.Sync.Interval.Duration, cfg.Sync.AdapterTimeout.Duration)

	// Database
	db, err := store.Open(cfg.Storage.Target())
	if err != nil {
		check(false, "database: %v", err)
	} else {
		defer func() { _ = db.Close() }()
		check(true, "database (%s)", db.Backend())
	}

	// Credentials
	env, err := secret.NewEnv(cfg.Secrets.EnvPrefix, cfg.Secrets.EnvFiles...)
	if err != nil {
		check(false, "secrets: %v", err)
	} else {
		for _, key := range []string{secret.YouTubeAPIKey, secret.FacebookAccessToken, secret.TelegramAPIID, secret.TelegramAPIHash} {
			if _, set := env.Get(key); set {
				printCheck(out, true, "%s", env.Name(key))
			} else {
				printInfo(out, "%s not set", env.Name(key))
			}
		}
	}

	// Telegram helper
	tg := cfg.Sources.Telegram
	if _, err := exec.LookPath(tg.PythonPath); err != nil {
		printInfo(out, "%s not found, telegram is unavailable", tg.PythonPath)
	} else {
		printCheck(out, true, "%s", tg.PythonPath)
	}
	if tg.Script != "" {
		if info, err := os.Stat(tg.Script); err != nil {
			check(false, "telegram helper script: %v", err)
		} else if info.IsDir() {
			check(false, "telegram helper script: %s is a directory", tg.Script)
		} else {
			check(true, "telegram helper script %s", tg.Script)
		}
	}

	// Companion bridge, informational only
	probeCtx, cancel := context.WithTimeout(ctx, bridgeProbeTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(probeCtx, cfg.Sources.WhatsApp.BridgeURL, nil)
	cancel()
	if err != nil {
		printInfo(out, "whatsapp bridge %s unreachable", cfg.Sources.WhatsApp.BridgeURL)
	} else {
		_ = conn.Close()
		printCheck(out, true, "whatsapp bridge %s", cfg.Sources.WhatsApp.BridgeURL)
	}

	if db != nil {
		checkSyncHealth(ctx, out, db)
	}

	if !ok {
		return fmt.Errorf("some checks failed")
	}
	fmt.Fprintln(out, "\nAll checks passed.")
	return nil
}

// checkSyncHealth reports platforms whose connected account has not synced
// recently. It never fails the doctor run.
func checkSyncHealth(ctx context.Context, out io.Writer, db *store.Store) {
	accounts, err := db.ListAccounts(ctx)
	if err != nil || len(accounts) == 0 {
		return
	}
	runs, err := db.LatestSyncRuns(ctx)
	if err != nil {
		return
	}
	last := make(map[string]store.SyncRun, len(runs))
	for _, r := range runs {
		last[r.Platform] = r
	}

	fmt.Fprintln(out)
	now := time.Now()
	for _, acct := range accounts {
		if !acct.Connected {
			continue
		}
		p := source.Platform(acct.Platform)
		if p != source.WhatsApp && store.SplitConfig(acct.ConfigData) == nil {
			printInfo(out, "%s: connected but follows no sources", p)
		}
		run, ok := last[acct.Platform]
		switch {
		case p == source.WhatsApp:
		case !ok:
			printInfo(out, "%s: never synced", p)
		case !run.OK():
			printInfo(out, "%s: last sync failed %s (%s)", p, humanize.RelTime(run.StartedAt, now, "ago", "from now"), run.ErrKind)
		case now.Sub(run.StartedAt) > staleSyncAge:
			printInfo(out, "%s: stale, last sync %s", p, humanize.RelTime(run.StartedAt, now, "ago", "from now"))
		}
	}
}

func printCheck(out io.Writer, pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Fprintf(out, "[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func printInfo(out io.Writer, format string, args ...any) {
	fmt.Fprintf(out, "[INFO] %s\n", fmt.Sprintf(format, args...))
}
