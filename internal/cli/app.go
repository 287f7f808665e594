package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ppiankov/peekr/internal/bridge"
	"github.com/ppiankov/peekr/internal/config"
	"github.com/ppiankov/peekr/internal/privacy"
	"github.com/ppiankov/peekr/internal/secret"
	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/store"
	"github.com/ppiankov/peekr/internal/syncer"
	"github.com/ppiankov/peekr/internal/telemetry"
)

// app holds everything a command needs, built from config.yaml.
type app struct {
	dir      string
	cfg      *config.Config
	log      *slog.Logger
	db       *store.Store
	secrets  *secret.Env
	sink     privacy.Sink
	telegram *source.TelegramAdapter
	tgClient *source.HelperClient
	orch     *syncer.Orchestrator
	bridge   *bridge.Bridge
	shutdown telemetry.ShutdownFunc
}

// loadConfig reads the config and builds the logger without touching the store.
func loadConfig(ctx context.Context, opts *rootOptions, stderr io.Writer) (*config.Config, *slog.Logger, telemetry.ShutdownFunc, error) {
	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return nil, nil, nil, err
	}

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Headers:      cfg.Telemetry.Headers,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("set up telemetry: %w", err)
	}

	var handler slog.Handler = slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	if cfg.Telemetry.Enabled() {
		handler = telemetry.NewSlogHandler(handler, nil)
	}
	return cfg, slog.New(handler), shutdown, nil
}

func openApp(ctx context.Context, opts *rootOptions, stderr io.Writer) (*app, error) {
	cfg, logger, shutdown, err := loadConfig(ctx, opts, stderr)
	if err != nil {
		return nil, err
	}
	a := &app{dir: opts.configDir, cfg: cfg, log: logger, shutdown: shutdown}

	if err := a.open(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open() error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	db, err := store.Open(a.cfg.Storage.Target())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.db = db

	a.secrets, err = secret.NewEnv(a.cfg.Secrets.EnvPrefix, a.cfg.Secrets.EnvFiles...)
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}

	patterns, err := privacy.Compile(a.cfg.Privacy.Redact.ActivePatterns())
	if err != nil {
		return fmt.Errorf("compile redact patterns: %w", err)
	}
	a.sink = privacy.Wrap(db, patterns)

	deps := source.Deps{
		Posts:    a.sink,
		Accounts: db,
		Secrets:  a.secrets,
		Logger:   a.log,
	}
	common := []source.Option{
		source.WithMaxItems(a.cfg.Sync.MaxItems),
		source.WithRequestDelay(a.cfg.Sync.RequestDelay.Duration),
	}
	with := func(extra ...source.Option) []source.Option {
		return append(append([]source.Option{}, common...), extra...)
	}

	rss, err := source.NewRSS(deps, with(source.WithMaxWorkers(a.cfg.Sources.RSS.MaxWorkers))...)
	if err != nil {
		return err
	}
	yt, err := source.NewYouTube(deps, with(source.WithBaseURL(a.cfg.Sources.YouTube.BaseURL))...)
	if err != nil {
		return err
	}
	fb, err := source.NewFacebook(deps, with(source.WithBaseURL(a.cfg.Sources.Facebook.BaseURL))...)
	if err != nil {
		return err
	}

	tg := a.cfg.Sources.Telegram
	if err := os.MkdirAll(tg.SessionDir, 0o700); err != nil {
		return fmt.Errorf("create telegram session dir: %w", err)
	}
	a.tgClient = source.NewHelperClient(tg.PythonPath, tg.Script, tg.SessionDir, a.log)
	a.telegram, err = source.NewTelegram(deps, a.tgClient, common...)
	if err != nil {
		return err
	}

	a.orch = syncer.New(
		[]source.Adapter{yt, fb, rss, a.telegram},
		syncer.WithTimeout(a.cfg.Sync.AdapterTimeout.Duration),
		syncer.WithLogger(a.log),
		syncer.WithRecorder(db),
	)

	a.bridge, err = bridge.New(a.cfg.Sources.WhatsApp.BridgeURL, a.sink, db, bridge.WithLogger(a.log))
	if err != nil {
		return err
	}
	return nil
}

// Close releases the bridge, the telegram helper, the store and telemetry in
// reverse order of construction.
func (a *app) Close() error {
	var errs []error
	if a.bridge != nil {
		errs = append(errs, a.bridge.Close())
	}
	if a.telegram != nil {
		errs = append(errs, a.telegram.Session().Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.shutdown(ctx))
		cancel()
	}
	return errors.Join(errs...)
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, opts *rootOptions, stderr io.Writer, fn func(*app) error) (err error) {
	a, err := openApp(ctx, opts, stderr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			a.log.Warn("close", "error", cerr)
		}
	}()
	return fn(a)
}
