package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/peekr/internal/config"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config directory with example files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return initConfigDir(cmd.OutOrStdout(), opts.configDir)
		},
	}
}

func initConfigDir(out io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	created := 0
	files := []struct {
		name string
		data string
		perm os.FileMode
	}{
		{config.DefaultConfigFile, exampleConfig, 0o644},
		{config.DefaultEnvFile, exampleEnv, 0o600},
	}
	for _, f := range files {
		wrote, err := writeIfNotExists(out, filepath.Join(dir, f.name), []byte(f.data), f.perm)
		if err != nil {
			return err
		}
		if wrote {
			created++
		}
	}

	if created == 0 {
		fmt.Fprintf(out, "Config directory %s already initialized.\n", dir)
	} else {
		fmt.Fprintf(out, "Initialized %s with %d files.\n", dir, created)
	}
	return nil
}

// writeIfNotExists writes data to path if the file does not exist.
// Returns true if the file was created.
func writeIfNotExists(out io.Writer, path string, data []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "  exists: %s\n", path)
		return false, nil
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(out, "  created: %s\n", path)
	return true, nil
}

const exampleConfig = `# peekr configuration

storage:
  # path: /path/to/peekr.db     # default: <config dir>/peekr.db
  # dsn_env: PEEKR_DATABASE_URL   # postgres://... takes precedence over path
  retain_days: 30

sync:
  interval: 30m
  adapter_timeout: 2m
  max_items: 20
  request_delay: 1s

secrets:
  env_prefix: PEEKR_
  # env_files: [.env]

sources:
  rss:
    max_workers: 4
  telegram:
    python_path: python3
    # script: /path/to/telegram_helper.py
  whatsapp:
    bridge_url: ws://localhost:3001

privacy:
  redact:
    enabled: false
    patterns: []

telemetry:
  # otlp_endpoint: localhost:4317
  insecure: true

log:
  level: info
`

const exampleEnv = `# peekr credentials
PEEKR_YOUTUBE_API_KEY=
PEEKR_FACEBOOK_ACCESS_TOKEN=
PEEKR_TELEGRAM_API_ID=
PEEKR_TELEGRAM_API_HASH=
`
