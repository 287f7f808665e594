// Package secret resolves provider credentials by key.
package secret

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Credential keys read by the source adapters.
const (
	YouTubeAPIKey       = "youtube_api_key"
	FacebookAccessToken = "facebook_access_token"
	TelegramAPIID       = "telegram_api_id"
	TelegramAPIHash     = "telegram_api_hash"
)

// Store looks up a secret. ok is false when the key is unset or blank.
type Store interface {
	Get(key string) (value string, ok bool)
}

// Env reads secrets from the process environment, overlaid by values from
// dotenv files. Key "youtube_api_key" with prefix "PEEKR_" reads
// PEEKR_YOUTUBE_API_KEY.
type Env struct {
	prefix string
	file   map[string]string
}

// NewEnv loads the given dotenv files. Missing files are skipped.
func NewEnv(prefix string, files ...string) (*Env, error) {
	e := &Env{prefix: prefix, file: make(map[string]string)}
	for _, path := range files {
		if strings.TrimSpace(path) == "" {
			continue
		}
		values, err := godotenv.Read(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
		for k, v := range values {
			e.file[k] = v
		}
	}
	return e, nil
}

func (e *Env) Get(key string) (string, bool) {
	name := e.Name(key)
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	v, ok := e.file[name]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// Name is the environment variable consulted for key.
func (e *Env) Name(key string) string {
	return e.prefix + strings.ToUpper(key)
}

// Map is an in-memory Store.
type Map map[string]string

func (m Map) Get(key string) (string, bool) {
	v, ok := m[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}
