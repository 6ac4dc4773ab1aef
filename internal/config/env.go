package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Environment variables that override secrets from the config file.
const (
	EnvTelegramToken     = "REELFORGE_TELEGRAM_TOKEN"
	EnvCronSecret        = "REELFORGE_CRON_SECRET"
	EnvJWTSecret         = "REELFORGE_JWT_SECRET"
	EnvLLMAPIKey         = "REELFORGE_LLM_API_KEY"
	EnvDriveClientSecret = "REELFORGE_DRIVE_CLIENT_SECRET"
	EnvDriveRefreshToken = "REELFORGE_DRIVE_REFRESH_TOKEN"
	EnvPushCredentials   = "REELFORGE_PUSH_CREDENTIALS_FILE"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return errors.Wrap(godotenv.Load(present...), "load .env")
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.HTTP.CronSecret, EnvCronSecret)
	set(&cfg.HTTP.JWTSecret, EnvJWTSecret)
	set(&cfg.LLM.APIKey, EnvLLMAPIKey)
	set(&cfg.Drive.ClientSecret, EnvDriveClientSecret)
	set(&cfg.Drive.RefreshToken, EnvDriveRefreshToken)
	set(&cfg.Push.CredentialsFile, EnvPushCredentials)
}
