package config

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
)

// envFiles are tried in order; variables already set in the process
// environment are never overridden.
var envFiles = []string{".env", ".env.local"}

// loadEnvFile loads the first env file found in dir.
func loadEnvFile(dir string) {
	for _, name := range envFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			slog.Warn("Failed to load env file", logfields.Path(path), logfields.Error(err))
			continue
		}
		slog.Debug("Loaded environment variables", logfields.Path(path))
		return
	}
}
