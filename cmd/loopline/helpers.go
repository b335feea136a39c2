package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	loopline "github.com/loopline-im/loopline-go"
)

// newLogger builds a console logger; LOOPLINE_DEBUG enables debug output.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if os.Getenv("LOOPLINE_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// loadSession builds the session from config, failing fast when the
// required pieces are missing.
func loadSession() (*loopline.Session, string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'loopline config set default.base_url <url>' first.")
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'loopline config set auth.token <token>' first.")
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'loopline config set auth.user_id <id>' first.")
		os.Exit(1)
	}
	return &loopline.Session{Token: cfg.Auth.Token, UserID: cfg.Auth.UserID}, cfg.Default.BaseURL
}

// newRestClient creates a REST client from the stored configuration.
func newRestClient(log zerolog.Logger) (*loopline.Client, *loopline.Session, string) {
	session, baseURL := loadSession()
	return loopline.NewClient(baseURL, session, loopline.WithLogger(log)), session, baseURL
}
