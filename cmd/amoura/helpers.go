package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	amoura "github.com/amoura-app/amoura-go"
)

// getREST creates a REST client from the stored config, restoring the
// persisted session when one exists.
func getREST(cfg *Config) *amoura.RESTClient {
	if cfg.Default.BaseURL == "" || cfg.Default.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No backend configured. Run 'amoura init <base-url> <api-key>' first.")
		os.Exit(1)
	}

	rest := amoura.NewRESTClient(cfg.Default.BaseURL, cfg.Default.APIKey,
		amoura.WithRESTLogger(cliLogger(cfg)))

	if cfg.Auth.AccessToken != "" {
		expires, _ := time.Parse(time.RFC3339, cfg.Auth.ExpiresAt)
		rest.RestoreSession(&amoura.Session{
			AccessToken:  cfg.Auth.AccessToken,
			RefreshToken: cfg.Auth.RefreshToken,
			UserID:       cfg.Auth.UserID,
			ExpiresAt:    expires,
		})
	}
	return rest
}

// getEngine builds and starts a full engine: REST data service, websocket
// realtime channel, logger per config. The caller owns Close.
func getEngine(ctx context.Context) (*amoura.Engine, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.AccessToken == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'amoura login <email> <password>' first.")
		os.Exit(1)
	}

	rest := getREST(cfg)
	ws := amoura.NewWSChannel(cfg.Default.BaseURL, cfg.Default.APIKey,
		amoura.WithWSLogger(cliLogger(cfg)))
	ws.SetToken(cfg.Auth.AccessToken)

	engine := amoura.New(rest, rest, ws, amoura.WithLogger(cliLogger(cfg)))
	if err := engine.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		os.Exit(1)
	}
	return engine, cfg
}

func cliLogger(cfg *Config) zerolog.Logger {
	level := cfg.Default.LogLevel
	if level == "" {
		level = "warn"
	}
	return amoura.NewLogger(level, cfg.Default.PrettyLog)
}

// persistSession writes the session into the config file so later
// invocations can restore it.
func persistSession(cfg *Config, session *amoura.Session) error {
	cfg.Auth.AccessToken = session.AccessToken
	cfg.Auth.RefreshToken = session.RefreshToken
	cfg.Auth.UserID = session.UserID
	cfg.Auth.ExpiresAt = session.ExpiresAt.Format(time.RFC3339)
	return saveConfig(cfg)
}
