// Package relay parses relay command flags and composes the realtime
// transport entrypoint.
package relay

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	entrypoint "github.com/pfconnect/liveboard/internal/platform/cmd"
	"github.com/pfconnect/liveboard/internal/platform/secret"
	"github.com/pfconnect/liveboard/internal/relay/app"
	"github.com/pfconnect/liveboard/internal/relay/board"
	"github.com/pfconnect/liveboard/internal/relay/chat"
	"github.com/pfconnect/liveboard/internal/relay/overview"
	"github.com/pfconnect/liveboard/internal/relay/presence"
	"github.com/pfconnect/liveboard/internal/relay/profile"
	"github.com/pfconnect/liveboard/internal/relay/storage/sqlite"
)

// Config holds relay command configuration. Env tags name the variable
// suffix; config.ParseEnv applies the PFCONNECT_ prefix.
type Config struct {
	HTTPAddr          string        `env:"RELAY_HTTP_ADDR"      envDefault:":8080"`
	DBPath            string        `env:"RELAY_DB_PATH"        envDefault:"liveboard.db"`
	ATISKey           string        `env:"ATIS_KEY"`
	OverviewJWTSecret string        `env:"OVERVIEW_JWT_SECRET"`
	AutomodTerms      string        `env:"AUTOMOD_TERMS"`
	ProfileTTL        time.Duration `env:"PROFILE_TTL"          envDefault:"5m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.ATISKey, "atis-key", cfg.ATISKey, "AES key for sealed ATIS payloads (raw or base64)")
	fs.StringVar(&cfg.OverviewJWTSecret, "overview-jwt-secret", cfg.OverviewJWTSecret, "HMAC secret for overview dashboard tokens")
	fs.StringVar(&cfg.AutomodTerms, "automod-terms", cfg.AutomodTerms, "comma-separated chat automod term list")
	fs.DurationVar(&cfg.ProfileTTL, "profile-ttl", cfg.ProfileTTL, "cached profile time to live")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the relay process and serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(ctx context.Context) error {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open relay store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("close relay store: %v", err)
			}
		}()

		var sealer overview.Sealer
		if cfg.ATISKey != "" {
			aes, err := secret.NewAESGCMSealer(secret.DecodeKey(cfg.ATISKey))
			if err != nil {
				return fmt.Errorf("build ATIS sealer: %w", err)
			}
			sealer = aes
		}

		tracker := presence.NewTracker()
		sectors := presence.NewSectorRegistry()
		profiles := profile.NewCache(store, cfg.ProfileTTL)
		go profiles.RunSweeper(ctx, time.Minute)

		aggregator := overview.NewAggregator(store, store, tracker, sectors, profiles, sealer)
		go aggregator.Run(ctx)

		boardChannel := board.NewChannel(store, func(board.Event) { aggregator.Trigger() })
		mentions := app.NewMentionRegistry()
		var moderator chat.Moderator
		if terms := splitTerms(cfg.AutomodTerms); len(terms) > 0 {
			moderator = chat.NewWordlistModerator(terms)
		}
		router := chat.NewRouter(store, tracker, mentions, moderator)

		server := app.NewServer(app.Config{HTTPAddr: cfg.HTTPAddr}, app.NewHandler(app.Deps{
			Sessions:          store,
			Tracker:           tracker,
			Sectors:           sectors,
			Board:             boardChannel,
			Chat:              router,
			Overview:          aggregator,
			Mentions:          mentions,
			OverviewJWTSecret: []byte(cfg.OverviewJWTSecret),
			PresenceChanged:   aggregator.Trigger,
		}))

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		select {
		case <-ctx.Done():
			if err := server.Shutdown(context.Background()); err != nil {
				return fmt.Errorf("shutdown relay: %w", err)
			}
			return <-errCh
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("serve relay: %w", err)
			}
			return nil
		}
	})
}

func splitTerms(raw string) []string {
	var terms []string
	for _, term := range strings.Split(raw, ",") {
		if term = strings.TrimSpace(term); term != "" {
			terms = append(terms, term)
		}
	}
	return terms
}
