package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tabchan/tabchan-go/pkg/config"
	"github.com/tabchan/tabchan-go/pkg/ledger"
	"github.com/tabchan/tabchan-go/pkg/logger"
	"github.com/tabchan/tabchan-go/pkg/persistence"
	"github.com/tabchan/tabchan-go/pkg/persistence/badger"
	"github.com/tabchan/tabchan-go/pkg/persistence/memory"
	"github.com/tabchan/tabchan-go/pkg/persistence/redis"
	"github.com/tabchan/tabchan-go/pkg/relayserver"
)

func main() {
	app := &cli.App{
		Name:  "relay-server",
		Usage: "Tabchan state channel relay",
		Description: `The relay daemon for off-chain expense channels.

The relay terminates participant websocket sessions, runs signature-based
authentication, routes state proposals between participants, and settles
fully-signed states against the channel ledger.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   9000,
				Usage:   "Websocket listener port",
				EnvVars: []string{config.EnvRelayPort},
			},
			&cli.StringFlag{
				Name:     "token-secret",
				Usage:    "HMAC secret for resume tokens",
				EnvVars:  []string{config.EnvRelayTokenSecret},
				Required: true,
			},
			&cli.DurationFlag{
				Name:    "token-ttl",
				Value:   config.DefaultResumeTokenTTL,
				Usage:   "Resume token lifetime",
				EnvVars: []string{config.EnvRelayTokenTTL},
			},
			&cli.StringFlag{
				Name:    "persistence",
				Value:   string(config.PersistenceTypeMemory),
				Usage:   "Channel store backend: memory, badger or redis",
				EnvVars: []string{config.EnvRelayPersistence},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Badger database directory (badger backend)",
				EnvVars: []string{config.EnvRelayDataDir},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "Redis server host:port (redis backend)",
				EnvVars: []string{config.EnvRelayRedisAddress},
			},
			&cli.DurationFlag{
				Name:    "dispute-period",
				Value:   config.DefaultDisputePeriod,
				Usage:   "Challenge window before a disputed channel can close",
				EnvVars: []string{config.EnvRelayDisputePeriod},
			},
			&cli.DurationFlag{
				Name:    "channel-timeout",
				Value:   config.DefaultChannelTimeout,
				Usage:   "Force-close deadline measured from channel creation",
				EnvVars: []string{config.EnvRelayChannelTimeout},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvRelayVerbose},
			},
		},
		Action: runRelayServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func runRelayServer(c *cli.Context) error {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg := &config.RelayServerConfig{
		Port:           c.Int("port"),
		TokenSecret:    c.String("token-secret"),
		TokenTTL:       c.Duration("token-ttl"),
		Persistence:    config.PersistenceType(c.String("persistence")),
		DataDir:        c.String("data-dir"),
		RedisAddress:   c.String("redis-address"),
		DisputePeriod:  c.Duration("dispute-period"),
		ChannelTimeout: c.Duration("channel-timeout"),
		Debug:          c.Bool("verbose"),
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := buildStore(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to initialize persistence: %w", err)
	}
	defer func() { _ = store.Close() }()

	chain, err := ledger.NewLedger(ledger.Config{
		Store:          store,
		Logger:         l,
		DisputePeriod:  cfg.DisputePeriod,
		ChannelTimeout: cfg.ChannelTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}

	rs, err := relayserver.NewRelayServer(cfg, chain, l)
	if err != nil {
		return fmt.Errorf("failed to create relay server: %w", err)
	}

	if err := rs.Start(); err != nil {
		return fmt.Errorf("failed to start relay server: %w", err)
	}
	l.Sugar().Infow("Relay server running",
		"port", cfg.Port,
		"persistence", cfg.Persistence,
		"dispute_period", cfg.DisputePeriod,
		"channel_timeout", cfg.ChannelTimeout,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	l.Sugar().Infow("Shutting down", "signal", sig.String())
	if err := rs.Stop(); err != nil {
		l.Sugar().Warnw("Relay server stop failed", "error", err)
	}
	// Give in-flight frames a moment before the store closes underneath them.
	time.Sleep(100 * time.Millisecond)
	return nil
}

func buildStore(cfg *config.RelayServerConfig, l *zap.Logger) (persistence.IChannelPersistence, error) {
	switch cfg.Persistence {
	case config.PersistenceTypeBadger:
		return badger.NewBadgerPersistence(cfg.DataDir, l)
	case config.PersistenceTypeRedis:
		return redis.NewRedisPersistence(&redis.RedisConfig{Address: cfg.RedisAddress}, l)
	default:
		return memory.NewMemoryPersistence(), nil
	}
}
