package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/toxictalk/internal/completion"
	"github.com/toxictalk/internal/config"
	"github.com/toxictalk/internal/delivery"
	"github.com/toxictalk/internal/delivery/reddit"
	"github.com/toxictalk/internal/logging"
	"github.com/toxictalk/internal/messagelog"
	"github.com/toxictalk/internal/orchestrator"
	"github.com/toxictalk/internal/registry"
	"github.com/toxictalk/internal/runlock"
	"github.com/toxictalk/internal/storage"
	"github.com/toxictalk/internal/storage/postgres"
	"github.com/toxictalk/internal/subreddits"
)

// RunCommand returns the run command
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Ingest replies, continue conversations and contact new users once",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "dry-run",
				Aliases: []string{"d"},
				Usage:   "Select outreach candidates without contacting them",
			},
			&cli.BoolFlag{
				Name:  "skip-ingest",
				Usage: "Do not poll the inboxes",
			},
			&cli.BoolFlag{
				Name:  "skip-outreach",
				Usage: "Do not contact new users",
			},
		},
		Action: runOnce,
	}
}

func runOnce(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Logging.RunLogDir != "" {
		runLogger, err := logging.StartRunLogging(cfg.Logging.RunLogDir, uuid.NewString())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to start run log, continuing without it")
		} else {
			defer runLogger.Close()
			log.Info().Str("path", runLogger.Path()).Msg("Writing run log")
		}
	}

	var pg *postgres.Store
	if cfg.Storage.Driver == "postgres" || cfg.Lock.Backend == "postgres" {
		pg, err = postgres.Open(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return err
		}
		defer pg.Close()
	}

	locker, closeLocker, err := openLocker(cfg, pg)
	if err != nil {
		return err
	}
	defer closeLocker()

	if err := locker.Lock(ctx); err != nil {
		if errors.Is(err, runlock.ErrLocked) {
			log.Warn().Str("backend", cfg.Lock.Backend).Msg("Another invocation is running, exiting")
		}
		return fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := locker.Unlock(unlockCtx); err != nil {
			log.Error().Err(err).Msg("Failed to release run lock")
		}
	}()

	backend := openBackend(cfg, pg)
	defer backend.Close()

	run, err := buildRun(ctx, cfg, backend, orchestrator.Options{
		SkipIngest:   c.Bool("skip-ingest"),
		SkipOutreach: c.Bool("skip-outreach"),
		DryRun:       c.Bool("dry-run"),
	})
	if err != nil {
		return err
	}

	res, err := run.Execute(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "ingested=%d dispatched=%d sent=%d declined=%d failures=%d contacted=%d (%s)\n",
		res.Ingested, res.Dispatched, res.Sent, res.Declined, res.Failures, res.Contacted, res.Duration.Round(time.Millisecond))
	return nil
}

// openBackend returns the configured stores. pg is only used by the
// postgres driver and stays open after backend.Close, the run lock may
// still hold one of its connections.
func openBackend(cfg *config.Config, pg *postgres.Store) *storage.Backend {
	if cfg.Storage.Driver == "postgres" {
		b := postgres.NewBackend(pg, cfg.FilePaths())
		b.Close = func() {}
		return b
	}
	return storage.NewFileBackend(cfg.FilePaths())
}

// openLocker returns the configured run lock and a func releasing its
// resources
func openLocker(cfg *config.Config, pg *postgres.Store) (runlock.Locker, func(), error) {
	switch cfg.Lock.Backend {
	case "none":
		return runlock.Nop(), func() {}, nil
	case "file":
		return runlock.NewFileLock(cfg.Lock.Path, cfg.Lock.StaleAfter), func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		return runlock.NewRedisLock(rdb, cfg.Lock.Key, cfg.Lock.TTL), func() { _ = rdb.Close() }, nil
	case "postgres":
		if pg == nil {
			return nil, nil, fmt.Errorf("postgres lock needs storage.postgres_url")
		}
		return runlock.NewPostgresLock(pg.Pool(), cfg.Lock.Key), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock backend %q", cfg.Lock.Backend)
	}
}

// buildRun loads state and wires the channels, the completion client and
// the rules cache into a run
func buildRun(ctx context.Context, cfg *config.Config, backend *storage.Backend, opts orchestrator.Options) (*orchestrator.Run, error) {
	strategy, err := cfg.Strategy()
	if err != nil {
		return nil, err
	}
	opts.Strategy = strategy
	opts.MaxActive = cfg.Run.MaxActivePerRun
	opts.MaxContacts = cfg.Run.MaxContacts
	opts.Conditions = cfg.Generation.Conditions
	opts.Models = cfg.Generation.OpenAIModels

	msgLog := messagelog.New(backend.Messages)
	if err := msgLog.Load(ctx); err != nil {
		return nil, err
	}
	reg := registry.New(backend.Participants, backend.Blacklist)
	if err := reg.Load(ctx); err != nil {
		return nil, err
	}

	client := reddit.NewClient(ctx, reddit.Config{
		ClientID:          cfg.Reddit.ClientID,
		ClientSecret:      cfg.Reddit.ClientSecret,
		Username:          cfg.Reddit.Username,
		Password:          cfg.Reddit.Password,
		UserAgent:         cfg.Reddit.UserAgent,
		AuthURL:           cfg.Reddit.AuthURL,
		APIURL:            cfg.Reddit.APIURL,
		RequestsPerSecond: cfg.Reddit.RequestsPerSecond,
		Burst:             cfg.Reddit.Burst,
		RequestTimeout:    cfg.Delivery.RequestTimeout,
		ModmailMaxAge:     cfg.Reddit.ModmailMaxAge,
		Retry:             cfg.DeliveryRetry(),
	})
	gateway := delivery.NewGateway(reddit.NewDirectChannel(client), reddit.NewModmailChannel(client))

	var defaultModel string
	if len(cfg.Generation.OpenAIModels) > 0 {
		defaultModel = cfg.Generation.OpenAIModels[0]
	}
	completer, err := completion.NewLangchainCompleter(ctx, completion.Options{
		Provider:     completion.Provider(cfg.Completion.Provider),
		APIKey:       cfg.Completion.APIKey,
		BaseURL:      cfg.Completion.BaseURL,
		DefaultModel: defaultModel,
		Temperature:  cfg.Completion.Temperature,
		Retry:        cfg.CompletionRetry(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create completion client: %w", err)
	}

	c := cfg.Content
	generator := &completion.Generator{
		Completer:       completer,
		MaxTokens:       cfg.MaxTokens(),
		MaxInteractions: cfg.Generation.MaxInteractions,
		GoodbyeMessage:  c.GoodbyeMessage,
		ShortenMessage:  c.ShortenMessage,
		ApologyMessage:  c.ApologyMessage,
		ContinuityNote:  c.ContinuityNote,
	}

	log.Info().
		Int("messages", msgLog.Len()).
		Int("participants", reg.Len()).
		Str("strategy", string(strategy)).
		Msg("Loaded state")

	return orchestrator.New(orchestrator.Deps{
		Log:        msgLog,
		Registry:   reg,
		Gateway:    gateway,
		Generator:  generator,
		Rules:      subreddits.NewCache(backend.Rules, client),
		Candidates: backend.Candidates,
	}, orchestrator.Content{
		Subject:                c.Subject,
		ClarifyingMessage:      c.ClarifyingMessage,
		HandoffMessage:         c.HandoffMessage,
		InviteKeyword:          c.InviteKeyword,
		InitialMessage:         c.InitialMessage,
		FirstConsentedMessage:  c.FirstConsentedMessage,
		PromptDict:             c.PromptDict,
		InitialVariants:        cfg.InitialVariants(),
		FirstConsentedVariants: cfg.FirstConsentedVariants(),
	}, opts), nil
}
