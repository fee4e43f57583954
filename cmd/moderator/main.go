package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/groupguard/groupguard/internal/audit"
	"github.com/groupguard/groupguard/internal/config"
	"github.com/groupguard/groupguard/internal/directory"
	"github.com/groupguard/groupguard/internal/dispatch"
	"github.com/groupguard/groupguard/internal/feed"
	"github.com/groupguard/groupguard/internal/logging"
	"github.com/groupguard/groupguard/internal/messaging"
	"github.com/groupguard/groupguard/internal/moderation"
	"github.com/groupguard/groupguard/internal/notify"
	"github.com/groupguard/groupguard/internal/ratelimit"
	"github.com/groupguard/groupguard/internal/service"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "moderator:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:  "moderator",
		Usage: "group chat spam moderator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "path to a .env file; defaults to ./.env when present",
				EnvVars: []string{"MODERATOR_ENV_FILE"},
			},
		},
		Commands: []*cli.Command{
			runCmd,
			checkCmd,
			migrateCmd,
		},
	}
	return app.Run(args)
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := cctx.String("env-file"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "consume messages from NATS and moderate them",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Server.Env, cfg.Log.Level)
		if err != nil {
			return err
		}
		defer logger.Sync()
		return serve(cctx.Context, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	engine := moderation.NewEngine(opts)

	// Display names: static roster, memoized in-process, optionally shared
	// through Redis across replicas.
	var names directory.Directory = directory.NewCacheDirectory(
		directory.ParseStatic(cfg.Admin.Names),
		cfg.Directory.CacheSize, cfg.Directory.CacheTTL, cfg.Directory.ErrTTL)

	deps := service.Deps{
		Engine:        engine,
		Admins:        cfg.AdminIDs(),
		AlertCooldown: cfg.Alert.Cooldown,
	}

	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(ropts)
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		names = directory.NewRedisDirectory(rdb, names, cfg.Directory.CacheTTL, logger)
		deps.Throttle = ratelimit.NewLimiter(rdb, logger)
	} else {
		logger.Warn("REDIS_URL not set, admin alerts are not throttled")
	}
	deps.Names = names

	if cfg.Database.URL != "" {
		db, err := audit.Open(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := audit.Migrate(db); err != nil {
			return err
		}
		deps.Auditor = audit.NewStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, moderation history is not recorded")
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		return err
	}
	deps.Publisher = natsClient

	hub := feed.NewHub(feed.DefaultConfig(), service.FlaggedSnapshot(engine), logger)
	hub.StartHeartbeat()
	deps.Feed = hub

	deps.Dispatcher = dispatch.New(dispatch.Options{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
	}, logger)

	svc := service.New(deps, logger)
	if err := svc.Start(natsClient); err != nil {
		natsClient.Close()
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           svc.Routes(hub, time.Now()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	logger.Info("moderator running",
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("nats_url", cfg.NATS.URL),
		zap.Int("workers", cfg.Dispatch.Workers))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-srvErr:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop intake first, then let queued messages finish their side effects.
	_ = srv.Shutdown(shutdownCtx)
	if cerr := svc.Close(shutdownCtx); cerr != nil {
		logger.Warn("pending messages abandoned", zap.Error(cerr))
	}
	natsClient.Close()
	hub.Close()
	return err
}

var checkCmd = &cli.Command{
	Name:      "check",
	Usage:     "run messages through a fresh engine and print the verdicts",
	ArgsUsage: "[text...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "sender",
			Value: "local",
		},
		&cli.StringSliceFlag{
			Name:  "text",
			Usage: "message text; repeat the flag to send several messages in order",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		opts, err := cfg.EngineOptions()
		if err != nil {
			return err
		}
		engine := moderation.NewEngine(opts)

		texts := append(cctx.StringSlice("text"), cctx.Args().Slice()...)
		if len(texts) == 0 {
			return errors.New("nothing to check: pass --text or arguments")
		}
		sender := moderation.SenderID(cctx.String("sender"))
		now := time.Now()
		out := cctx.App.Writer
		for i, text := range texts {
			v := engine.HandleMessage(moderation.Message{
				Sender:       sender,
				Conversation: "local",
				Text:         text,
				SentAt:       now.Add(time.Duration(i) * time.Second),
			}, false)
			fmt.Fprintf(out, "%-8s %d/%d  %-30s %q\n", v.Kind, v.WarnCount, engine.MaxWarn(), v.Reasons, text)
			if v.IsSpam() {
				fmt.Fprintf(out, "         reply: %q\n", notify.WarningText(v, engine.MaxWarn()))
			}
		}
		return nil
	},
}

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "apply audit log schema migrations",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return errors.New("DATABASE_URL is not set")
		}
		db, err := audit.Open(cctx.Context, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := audit.Migrate(db); err != nil {
			return err
		}
		fmt.Fprintln(cctx.App.Writer, "audit schema is up to date")
		return nil
	},
}
