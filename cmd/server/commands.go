package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"chatcore/internal/config"
	"chatcore/internal/domain"
	"chatcore/internal/httpserver"
	"chatcore/internal/logging"
	"chatcore/internal/scheduler"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/store/postgres"
	"chatcore/internal/store/sqlite"
	"chatcore/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func loadConfig(c *cli.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Pretty), nil
}

// repositories is the storage backend selected by database.driver.
type repositories struct {
	db            *sql.DB
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	counters      domain.CounterLedger
	profiles      domain.ProfileRepository
}

func openStore(cfg *config.Config) (*repositories, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgres.Open(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return &repositories{
			db:            db,
			conversations: postgres.NewConversationRepo(db),
			messages:      postgres.NewMessageRepo(db),
			counters:      postgres.NewCounterRepo(db),
			profiles:      postgres.NewProfileRepo(db),
		}, nil
	case "sqlite":
		db, err := sqlite.Open(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return &repositories{
			db:            db,
			conversations: sqlite.NewConversationRepo(db),
			messages:      sqlite.NewMessageRepo(db),
			counters:      sqlite.NewCounterRepo(db),
			profiles:      sqlite.NewProfileRepo(db),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// jobScheduler is what serve needs from either scheduler implementation.
type jobScheduler interface {
	domain.Scheduler
	Bind(h scheduler.Handler)
	Stop(ctx context.Context) error
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chat API server",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.db.Close()

			encryptor, err := security.NewEncryptor([]byte(cfg.Crypto.Key))
			if err != nil {
				return fmt.Errorf("init encryptor: %w", err)
			}
			tokens := security.NewTokenService(cfg.Auth.Secret, cfg.Auth.TTL)

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			side := newSinks(cfg, rdb, store.profiles, log)

			var (
				jobs  jobScheduler
				river *scheduler.Scheduler
			)
			if cfg.Database.Driver == "postgres" {
				if err := scheduler.Migrate(ctx, cfg.Database.URL); err != nil {
					return fmt.Errorf("migrate job queue: %w", err)
				}
				river, err = scheduler.New(ctx, cfg.Database.URL, scheduler.Options{Workers: cfg.Schedule.Workers}, log)
				if err != nil {
					return fmt.Errorf("init scheduler: %w", err)
				}
				jobs = river
			} else {
				jobs = scheduler.NewLocal(log, cfg.Async.Timeout)
			}

			timing := service.Timing{InviteExpiry: cfg.Schedule.InviteExpiry, InitExpiry: cfg.Schedule.InitExpiry}
			conversations := service.NewConversationService(store.conversations, store.counters, jobs, side.cache, side.fanout, timing, log)
			messages := service.NewMessageService(conversations, store.messages, encryptor, cfg.Timeline.DefaultPage, cfg.Timeline.MaxPage, log)
			actions := service.NewActions(conversations, messages, store.profiles, side.notifier, log)
			jobs.Bind(actions)

			srv := &http.Server{
				Addr: cfg.Addr(),
				Handler: httpserver.NewRouter(cfg, httpserver.Services{
					Conversations: conversations,
					Messages:      messages,
					Actions:       actions,
					Profiles:      store.profiles,
				}, tokens, log),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			if river != nil && cfg.Schedule.Workers > 0 {
				g.Go(func() error {
					// A cancelled start context hard-stops River; Stop drains it instead.
					return river.Start(context.WithoutCancel(gctx))
				})
			}
			g.Go(func() error {
				log.Info().Str("addr", srv.Addr).Str("driver", cfg.Database.Driver).Msg("starting chat server")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info().Msg("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					log.Warn().Err(err).Msg("graceful shutdown failed")
				}
				if err := jobs.Stop(sctx); err != nil {
					log.Warn().Err(err).Msg("scheduler stop failed")
				}
				if err := side.Close(sctx); err != nil {
					log.Warn().Err(err).Msg("async sinks did not drain")
				}
				return nil
			})
			return g.Wait()
		},
	}
}

func gatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Start the realtime websocket gateway",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return errors.New("invalid config: auth.secret is required")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			tokens := security.NewTokenService(cfg.Auth.Secret, cfg.Auth.TTL)
			hub := ws.NewHub()
			srv := &http.Server{
				Addr:        cfg.Gateway.Addr,
				Handler:     ws.NewGatewayRouter(hub, cfg.Gateway.Token, tokens, cfg.Gateway.Origins, log),
				IdleTimeout: 60 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", srv.Addr).Msg("starting realtime gateway")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("gateway: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			return g.Wait()
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database and job queue migrations, then exit",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.db.Close()
			if cfg.Database.Driver == "postgres" {
				if err := scheduler.Migrate(c.Context, cfg.Database.URL); err != nil {
					return fmt.Errorf("migrate job queue: %w", err)
				}
			}
			log.Info().Str("driver", cfg.Database.Driver).Msg("migrations applied")
			return nil
		},
	}
}
