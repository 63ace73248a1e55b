// Command pms-bundler serves the reservation document bundle endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/pms-bundler/internal/api"
	"github.com/Sternrassler/pms-bundler/pkg/batch"
	"github.com/Sternrassler/pms-bundler/pkg/client"
	"github.com/Sternrassler/pms-bundler/pkg/logging"
	"github.com/Sternrassler/pms-bundler/pkg/session"
	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"
)

var version = "dev"

// CLI is the bundler configuration. Every flag can be set from the environment.
type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit."`

	BaseURL            string `name:"pms-base-url" env:"PMS_BASE_URL" required:"" help:"PMS base URL."`
	Username           string `name:"pms-username" env:"PMS_USERNAME" required:"" help:"PMS login user."`
	Password           string `name:"pms-password" env:"PMS_PASSWORD" required:"" help:"PMS login password."`
	CompanyCode        string `name:"pms-company-code" env:"PMS_COMPANY_CODE" required:"" help:"PMS company code."`
	LoginPath          string `name:"pms-login-path" env:"PMS_LOGIN_PATH" default:"/login" help:"PMS login form path."`
	DocumentPath       string `name:"pms-document-path" env:"PMS_DOCUMENT_PATH" default:"/reservations/print" help:"PMS reservation print path."`
	InsecureSkipVerify bool   `name:"pms-insecure-skip-verify" env:"PMS_INSECURE_SKIP_VERIFY" default:"true" negatable:"" help:"Skip TLS certificate verification for the PMS."`

	Listen         string        `env:"BUNDLER_LISTEN" default:":8080" help:"HTTP listen address."`
	BatchSize      int           `env:"BUNDLER_BATCH_SIZE" default:"20" help:"Concurrent fetches per batch."`
	BatchDelay     time.Duration `env:"BUNDLER_BATCH_DELAY" default:"200ms" help:"Pause between batches."`
	MaxAttempts    int           `env:"BUNDLER_MAX_ATTEMPTS" default:"3" help:"Fetch attempts per reservation."`
	RequestTimeout time.Duration `env:"BUNDLER_REQUEST_TIMEOUT" default:"30s" help:"Timeout of a single PMS request."`

	RedisURL string `name:"redis-url" env:"REDIS_URL" help:"Share the PMS session through Redis (redis://host:port/db)."`

	LogLevel  string `env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogPretty bool   `env:"LOG_PRETTY" help:"Human-readable console logs."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pms-bundler"),
		kong.Description("Bundles PMS reservation PDFs into ZIP archives."),
		kong.Vars{"version": version},
	)
	ctx.FatalIfErrorf(cli.Run())
}

// Run starts the HTTP server and blocks until SIGINT or SIGTERM.
func (c *CLI) Run() error {
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(c.LogLevel),
		Pretty: c.LogPretty,
	})
	logger := logging.NewLogger(logging.ComponentServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := c.sessionStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	handler, err := c.handler(store)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", c.Listen).
			Str("version", version).
			Str("pms", c.BaseURL).
			Int("batch_size", c.BatchSize).
			Msg("Starting PMS bundler")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// sessionStore returns a Redis-backed store when REDIS_URL is set and an
// in-process store otherwise.
func (c *CLI) sessionStore(ctx context.Context) (session.Store, func(), error) {
	if c.RedisURL == "" {
		return session.NewMemoryStore(), func() {}, nil
	}

	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger := logging.NewLogger(logging.ComponentServer)
	logger.Info().Str("addr", opts.Addr).Msg("Sharing PMS session through Redis")

	return session.NewRedisStore(rdb, session.DefaultRedisKey), func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}, nil
}

// handler wires session manager, client, orchestrator and router.
func (c *CLI) handler(store session.Store) (http.Handler, error) {
	sessionCfg := session.DefaultConfig(c.BaseURL, c.CompanyCode, c.Username, c.Password)
	sessionCfg.LoginPath = c.LoginPath
	sessionCfg.Timeout = c.RequestTimeout
	sessionCfg.InsecureSkipVerify = c.InsecureSkipVerify

	sessions, err := session.NewManager(sessionCfg, store)
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	clientCfg := client.DefaultConfig(c.BaseURL)
	clientCfg.DocumentPath = c.DocumentPath
	clientCfg.Timeout = c.RequestTimeout
	clientCfg.InsecureSkipVerify = c.InsecureSkipVerify
	clientCfg.Retry.MaxAttempts = c.MaxAttempts
	clientCfg.UserAgent = "pms-bundler/" + version

	pms, err := client.New(clientCfg, sessions)
	if err != nil {
		return nil, fmt.Errorf("create PMS client: %w", err)
	}

	orch := batch.NewOrchestrator(pms, batch.Config{
		BatchSize:       c.BatchSize,
		InterBatchDelay: c.BatchDelay,
	})

	return api.NewRouter(api.NewBundleHandler(orch, api.DefaultConfig())), nil
}
