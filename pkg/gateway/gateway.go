package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apiv1 "github.com/beam-cloud/handoff/pkg/api/v1"
	"github.com/beam-cloud/handoff/pkg/common"
	"github.com/beam-cloud/handoff/pkg/delegation"
	"github.com/beam-cloud/handoff/pkg/dispatch"
	"github.com/beam-cloud/handoff/pkg/progress"
	"github.com/beam-cloud/handoff/pkg/provision"
	"github.com/beam-cloud/handoff/pkg/repository"
	"github.com/beam-cloud/handoff/pkg/sandbox"
	"github.com/beam-cloud/handoff/pkg/types"
)

type Gateway struct {
	Config      types.AppConfig
	RedisClient *common.RedisClient
	BackendRepo *repository.PostgresBackend
	httpServer  *http.Server
	echo        *echo.Echo
	ctx         context.Context
	cancelFunc  context.CancelFunc

	baseRouteGroup *echo.Group
	rootRouteGroup *echo.Group

	store        repository.SessionStore
	vault        repository.VaultRepository
	reporter     *progress.Reporter
	orchestrator *delegation.Orchestrator
}

func NewGateway() (*Gateway, error) {
	configManager, err := common.NewConfigManager[types.AppConfig]()
	if err != nil {
		return nil, err
	}
	config := configManager.GetConfig()

	// Setup logging
	if config.PrettyLogs {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	var redisClient *common.RedisClient
	if len(config.Database.Redis.Addrs) > 0 {
		redisClient, err = common.NewRedisClient(config.Database.Redis, common.WithClientName("HandoffGateway"))
		if err != nil {
			return nil, err
		}
	} else {
		log.Info().Msg("redis not configured - live progress fan-out disabled")
	}

	// Postgres is optional; without it sessions live in memory only
	var backendRepo *repository.PostgresBackend
	var store repository.SessionStore
	var vault repository.VaultRepository

	if config.Database.Postgres.Host != "" {
		backendRepo, err = repository.NewPostgresBackend(config.Database.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := backendRepo.RunMigrations(); err != nil {
			return nil, fmt.Errorf("failed to run postgres migrations: %w", err)
		}
		store = repository.NewPostgresSessionStore(backendRepo)
		vault = repository.NewPostgresVault(backendRepo)
	} else {
		log.Warn().Msg("postgres not configured - sessions will not survive restarts")
		store = repository.NewMemorySessionStore()
		vault = repository.NewMemoryVault()
	}

	reporter := progress.NewReporter(progress.NewStoreSink(store, redisClient))

	var tokens provision.TokenSource
	if config.GitHub.AppID != 0 && config.GitHub.PrivateKey != "" {
		tokens = provision.NewInstallationTokenSource(config.GitHub)
	}

	orchestrator := delegation.NewOrchestrator(
		config,
		store,
		sandbox.NewManager(sandbox.NewClient(config.Sandbox), config.Sandbox),
		provision.NewProvisioner(vault, tokens),
		dispatch.NewDispatcher(config.Runtime, config.Tools),
		reporter,
	)

	ctx, cancel := context.WithCancel(context.Background())
	gateway := &Gateway{
		Config:       config,
		RedisClient:  redisClient,
		BackendRepo:  backendRepo,
		ctx:          ctx,
		cancelFunc:   cancel,
		store:        store,
		vault:        vault,
		reporter:     reporter,
		orchestrator: orchestrator,
	}

	return gateway, nil
}

func (g *Gateway) initHTTP() error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())

	g.echo = e
	g.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.Config.Gateway.Host, g.Config.Gateway.Port),
		Handler: e,
	}

	g.baseRouteGroup = e.Group(apiv1.HttpServerBaseRoute)
	g.rootRouteGroup = e.Group(apiv1.HttpServerRootRoute)

	var backendPinger apiv1.Pinger
	if g.BackendRepo != nil {
		backendPinger = g.BackendRepo
	}
	apiv1.NewHealthGroup(g.baseRouteGroup.Group("/health"), g.RedisClient, backendPinger)
	apiv1.NewDelegationsGroup(g.baseRouteGroup.Group("/delegations"), g.orchestrator, g.store, g.reporter)

	return nil
}

// StartAsync starts the gateway server without blocking.
// Use this when embedding the gateway in another process (e.g., CLI).
func (g *Gateway) StartAsync() error {
	if err := g.initHTTP(); err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	go func() {
		addr := fmt.Sprintf("%s:%d", g.Config.Gateway.Host, g.Config.Gateway.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error().Err(err).Msg("failed to listen on http")
			return
		}

		if err := g.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	log.Info().
		Str("host", g.Config.Gateway.Host).
		Int("port", g.Config.Gateway.Port).
		Msg("gateway http server running")

	return nil
}

// Start is the gateway entry point
func (g *Gateway) Start() error {
	if err := g.StartAsync(); err != nil {
		return err
	}

	terminationSignal := make(chan os.Signal, 1)
	signal.Notify(terminationSignal, os.Interrupt, syscall.SIGTERM)
	<-terminationSignal

	log.Info().Msg("termination signal received. shutting down...")
	g.shutdown()

	return nil
}

// Shutdown gracefully shuts down the gateway (exported for external use)
func (g *Gateway) Shutdown() {
	g.shutdown()
}

func (g *Gateway) shutdown() {
	timeout := g.Config.Gateway.ShutdownTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return g.httpServer.Shutdown(ctx)
	})

	// Let in-flight progress land before connections close
	eg.Go(func() error {
		return g.reporter.Flush(ctx)
	})

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}

	if g.BackendRepo != nil {
		if err := g.BackendRepo.Close(); err != nil {
			log.Error().Err(err).Msg("error closing postgres")
		}
	}
	if g.RedisClient != nil {
		if err := g.RedisClient.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}

	g.cancelFunc()
}
