package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/akaverin/sessionguard/internal/breaker"
	"github.com/akaverin/sessionguard/internal/db"
	"github.com/akaverin/sessionguard/internal/handlers"
	"github.com/akaverin/sessionguard/internal/health"
	"github.com/akaverin/sessionguard/internal/logger"
	"github.com/akaverin/sessionguard/internal/repository"
	"github.com/akaverin/sessionguard/internal/repository/memory"
	"github.com/akaverin/sessionguard/internal/repository/postgres"
	"github.com/akaverin/sessionguard/internal/service/session"
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	logger  logger.Logger
	cleaner *session.Cleaner
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	log, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	if c.SecretKey == "" {
		return nil, errors.New("secret key is required")
	}

	checker := health.NewAggregator(health.Config{CacheTTL: c.HealthCacheTTL}, log)

	blacklist := memory.NewBlacklist()

	// Token records live in postgres when database is configured, in memory otherwise
	var records repository.RecordStore
	recordsLen := func() int { return -1 } // unknown for sql backed stores
	switch {
	case c.DatabaseDSN != "":
		pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		records = postgres.NewStore(pool, postgres.StoreConfig{})

		checker.Register(health.Registration{
			Name:     "database",
			Critical: true,
			Probe: func(ctx context.Context) (any, error) {
				return nil, pool.Ping(ctx)
			},
		})
		log.Info("using postgres record store")
	default:
		memStore := memory.NewStore(memory.StoreConfig{})
		records = memStore
		recordsLen = memStore.Len
		log.Info("using in-memory record store")
	}

	checker.Register(health.Registration{
		Name:     "token_store",
		Critical: true,
		Probe: func(ctx context.Context) (any, error) {
			return map[string]int{
				"records":   recordsLen(),
				"blacklist": blacklist.Len(),
			}, nil
		},
	})

	// Initialize services
	authority, err := session.New(session.Config{SecretKey: c.SecretKey}, records, blacklist, log)
	if err != nil {
		return nil, fmt.Errorf("error while creating session authority. Err: %w", err)
	}
	cleaner := session.NewCleaner(c.CleanupInterval, authority, log)

	breakers := breaker.NewRegistry(breaker.Settings{}, log)
	checker.Register(health.Registration{
		Name:  "circuit_breakers",
		Probe: func(ctx context.Context) (any, error) {
			states := breakers.States()
			if !breakers.Healthy() {
				return states, errors.New("one or more breakers open")
			}
			return states, nil
		},
	})

	mux := handlers.NewRouter(authority, checker, breakers, log)

	return &ServerApp{
		ListenAddr: c.ListenAddr,
		Handler:    mux,
		logger:     log,
		cleaner:    cleaner,
	}, nil
}

// Run starts http server and closes gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	s.cleaner.Start(ctx)
	defer s.cleaner.Stop()

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	return err
}
