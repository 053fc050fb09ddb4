package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"outreach/internal/awsutil"
	"outreach/internal/clock"
	"outreach/internal/config"
	"outreach/internal/connection"
	"outreach/internal/domain"
	"outreach/internal/events"
	"outreach/internal/health"
	"outreach/internal/httpserver"
	"outreach/internal/jobs"
	"outreach/internal/logging"
	"outreach/internal/observability"
	"outreach/internal/policy"
	"outreach/internal/providers/cloudapi"
	"outreach/internal/ratelimit"
	"outreach/internal/routing"
	"outreach/internal/sequence"
	"outreach/internal/service"
	"outreach/internal/store/pg"
	"outreach/internal/transport"
	"outreach/internal/transport/gateway"
)

func main() {
	cfg := config.LoadServer()
	log := logging.Init("server", cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MigrateOnStart {
		v, err := pg.Migrate(cfg.DBDSN)
		if err != nil {
			log.Error("server migrate failed", "err", err)
			os.Exit(1)
		}
		log.Info("server schema migrated", "version", v)
	}

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		log.Error("server db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	var limiter ratelimit.Limiter = ratelimit.NewMemory()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("server redis url invalid", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		limiter = ratelimit.NewRedis(rdb, log)
	}

	cloud := &cloudapi.Client{
		BaseURL: cfg.CloudBaseURL,
		HTTP:    &http.Client{Timeout: cfg.SendTimeout},
		Breaker: cloudapi.NewBreaker("cloudapi"),
		RPS:     cfg.CloudRPS,
		Burst:   cfg.CloudBurst,
	}
	header := http.Header{}
	if cfg.GatewayToken != "" {
		header.Set("Authorization", "Bearer "+cfg.GatewayToken)
	}
	dialers := map[domain.ProviderKind]transport.Dialer{
		domain.ProviderSelfHosted: gateway.NewDialer(gateway.Config{
			URL:            cfg.GatewayURL,
			Header:         header,
			RequestTimeout: cfg.GatewayRequestTimeout,
		}, log),
		domain.ProviderCloud: cloudapi.Dialer{Client: cloud},
	}

	clk := clock.Real{}
	registry := connection.NewRegistry(st, dialers, connection.Options{
		MaxQueueSize:   cfg.MaxQueueSize,
		QueueTimeout:   cfg.QueueTimeout,
		PerMinute:      cfg.RateLimitPerMinute,
		DailyCap:       cfg.DailyCap,
		Pacer:          policy.Pacer{Min: cfg.PacingMin, Max: cfg.PacingMax},
		Backoff:        policy.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax, MaxAttempts: cfg.BackoffMaxAttempts},
		ReconnectDelay: cfg.ReconnectDelay,
		PairingTTL:     cfg.PairingTTL,
		DialTimeout:    cfg.DialTimeout,
		SendTimeout:    cfg.SendTimeout,
		Clock:          clk,
		Limiter:        limiter,
		Logger:         log,
	})
	if cfg.RestoreOnStart {
		n, err := registry.Restore(ctx)
		if err != nil {
			log.Error("server session restore failed", "err", err)
		}
		log.Info("server sessions restored", "count", n)
	}

	selector := routing.NewSelector(st, registry)
	scheduler := &sequence.Scheduler{
		Store:       st,
		Sender:      registry,
		Selector:    selector,
		Clock:       clk,
		BatchSize:   cfg.SchedulerBatch,
		Concurrency: cfg.SchedulerWorkers,
		StaleAfter:  cfg.SendingStaleAfter,
		RowTimeout:  cfg.DispatchBudget(),
		Log:         log,
	}
	broadcasts := &service.BroadcastService{
		Store:      st,
		Sender:     registry,
		Selector:   selector,
		Clock:      clk,
		Log:        log,
		PageSize:   cfg.BroadcastPageSize,
		RetryDelay: cfg.BroadcastRetryDelay,
	}
	if n, err := broadcasts.ResumeRunning(ctx); err != nil {
		log.Error("server broadcast resume failed", "err", err)
	} else if n > 0 {
		log.Info("server broadcasts resumed", "count", n)
	}

	monitor := &health.Monitor{Registry: registry, Sessions: st, Reclaimer: scheduler, Clock: clk, Log: log}
	runner := jobs.New(log)
	// rows carry their own budget; the poll itself only ends on Stop
	if err := runner.EveryWithin("dispatch_due", cfg.SchedulerInterval, -1, func(ctx context.Context) error {
		_, err := scheduler.DispatchDue(ctx)
		return err
	}); err != nil {
		log.Error("server job registration failed", "err", err)
		os.Exit(1)
	}
	if err := runner.Every("health_check", cfg.HealthInterval, func(ctx context.Context) error {
		_, err := monitor.Check(ctx)
		return err
	}); err != nil {
		log.Error("server job registration failed", "err", err)
		os.Exit(1)
	}
	runner.Start()

	var publisher events.Publisher = events.LogPublisher{Log: log}
	if cfg.SQSQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			log.Error("server sqs client init failed", "err", err)
			os.Exit(1)
		}
		publisher = &events.SQSPublisher{SQS: sqsClient, QueueURL: cfg.SQSQueueURL, Buckets: cfg.SQSGroupBuckets}
	}

	s := httpserver.New(2*time.Second, st.Ping)
	api := &httpserver.API{Conns: registry, Accounts: st, Sequences: scheduler, Broadcasts: broadcasts}
	api.Register(s.Mux)
	wh := &httpserver.Webhook{Publisher: publisher, AppSecret: cfg.CloudAppSecret, VerifyToken: cfg.CloudVerifyToken}
	wh.Register(s.Mux)

	apiSrv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux, ReadHeaderTimeout: 10 * time.Second}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "port", cfg.Port)
		return httpserver.Serve(gctx, apiSrv, 10*time.Second)
	})
	g.Go(func() error {
		log.Info("server metrics listening", "port", cfg.MetricsPort)
		return httpserver.Serve(gctx, metricsSrv, 10*time.Second)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server failed", "err", err)
	}
	log.Info("server shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runner.Stop(shutdownCtx)
	broadcasts.Shutdown(shutdownCtx)
	registry.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
