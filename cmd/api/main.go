package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"skolar.io/internal/audit"
	"skolar.io/internal/auth"
	"skolar.io/internal/config"
	"skolar.io/internal/emergency"
	"skolar.io/internal/httpapi"
	"skolar.io/internal/identity"
	"skolar.io/internal/janitor"
	"skolar.io/internal/obs"
	"skolar.io/internal/otp"
	"skolar.io/internal/ratelimit"
	"skolar.io/internal/session"
	"skolar.io/internal/store/pg"
	"skolar.io/internal/tenancy"
	"skolar.io/internal/token"
)

var version = "0.3.1"

func main() {
	configPath := flag.String("config", os.Getenv("SKOLAR_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.InitLogger("skolar-auth", version, "info")
		log := obs.Logger()
		log.Fatal().Err(err).Msg("load config")
	}

	obs.InitLogger("skolar-auth", version, cfg.Log.Level)
	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("SKOLAR_COMMIT"))

	db, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if err := pg.Ping(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("database unreachable")
	}

	// Audit sinks: DB always, structured log always, NATS when configured.
	sinks := []audit.Sink{audit.NewPGSink(db), audit.NewLogSink(log)}
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL, nats.Name("skolar-auth"))
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer natsConn.Close()
		sinks = append(sinks, audit.NewNATSSink(natsConn, cfg.NATS.Subject))
	}
	recorder := audit.NewRecorder(cfg.Audit.QueueSize, sinks, audit.WithMetrics(obs.Metrics{}))
	defer recorder.Close()

	// Rate limiting: Redis store when configured, Postgres otherwise.
	var limiterStore ratelimit.Store = ratelimit.NewPGStore(db)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		limiterStore = ratelimit.NewRedisStore(rdb, cfg.RateLimit.Window)
	}
	limiter, err := ratelimit.NewService(limiterStore, ratelimit.Config{
		MaxFailures:           cfg.RateLimit.MaxFailures,
		Window:                cfg.RateLimit.Window,
		Cooldown:              cfg.RateLimit.Cooldown,
		MaxDistinctIPs:        cfg.RateLimit.MaxDistinctIPs,
		MaxDistinctUserAgents: cfg.RateLimit.MaxDistinctUserAgents,
	}, obs.WarnLogger{Log: log})
	if err != nil {
		log.Fatal().Err(err).Msg("rate limiter")
	}

	identityStore := identity.NewPGStore(db)

	tenants, err := tenancy.NewService(tenancy.NewPGStore(db), recorder)
	if err != nil {
		log.Fatal().Err(err).Msg("tenancy service")
	}

	sessions, err := session.NewService(session.NewPGStore(db), tenants,
		session.WithMetrics(obs.Metrics{}))
	if err != nil {
		log.Fatal().Err(err).Msg("session service")
	}
	tenants.SetSessionInvalidator(sessions)

	revocations := token.NewPGRevocations(db)
	tokens, err := token.NewService(token.Config{
		Secret:        cfg.Token.Secret,
		Issuer:        cfg.Token.Issuer,
		TTL:           cfg.Token.TTL,
		RefreshWindow: cfg.Token.RefreshWindow,
	}, revocations, tenants,
		token.WithSessionRetirer(sessions),
		token.WithRecorder(recorder),
		token.WithMetrics(obs.Metrics{}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("token service")
	}
	sessions.SetTokenRevoker(tokens)

	var deliverer otp.Deliverer = otp.NewLogDeliverer(log)
	if natsConn != nil {
		deliverer = otp.NewNATSDeliverer(natsConn, "")
	}
	otps, err := otp.NewService(otp.NewPGStore(db), deliverer, otp.Config{
		TTL:         cfg.OTP.TTL,
		MaxAttempts: cfg.OTP.MaxAttempts,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("otp service")
	}

	emergencySvc, err := emergency.NewService(
		emergency.NewPGStore(db), identityStore, tenancy.NewPGStore(db),
		tenants, sessions, recorder,
		emergency.WithMetrics(obs.Metrics{}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("emergency service")
	}

	authSvc, err := auth.NewService(identityStore, tenants, sessions, tokens, limiter, otps, recorder,
		auth.WithEmergencyChecker(emergencySvc),
		auth.WithMetrics(obs.Metrics{}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("auth service")
	}

	api := httpapi.New(authSvc, tokens, sessions, tenants, emergencySvc,
		httpapi.ReadyProbe{DB: db}, log, version, httpapi.Tuning{
			MaxBodyBytes:      cfg.Server.MaxBodyBytes,
			IPRatePerSecond:   cfg.Server.IPRatePerSecond,
			IPRateBurst:       cfg.Server.IPRateBurst,
			TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		})
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jan := janitor.New(sessions, limiter, revocations,
		cfg.Token.RefreshWindow, cfg.Janitor.Interval, log)
	go jan.Start(ctx)

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("starting skolar-auth")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("stopped")
}
