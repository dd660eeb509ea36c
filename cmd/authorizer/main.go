package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/wso2/open-apigw-authorizer/internal/authn"
	"github.com/wso2/open-apigw-authorizer/internal/authz"
	"github.com/wso2/open-apigw-authorizer/internal/config"
	"github.com/wso2/open-apigw-authorizer/internal/constants"
	"github.com/wso2/open-apigw-authorizer/internal/engine"
	"github.com/wso2/open-apigw-authorizer/internal/jwks"
	"github.com/wso2/open-apigw-authorizer/internal/keys"
	logger "github.com/wso2/open-apigw-authorizer/internal/logging"
	"github.com/wso2/open-apigw-authorizer/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to an optional YAML config file")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	eventPath := flag.String("event", "", "Decide a single authorizer event read from this file (- for stdin) and exit")
	flag.Parse()

	logger.SetLevelFromEnv()
	if *debugMode {
		logger.SetDebug(true)
	}
	defer logger.Sync()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Error loading config: %v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		logger.SetDebug(true)
	}

	// 2. Build the decision engine and everything behind it
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := build(cfg, reg)
	if err != nil {
		logger.Error("Error building authorizer: %v", err)
		os.Exit(1)
	}
	defer app.close()

	// 3. One-shot mode
	if *eventPath != "" {
		if err := decideEvent(app.engine, *eventPath, os.Stdout); err != nil {
			logger.Error("Error deciding event: %v", err)
			app.close()
			os.Exit(1)
		}
		return
	}

	// 4. Start the server
	srv := server.New(cfg.ListenPort, server.NewRouter(app.engine, reg))
	go func() {
		logger.Info("Authorizer listening on %s", srv.Addr())
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
	}()

	// 5. Wait for shutdown signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down HTTP server...")

	shutdownCtx, cancel := server.NewShutdownContext(5 * time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error: %v", err)
	}
	logger.Info("Stopped.")
}

type authorizer struct {
	engine  *engine.Engine
	closers []func() error
}

func (a *authorizer) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Error releasing resource: %v", err)
		}
	}
	a.closers = nil
}

func build(cfg *config.Config, reg prometheus.Registerer) (*authorizer, error) {
	app := &authorizer{}
	fail := func(err error) (*authorizer, error) {
		app.close()
		return nil, err
	}

	metrics, err := engine.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	var client *redis.Client
	if cfg.UsesRedis() {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.closers = append(app.closers, client.Close)
	}

	limiter := keys.NewMemoryLimiter(cfg.JWKSRequestsPerMinute)
	if cfg.RateLimitBackend == config.RedisRateLimit {
		limiter, err = keys.NewRedisLimiter(client, constants.DefaultRateLimitRedisKeyspace, cfg.JWKSRequestsPerMinute, time.Minute)
		if err != nil {
			return fail(err)
		}
	}

	provider, err := jwks.NewProvider(cfg.JWKSURI, jwks.WithTimeout(cfg.JWKSTimeout))
	if err != nil {
		return fail(err)
	}
	resolver, err := keys.NewResolver(provider, limiter,
		keys.WithMaxAge(cfg.JWKSCacheMaxAge),
		keys.WithMaxEntries(cfg.JWKSCacheMaxEntries),
		keys.WithFetchTimeout(2*cfg.JWKSTimeout),
		keys.WithObserver(metrics.ObserveKeyEvent),
	)
	if err != nil {
		return fail(err)
	}
	app.closers = append(app.closers, resolver.Close)

	verifier, err := authn.NewVerifier(resolver, authn.VerifierConfig{
		Issuer:    cfg.TokenIssuerURI,
		Audience:  cfg.Audience,
		Algorithm: cfg.TokenAlgorithm,
		ClockSkew: cfg.ClockSkew,
	})
	if err != nil {
		return fail(err)
	}

	var cmdable redis.Cmdable
	if client != nil {
		cmdable = client
	}
	store, closeStore, err := MakePermissionStore(cfg, cmdable)
	if err != nil {
		return fail(err)
	}
	app.closers = append(app.closers, closeStore)

	mode, err := authz.ParseMatchMode(cfg.ScopeMatch)
	if err != nil {
		return fail(err)
	}
	app.engine, err = engine.New(engine.Options{
		Verifier: verifier,
		Store:    store,
		Matcher:  authz.NewScopeValidator(mode),
		Timeout:  cfg.DecisionTimeout,
		Metrics:  metrics,
	})
	if err != nil {
		return fail(err)
	}

	logger.Info("Authorizer ready: issuer=%s audience=%s permissions=%s scope_match=%s",
		cfg.TokenIssuerURI, cfg.Audience, cfg.Permissions.Source, mode)
	return app, nil
}

// decideEvent reads one authorizer event and writes its decision document.
// An event that is not valid JSON is denied, not rejected.
func decideEvent(e *engine.Engine, path string, out io.Writer) error {
	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading event: %w", err)
	}

	doc := authz.DenyAll()
	var req authn.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Warn("Denying undecodable authorizer event: %v", err)
	} else {
		doc = e.Authorize(context.Background(), req)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
