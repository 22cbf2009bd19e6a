package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/shoe-studio/api/internal/catalog"
	"github.com/shoe-studio/api/internal/handlers"
	"github.com/shoe-studio/api/internal/platform/auth"
	"github.com/shoe-studio/api/internal/platform/config"
	"github.com/shoe-studio/api/internal/platform/idempotency"
	"github.com/shoe-studio/api/internal/platform/jobs"
	"github.com/shoe-studio/api/internal/platform/llm"
	"github.com/shoe-studio/api/internal/platform/observability"
	"github.com/shoe-studio/api/internal/platform/secrets"
	"github.com/shoe-studio/api/internal/repositories"
	"github.com/shoe-studio/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := secrets.NewFetcher(ctx, secretFetcherOptions(envValues, logger.Named("secrets"))...)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	eventLogger := observability.EventLogger(logger.Named("services"))

	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		logger.Fatal("failed to load catalog", zap.Error(err))
	}

	var colorModel services.ColorModel
	if cfg.Designer.Enabled() {
		model, err := llm.NewGeminiColorModel(ctx, llm.GeminiConfig{
			APIKey:          cfg.Designer.APIKey,
			Model:           cfg.Designer.Model,
			Temperature:     float32(cfg.Designer.Temperature),
			MaxOutputTokens: int32(cfg.Designer.MaxOutputTokens),
			BaseURL:         cfg.Designer.BaseURL,
		})
		if err != nil {
			logger.Fatal("failed to initialise color model", zap.Error(err))
		}
		colorModel = model
		logger.Info("designer model configured", zap.String("model", model.Name()))
	} else {
		logger.Warn("designer api key not set; the designer function answers 503")
	}

	designer, err := services.NewDesignerService(services.DesignerServiceDeps{
		Catalog:       cat,
		Model:         colorModel,
		MaxInputRunes: cfg.Generation.MaxInputRunes,
		Logger:        eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise designer service", zap.Error(err))
	}

	endpoint := generationEndpoint(cfg)
	httpClient := &http.Client{}
	var requestSigner services.RequestSigner
	var designerOpts []handlers.DesignerOption
	if secret := strings.TrimSpace(cfg.Generation.SigningSecret); secret != "" {
		signer, err := auth.NewSigner(secret)
		if err != nil {
			logger.Fatal("failed to initialise request signer", zap.Error(err))
		}
		validator, err := auth.NewHMACValidator(secret, auth.NewMemoryNonceStore(cfg.Sessions.CleanupInterval),
			auth.WithHMACLogger(logger.Named("hmac")),
		)
		if err != nil {
			logger.Fatal("failed to initialise signature validator", zap.Error(err))
		}
		requestSigner = signer
		designerOpts = append(designerOpts, handlers.WithDesignerSignature(validator.RequireHMAC))
	}
	pipeline, err := services.NewGenerationPipeline(services.GenerationPipelineDeps{
		Catalog:       cat,
		Endpoint:      endpoint,
		Client:        httpClient,
		Signer:        requestSigner,
		Timeout:       cfg.Generation.Timeout,
		MaxInputRunes: cfg.Generation.MaxInputRunes,
		Logger:        eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise generation pipeline", zap.Error(err))
	}

	var events services.GenerationEventPublisher
	if cfg.Events.Enabled() {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(cfg.Events.Topic)
		defer func() {
			topic.Stop()
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err := jobs.NewEventPublisher(topic, jobs.WithSessionOrdering())
		if err != nil {
			logger.Fatal("failed to initialise generation event publisher", zap.Error(err))
		}
		events = publisher
	}

	sessionService, err := services.NewSessionService(services.SessionServiceDeps{
		Catalog:         cat,
		Generator:       pipeline,
		Events:          events,
		TTL:             cfg.Sessions.TTL,
		CleanupInterval: cfg.Sessions.CleanupInterval,
		Logger:          eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise session service", zap.Error(err))
	}

	systemService, err := newSystemService(cat, sessionService, httpClient, endpoint, fetcher, envValues, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if systemService != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(systemService))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	catalogHandlers := handlers.NewCatalogHandlers(cat)
	idempotencyStore := idempotency.NewMemoryStore(cfg.Sessions.CleanupInterval)
	sessionHandlers := handlers.NewSessionHandlers(sessionService,
		handlers.WithSessionIdempotency(idempotency.Middleware(idempotencyStore,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
			idempotency.WithLogger(logger.Named("idempotency")),
		)),
	)
	designerOpts = append(designerOpts,
		handlers.WithDesignerRateLimit(cfg.RateLimits.GeneratePerMinute, cfg.RateLimits.Window, nil),
	)
	designerHandlers := handlers.NewDesignerHandlers(designer, designerOpts...)

	trustedProxies, err := handlers.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Fatal("invalid trusted proxies", zap.Error(err))
	}
	router := handlers.NewRouter(
		handlers.WithTrustedProxies(trustedProxies...),
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCatalogRoutes(catalogHandlers.Routes),
		handlers.WithSessionRoutes(sessionHandlers.Routes),
		handlers.WithFunctionRoutes(designerHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("shoe-studio api listening", zap.String("generationEndpoint", endpoint))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func loadCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	if path := strings.TrimSpace(cfg.Path); path != "" {
		return catalog.LoadFile(path)
	}
	return catalog.Default()
}

// generationEndpoint falls back to the server's own designer function.
func generationEndpoint(cfg config.Config) string {
	if endpoint := strings.TrimSpace(cfg.Generation.Endpoint); endpoint != "" {
		return endpoint
	}
	return "http://127.0.0.1:" + cfg.Server.Port + config.DesignerFunctionPath()
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSystemService(cat *catalog.Catalog, sessions services.SessionCounter, client *http.Client, endpoint string, fetcher *secrets.Fetcher, env map[string]string, build services.BuildInfo) (services.SystemService, error) {
	catalogCheck := repositories.CatalogCheck(cat)
	catalogCheck.Timeout = 500 * time.Millisecond

	generationCheck := repositories.EndpointCheck("generation", client, endpoint)
	generationCheck.Timeout = 1500 * time.Millisecond

	checks := []repositories.DependencyCheck{catalogCheck, generationCheck}
	if ref := secretEnv(env).reference("API_DESIGNER_API_KEY"); ref != "" && fetcher != nil {
		secretCheck := repositories.SecretCheck(fetcher, ref)
		secretCheck.Timeout = time.Second
		checks = append(checks, secretCheck)
	}

	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Sessions:         sessions,
		Clock:            time.Now,
		Build:            build,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Secrets.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Events.ProjectID)
}
