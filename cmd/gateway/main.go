package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"paygate/pkg/anchor"
	"paygate/pkg/config"
	"paygate/pkg/guard"
	"paygate/pkg/hardening"
	"paygate/pkg/httpx"
	"paygate/pkg/mandate"
	"paygate/pkg/metrics"
	"paygate/pkg/payment"
	"paygate/pkg/ratelimit"
	"paygate/pkg/receipt"
	"paygate/pkg/receiptbus"
	"paygate/pkg/replay"
	"paygate/pkg/routes"
	"paygate/pkg/spend"
	"paygate/pkg/store"
	"paygate/pkg/stream"
	"paygate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Routes             *routes.Table
	Payments           *payment.Coordinator
	Verifier           *mandate.Verifier
	Tracker            *spend.Tracker
	Replay             replay.Store
	Receipts           *receipt.Store
	Blocklist          *guard.Blocklist
	RateLimiter        ratelimit.Limiter
	RateLimitPerMinute int
	Metrics            *metrics.Registry
	Events             *stream.Hub
	Bus                *receiptbus.Publisher
	Anchor             *anchor.Writer
	Cache              store.Cache
	HTTPClient         *http.Client
	ProbeClient        *http.Client
	Resolver           guard.Resolver
	AdminKey           string
	RoutesPath         string
	ConfigPath         string
	// SkipSSRFCheck disables only the resolve-and-refuse step; the
	// per-rule skip flag additionally bypasses the x402 probe.
	SkipSSRFCheck       bool
	ProbeTimeout        time.Duration
	SettleTimeout       time.Duration
	MaxRequestBodyBytes int64

	cfgMu sync.RWMutex
	cfg   config.Doc
}

func (s *Server) configDoc() config.Doc {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Server) setConfigDoc(doc config.Doc) {
	s.cfgMu.Lock()
	s.cfg = doc
	s.cfgMu.Unlock()
	s.Blocklist.Replace(doc.AgentBlocklist)
}

func (s *Server) apiKey() string {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.APIKey
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		if mem, ok := s.Replay.(*replay.MemoryStore); ok {
			go mem.RunSweeper(context.Background())
		}
		if s.Anchor != nil {
			go s.Anchor.Run(context.Background())
		}
		go s.gaugeLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	payTo := config.Env("PAY_TO_ADDRESS", "")
	if payTo == "" {
		return errors.New("PAY_TO_ADDRESS is required")
	}
	adminKey := config.Env("ADMIN_KEY", "")
	runtimeEnv := config.Env("ENVIRONMENT", config.Env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    config.Env("STRICT_PROD_SECURITY", "true"),
		AdminKey:              adminKey,
		RedisAddr:             config.Env("REDIS_ADDR", ""),
		RedisRequireTLS:       config.Env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      config.Env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: config.Env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    config.Env("CORS_ALLOWED_ORIGINS", ""),
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "PAY_TO_ADDRESS", Value: payTo},
		},
	}); err != nil {
		return err
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory state: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	replayTTL := config.EnvDurationMS("REPLAY_TTL_MS", 300000)
	var replayStore replay.Store
	if redisClient != nil {
		replayStore = replay.NewCacheStore(cache, replayTTL)
	} else {
		replayStore = replay.NewMemoryStore(replayTTL)
	}

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: config.EnvDurationMS("UPSTREAM_TIMEOUT_MS", 30000)})

	var facilitator *payment.Facilitator
	if facURL := config.Env("FACILITATOR_URL", ""); facURL != "" {
		facilitator = payment.NewFacilitator(
			facURL,
			httpClient,
			config.Env("FACILITATOR_API_KEY_ID", ""),
			config.Env("FACILITATOR_API_KEY_SECRET", ""),
		)
	} else {
		log.Printf("no FACILITATOR_URL configured, payments run in stub mode")
	}

	defaults := config.Doc{
		PayToAddress: payTo,
		Network:      config.Env("BASE_NETWORK", "base-sepolia"),
		APIKey:       config.Env("API_KEY", ""),
	}
	configPath := config.Env("CONFIG_FILE", "config.json")
	doc, err := config.LoadDoc(configPath, defaults)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	tracker := spend.NewTracker()
	s := &Server{
		Routes:              routes.NewTable(),
		Payments:            payment.NewCoordinator(facilitator, doc.Network, doc.PayToAddress),
		Verifier:            &mandate.Verifier{Tracker: tracker},
		Tracker:             tracker,
		Replay:              replayStore,
		Receipts:            receipt.NewStore(config.EnvInt("RECEIPT_LOG_MAX", 10000)),
		Blocklist:           guard.NewBlocklist(doc.AgentBlocklist...),
		RateLimitPerMinute:  config.EnvInt("RATE_LIMIT_PER_MINUTE", 120),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Cache:               cache,
		HTTPClient:          httpClient,
		ProbeClient:         &http.Client{Timeout: config.EnvDurationMS("PROBE_TIMEOUT_MS", 2500)},
		AdminKey:            adminKey,
		RoutesPath:          config.Env("ROUTES_FILE", "routes.json"),
		ConfigPath:          configPath,
		SkipSSRFCheck:       config.EnvBool("SKIP_SSRF_CHECK", false),
		ProbeTimeout:        config.EnvDurationMS("PROBE_TIMEOUT_MS", 2500),
		SettleTimeout:       config.EnvDurationMS("SETTLE_TIMEOUT_MS", 30000),
		MaxRequestBodyBytes: int64(config.EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		cfg:                 doc,
	}

	if config.EnvBool("RATE_LIMIT_ENABLED", false) {
		window := time.Second * time.Duration(config.EnvInt("RATE_LIMIT_WINDOW_SEC", 60))
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}

	if brokers := config.Env("RECEIPTS_KAFKA_BROKERS", ""); brokers != "" {
		bus, err := receiptbus.NewKafkaPublisher(receiptbus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   config.Env("RECEIPTS_KAFKA_TOPIC", "paygate.receipts"),
		})
		if err != nil {
			return fmt.Errorf("receipt bus: %w", err)
		}
		defer bus.Close()
		s.Bus = bus
	}

	if rpcURL := config.Env("ANCHOR_RPC_URL", ""); rpcURL != "" {
		writer, err := anchor.Dial(ctx, rpcURL, config.Env("ANCHOR_PRIVATE_KEY", ""), config.Env("ANCHOR_CONTRACT", ""))
		if err != nil {
			log.Printf("anchor unavailable, running without anchoring: %v", err)
		} else {
			s.Anchor = writer
		}
	}

	s.Routes.Subscribe(s.Payments)
	rules, err := routes.LoadFile(s.RoutesPath)
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	// Boot-loaded rules pass the same resolve-and-refuse check as admin
	// registration. The x402 probe stays registration-time only: a down
	// upstream must not block a restart.
	if !s.SkipSSRFCheck {
		for _, rule := range rules {
			if rule.SkipSSRFCheck {
				continue
			}
			if err := guard.CheckBackendURL(ctx, s.Resolver, rule.Provider.BackendURL); err != nil {
				return fmt.Errorf("route %s: backend refused: %w", rule.ToolID, err)
			}
		}
	}
	if err := s.Routes.Load(rules); err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	log.Printf("loaded %d routes from %s", len(rules), s.RoutesPath)

	supCtx, cancelSup := context.WithTimeout(ctx, 5*time.Second)
	if kinds, err := s.Payments.Supported(supCtx); err != nil {
		log.Printf("facilitator supported lookup failed: %v", err)
	} else {
		for _, k := range kinds {
			log.Printf("facilitator supports scheme=%s network=%s", k.Scheme, k.Network)
		}
	}
	cancelSup()

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(config.Env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/docs", s.handleDocs)
	r.HandleFunc("/api/*", s.handleAPI)
	r.Mount("/admin", s.adminRouter())

	if startLoops != nil {
		startLoops(s)
	}

	addr := ":" + config.Env("PORT", "4402")
	log.Printf("gateway listening on %s (network %s, pay-to %s)", addr, s.Payments.Network(), doc.PayToAddress)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Metrics.SetGauge("receipt_log_size", float64(s.Receipts.Len()))
			s.Metrics.SetGauge("anchor_pending", float64(s.Anchor.Pending()))
			s.Metrics.SetGauge("route_count", float64(len(s.Routes.Snapshot())))
		}
	}
}
