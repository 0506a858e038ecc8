package infrastructure

import (
	"context"

	"tollgate/internal/config"
	"tollgate/internal/dispatch"
	"tollgate/internal/ledger"
	"tollgate/internal/memory"
	"tollgate/internal/provider"
	"tollgate/internal/ratelimit"
	"tollgate/internal/repository"
	"tollgate/internal/service"
	transportHTTP "tollgate/internal/transport/http"
	transportNATS "tollgate/internal/transport/nats"
	"tollgate/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, nc.Close)

	// ── Core wiring ────────────────────────────────────────────────────────────
	store := repository.NewPostgresStore(db, rdb)
	bus := transportNATS.NewBus(nc)

	ldg := ledger.New(store, bus)
	mem := memory.New(store, ldg, cfg.MemoryMaxTurns)

	var limiter ratelimit.Limiter
	if cfg.RateProvider == "redis" {
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimit, cfg.RateWindow)
	} else {
		limiter = ratelimit.NewWindowLimiter(cfg.RateLimit, cfg.RateWindow)
	}

	providers, chatOrder, err := buildProviders(cfg)
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}

	dispatcher := dispatch.New(ldg, limiter, mem, providers, chatOrder, dispatch.Config{
		MaxRetries:     uint64(cfg.RetryMax),
		BaseBackoff:    cfg.RetryBackoff,
		AttemptTimeout: cfg.AttemptTimeout,
	})

	var svc service.Service = service.NewCore(dispatcher, ldg, mem)

	// ── Servers ────────────────────────────────────────────────────────────────
	servers := []Server{
		transportNATS.NewHandler(svc, nc),
		worker.NewPaymentWorker(ldg, nc),
		worker.NewBonusWorker(ldg, store, cfg.BonusInterval),
	}
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, svc))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// buildProviders resolves the configured backends into the closed provider
// set and the deterministic chat fallback order. Backends without credentials
// are left out of the order instead of failing at dispatch time.
func buildProviders(cfg *config.Config) ([]provider.Provider, []provider.Kind, error) {
	var providers []provider.Provider
	available := make(map[provider.Kind]bool)

	if cfg.OpenAIKey != "" {
		providers = append(providers, provider.NewOpenAI(cfg.OpenAIKey), provider.NewDalle(cfg.OpenAIKey))
		available[provider.KindOpenAI] = true
		available[provider.KindDalle] = true
	}
	if cfg.AnthropicKey != "" {
		providers = append(providers, provider.NewClaude(cfg.AnthropicKey))
		available[provider.KindClaude] = true
	}
	if cfg.MistralKey != "" {
		providers = append(providers, provider.NewMistral(cfg.MistralKey))
		available[provider.KindMistral] = true
	}

	var chatOrder []provider.Kind
	for _, name := range cfg.ChatOrder {
		kind, err := provider.ParseKind(name)
		if err != nil {
			return nil, nil, err
		}
		if available[kind] {
			chatOrder = append(chatOrder, kind)
		}
	}
	return providers, chatOrder, nil
}

// runCleanup returns a single function that calls all cleanup functions in
// reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
