// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/cloud"
	"github.com/jeranaias/rigrun-router/internal/config"
	"github.com/jeranaias/rigrun-router/internal/gateway"
	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/ollama"
	"github.com/jeranaias/rigrun-router/internal/retrieval"
	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/storage"
)

// Redis key prefixes per cache level so both levels can share one server.
const (
	redisPrefixL1 = "rigrun:cache:l1:"
	redisPrefixL2 = "rigrun:cache:l2:"
)

// =============================================================================
// PROVIDERS
// =============================================================================

func buildProviders(catalog router.Catalog, o options) (map[router.Tier]gateway.Provider, error) {
	out := make(map[router.Tier]gateway.Provider, len(catalog))
	for tier, desc := range catalog {
		if p, ok := o.providers[tier]; ok && p != nil {
			out[tier] = p
			continue
		}
		p, err := newProvider(desc, o)
		if err != nil {
			return nil, err
		}
		out[tier] = p
	}
	return out, nil
}

func newProvider(desc router.ModelDescriptor, o options) (gateway.Provider, error) {
	logger := o.logger.With("provider", desc.Provider, "tier", desc.Tier.String())
	switch desc.Provider {
	case config.ProviderOllama:
		c := ollama.NewClientWithConfig(&ollama.ClientConfig{
			BaseURL:      desc.Endpoint,
			DefaultModel: desc.Model,
		})
		logger.Debug("ollama provider", "url", c.BaseURL(), "model", desc.Model)
		return c, nil

	case config.ProviderOpenRouter:
		c := cloud.NewOpenRouterClient(desc.APIKey).
			WithBaseURL(desc.Endpoint).
			WithHTTPClient(o.httpClient).
			WithLogger(logger)
		if !c.IsConfigured() {
			logger.Warn("no API key configured, tier will report unavailable")
		}
		return c, nil

	case cloud.ProviderOpenAI, cloud.ProviderGroq:
		p, err := cloud.NewLangChainProvider(desc, o.httpClient)
		if err != nil {
			// The tier fails with KindUnavailable and escalation skips it.
			logger.Warn("provider not usable, tier will report unavailable", "err", err)
			return unavailable{provider: desc.Provider, reason: err.Error()}, nil
		}
		return p, nil

	default:
		return nil, fmt.Errorf("engine: tier %s: unknown provider %q", desc.Tier, desc.Provider)
	}
}

// unavailable stands in for a provider that could not be constructed.
type unavailable struct {
	provider string
	reason   string
}

func (u unavailable) Generate(context.Context, router.ModelDescriptor, gateway.Request) (gateway.Response, error) {
	return gateway.Response{}, gateway.Errorf(gateway.KindUnavailable, u.provider, "%s", u.reason)
}

func (u unavailable) Check(context.Context) error {
	return gateway.Errorf(gateway.KindUnavailable, u.provider, "%s", u.reason)
}

// =============================================================================
// CACHE
// =============================================================================

func (e *Engine) buildCache(ctx context.Context, o options) (*cache.Tiered, error) {
	cc := e.cfg.Cache
	tc := cache.Config{Enabled: cc.Enabled, L1TTL: cc.L1TTL.Duration, L2TTL: cc.L2TTL.Duration}
	cacheOpts := []cache.Option{
		cache.WithLogger(o.logger),
		cache.WithRecorder(o.metrics),
		cache.WithClock(o.now),
	}
	if !cc.Enabled {
		return cache.NewTiered(tc, nil, nil, cacheOpts...), nil
	}

	var (
		l1, l2 cache.Store
		err    error
	)
	switch cc.L1Driver {
	case config.DriverRedis:
		l1, err = cache.OpenRedis(ctx, cc.RedisURL, redisPrefixL1)
	default:
		l1, err = cache.NewMemoryStore(cc.L1Size)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: cache l1: %w", err)
	}

	switch cc.L2Driver {
	case config.DriverRedis:
		l2, err = cache.OpenRedis(ctx, cc.RedisURL, redisPrefixL2)
	case config.DriverSQLite:
		var path string
		if path, err = dataPath(cc.L2Path, "cache.db"); err == nil {
			l2, err = cache.OpenSQLite(path)
		}
	}
	if err != nil {
		_ = l1.Close()
		return nil, fmt.Errorf("engine: cache l2: %w", err)
	}
	return cache.NewTiered(tc, l1, l2, cacheOpts...), nil
}

// =============================================================================
// LONG-TERM MEMORY
// =============================================================================

func buildLongTerm(mc config.MemoryConfig, logger logging.Logger) (storage.LongTermStore, error) {
	var (
		store storage.LongTermStore
		err   error
	)
	switch mc.LongTermDriver {
	case config.DriverNone, config.DriverMemory:
		return storage.NewMemoryStore(), nil
	case config.DriverSQLite:
		var path string
		if path, err = dataPath(mc.LongTermPath, "interactions.db"); err == nil {
			store, err = storage.OpenSQLiteStore(path)
		}
	case config.DriverBadger:
		var dir string
		if dir, err = dataPath(mc.LongTermPath, "interactions.badger"); err == nil {
			store, err = storage.OpenBadgerStore(dir, logger)
		}
	case config.DriverFile:
		path := mc.LongTermPath
		if path == "" {
			path, err = storage.DefaultFilePath()
		}
		if err == nil {
			store, err = storage.NewFileStore(path)
		}
	default:
		err = fmt.Errorf("unknown driver %q", mc.LongTermDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: long-term memory: %w", err)
	}
	return storage.WithRetry(store, storage.DefaultRetryConfig()), nil
}

// =============================================================================
// RETRIEVAL
// =============================================================================

func (e *Engine) buildRetriever(o options) (retrieval.Retriever, error) {
	rc := e.cfg.Retrieval
	switch rc.Driver {
	case config.DriverHTTP:
		return retrieval.NewHTTPRetriever(rc.Endpoint, o.httpClient), nil
	case config.DriverSQLite:
		r, err := retrieval.OpenSQLite(rc.Path)
		if err != nil {
			return nil, fmt.Errorf("engine: retrieval: %w", err)
		}
		e.closers = append(e.closers, r)
		return r, nil
	default:
		return retrieval.Nop{}, nil
	}
}

// dataPath returns path, or name under ~/.rigrun when path is empty.
func dataPath(path, name string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
